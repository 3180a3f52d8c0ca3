package generation

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"text/template"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/taskd/internal/domain"
	"github.com/phrazzld/taskd/internal/retry"
	"github.com/phrazzld/taskd/internal/store"
	"github.com/phrazzld/taskd/internal/task"
)

// Task types handled by this package.
const (
	TaskTypeResearch = "research"
	TaskTypeOutline  = "outline"
	TaskTypeContent  = "content"
	TaskTypeSEO      = "seo"
)

// BreakerName is the circuit breaker shared by every generation call.
const BreakerName = "gemini"

// Error codes of generation domain failures.
const (
	ErrorCodeEmptyOutput   = "empty_output"
	ErrorCodeInvalidOutput = "invalid_output"
	ErrorCodeBlocked       = "content_blocked"
)

const systemInstruction = "You are a content strategist. Answer with a single JSON object and nothing else."

//go:embed prompts/*.tmpl
var promptFS embed.FS

var promptFuncs = template.FuncMap{
	"join": strings.Join,
	"inc":  func(i int) int { return i + 1 },
}

var prompts = template.Must(template.New("prompts").Funcs(promptFuncs).ParseFS(promptFS, "prompts/*.tmpl"))

// request is implemented by the request payload types.
type request interface {
	defaults()
}

// kind describes one generation task type.
type kind[Req any, Res any] struct {
	taskType    string
	template    string
	temperature float32
	// check reports why a parsed result is unusable, or "" when it is fine.
	check func(req *Req, res *Res) string
}

// Operations builds generation operations on top of a Generator.
type Operations struct {
	gen      Generator
	validate *validator.Validate
	logger   *slog.Logger
}

// NewOperations creates an Operations using gen.
func NewOperations(gen Generator, logger *slog.Logger) *Operations {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Operations{gen: gen, validate: v, logger: logger.With("component", "generation")}
}

var (
	research = kind[ResearchRequest, ResearchResult]{
		taskType:    TaskTypeResearch,
		template:    "research.tmpl",
		temperature: 0.4,
		check: func(req *ResearchRequest, res *ResearchResult) string {
			if res.Keyword == "" {
				res.Keyword = req.Keyword
			}
			if len(res.RelatedKeywords) == 0 && len(res.Questions) == 0 {
				return "no keywords or questions were found"
			}
			return ""
		},
	}
	outline = kind[OutlineRequest, OutlineResult]{
		taskType:    TaskTypeOutline,
		template:    "outline.tmpl",
		temperature: 0.6,
		check: func(_ *OutlineRequest, res *OutlineResult) string {
			if len(res.Sections) == 0 {
				return "the outline has no sections"
			}
			return ""
		},
	}
	content = kind[ContentRequest, ContentResult]{
		taskType:    TaskTypeContent,
		template:    "content.tmpl",
		temperature: 0.7,
		check: func(req *ContentRequest, res *ContentResult) string {
			if strings.TrimSpace(res.Body) == "" {
				return "the article body is empty"
			}
			if res.Title == "" {
				res.Title = req.Title
			}
			res.WordCount = len(strings.Fields(res.Body))
			return ""
		},
	}
	seo = kind[SEORequest, SEOResult]{
		taskType:    TaskTypeSEO,
		template:    "seo.tmpl",
		temperature: 0.2,
		check: func(_ *SEORequest, res *SEOResult) string {
			if res.MetaTitle == "" && res.MetaDescription == "" {
				return "no metadata was produced"
			}
			if res.Score < 0 {
				res.Score = 0
			}
			if res.Score > 100 {
				res.Score = 100
			}
			return ""
		},
	}
)

// Register adds the four generation task types to reg. Each runs under
// BreakerName and the retry profile of the same name.
func (o *Operations) Register(reg *task.Registry) error {
	regs := []task.Registration{
		registration(o, research, retry.ProfileResearch),
		registration(o, outline, retry.ProfileOutline),
		registration(o, content, retry.ProfileContent),
		registration(o, seo, retry.ProfileSEO),
	}
	for _, r := range regs {
		if err := reg.Register(r); err != nil {
			return fmt.Errorf("register %s: %w", r.TaskType, err)
		}
	}
	return nil
}

func registration[Req any, Res any, PReq interface {
	*Req
	request
}](o *Operations, k kind[Req, Res], profile string) task.Registration {
	return task.Registration{
		TaskType:     k.taskType,
		Breaker:      BreakerName,
		RetryProfile: profile,
		Factory: func(payload json.RawMessage) (task.Operation, error) {
			var req Req
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &req); err != nil {
					return nil, domain.NewValidationError("request_payload", "is not a valid "+k.taskType+" request", nil)
				}
			}
			if err := o.validate.Struct(&req); err != nil {
				return nil, validationError(err)
			}
			PReq(&req).defaults()
			return &operation[Req, Res]{kind: k, req: req, ops: o}, nil
		},
	}
}

// operation runs one generation request.
type operation[Req any, Res any] struct {
	kind kind[Req, Res]
	req  Req
	ops  *Operations
}

func (op *operation[Req, Res]) Execute(ctx context.Context, progress task.ProgressReporter) (*task.Outcome, error) {
	log := op.ops.logger.With("task_type", op.kind.taskType)

	if err := report(ctx, progress, "Preparing prompt", 10); err != nil {
		return nil, err
	}
	var prompt bytes.Buffer
	if err := prompts.ExecuteTemplate(&prompt, op.kind.template, op.req); err != nil {
		return nil, retry.Permanent(fmt.Errorf("render %s prompt: %w", op.kind.taskType, err))
	}

	if err := report(ctx, progress, "Calling language model", 30); err != nil {
		return nil, err
	}
	resp, err := op.ops.gen.Generate(ctx, Request{
		Name:              op.kind.taskType,
		SystemInstruction: systemInstruction,
		Prompt:            prompt.String(),
		JSON:              true,
		Temperature:       op.kind.temperature,
	})
	switch {
	case errors.Is(err, ErrEmptyOutput):
		return failure(ErrorCodeEmptyOutput, "The language model returned an empty answer.", true, nil), nil
	case errors.Is(err, ErrContentBlocked):
		return failure(ErrorCodeBlocked, "The request was blocked by content safety filters.", false, nil,
			"Rephrase the request and submit it again"), nil
	case err != nil:
		return nil, err
	}

	if err := report(ctx, progress, "Parsing response", 80); err != nil {
		return nil, err
	}
	var res Res
	if err := json.Unmarshal([]byte(stripCodeFence(resp.Text)), &res); err != nil {
		log.WarnContext(ctx, "model answer is not valid JSON", "error", err, "length", len(resp.Text))
		return failure(ErrorCodeInvalidOutput, "The language model returned a malformed answer.", true, resp), nil
	}
	if reason := op.kind.check(&op.req, &res); reason != "" {
		return failure(ErrorCodeEmptyOutput, "The language model returned an unusable answer: "+reason+".", true, resp), nil
	}

	data, err := json.Marshal(res)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("encode %s result: %w", op.kind.taskType, err))
	}
	outcome := task.Succeeded(data)
	outcome.Usage = usage(resp)
	return outcome, nil
}

// report forwards progress and stops the operation once its task has finished.
func report(ctx context.Context, progress task.ProgressReporter, message string, percentage int) error {
	if progress == nil {
		return nil
	}
	if err := progress.Report(ctx, message, percentage); errors.Is(err, store.ErrTaskTerminal) {
		return retry.Permanent(err)
	}
	return nil
}

func failure(code, message string, retrySuggested bool, resp *Response, steps ...string) *task.Outcome {
	if len(steps) == 0 && retrySuggested {
		steps = []string{"Submit the task again"}
	}
	o := task.Failed(message, retrySuggested, steps...)
	o.ErrorCode = code
	o.Usage = usage(resp)
	return o
}

func usage(resp *Response) task.Usage {
	u := task.Usage{APICalls: 1}
	if resp != nil {
		u.TokenUsage = map[string]int{
			"prompt": resp.PromptTokens,
			"output": resp.OutputTokens,
		}
	}
	return u
}

// stripCodeFence removes a surrounding ``` block, which models add even
// when asked for bare JSON.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
