package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/phrazzld/taskd/internal/config"
	"github.com/phrazzld/taskd/internal/generation"
	"github.com/phrazzld/taskd/internal/retry"
	"google.golang.org/genai"
)

// ContentGenerator is the part of the genai Models service used by Generator.
// *genai.Models satisfies it.
type ContentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Generator implements generation.Generator with the Gemini API.
type Generator struct {
	models ContentGenerator
	model  string
	logger *slog.Logger
}

var _ generation.Generator = (*Generator)(nil)

// NewGenerator creates a genai client for cfg and wraps it.
func NewGenerator(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*Generator, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}

	return New(client.Models, cfg.ModelName, logger), nil
}

// New wraps an existing ContentGenerator.
func New(models ContentGenerator, model string, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		models: models,
		model:  model,
		logger: logger.With("component", "gemini_generator", "model", model),
	}
}

// Generate implements generation.Generator.
func (g *Generator) Generate(ctx context.Context, req generation.Request) (*generation.Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, retry.Permanent(fmt.Errorf("%w: prompt cannot be empty", generation.ErrRequestRejected))
	}

	cfg := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemInstruction}}}
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(req.Temperature)
	}

	g.logger.DebugContext(ctx, "calling gemini",
		"operation", req.Name,
		"prompt_length", len(req.Prompt))

	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		mapped := mapError(ctx, err)
		g.logger.WarnContext(ctx, "gemini call failed",
			"operation", req.Name,
			"error", err)
		return nil, mapped
	}

	text, err := extractText(resp)
	if err != nil {
		g.logger.WarnContext(ctx, "gemini returned no usable content",
			"operation", req.Name,
			"error", err)
		return nil, retry.Permanent(err)
	}

	out := &generation.Response{Text: text, Model: g.model}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	g.logger.DebugContext(ctx, "gemini call succeeded",
		"operation", req.Name,
		"prompt_tokens", out.PromptTokens,
		"output_tokens", out.OutputTokens)
	return out, nil
}

// extractText joins the text parts of the first candidate.
func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: nil response", generation.ErrInvalidResponse)
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("%w: %s", generation.ErrContentBlocked, resp.PromptFeedback.BlockReason)
		}
		return "", generation.ErrEmptyOutput
	}

	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", generation.ErrContentBlocked
	}
	if cand.Content == nil {
		return "", generation.ErrEmptyOutput
	}

	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", generation.ErrEmptyOutput
	}
	return text, nil
}

// mapError translates a genai error. Rate limits and server errors keep
// messages that retry.IsRetryable recognises.
func mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limit exceeded (429): %s", generation.ErrTransientFailure, apiErr.Message)
	case apiErr.Code == http.StatusRequestTimeout:
		return fmt.Errorf("%w: request timed out (408): %s", generation.ErrTransientFailure, apiErr.Message)
	case apiErr.Code >= 500:
		return fmt.Errorf("%w: server error (%d): %s", generation.ErrTransientFailure, apiErr.Code, apiErr.Message)
	default:
		return retry.Permanent(fmt.Errorf("%w (%d): %s", generation.ErrRequestRejected, apiErr.Code, apiErr.Message))
	}
}
