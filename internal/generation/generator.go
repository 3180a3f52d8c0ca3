package generation

import "context"

// Request is one prompt sent to a language model.
type Request struct {
	// Name identifies the calling operation in logs.
	Name              string
	SystemInstruction string
	Prompt            string
	// JSON asks the model to answer with a single JSON document.
	JSON        bool
	Temperature float32
}

// Response is the model's answer to a Request.
type Response struct {
	Text         string
	Model        string
	PromptTokens int
	OutputTokens int
}

// Generator is the boundary between the operations and an LLM provider.
type Generator interface {
	// Generate sends req and returns the model's text. Errors that should not
	// be retried are wrapped with retry.Permanent.
	Generate(ctx context.Context, req Request) (*Response, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (*Response, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
