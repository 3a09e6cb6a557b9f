package types

import "context"

// GenerateOptions carries per-call options for a backend generation.
type GenerateOptions struct {
	Model       string         `json:"model,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Usage reports the unit consumption of a single generation.
type Usage struct {
	PromptUnits     int     `json:"prompt_units"`
	CompletionUnits int     `json:"completion_units"`
	TotalUnits      int     `json:"total_units"`
	Cost            float64 `json:"cost"`
}

// GenerateResult is the output of a backend call.
type GenerateResult struct {
	Output string `json:"output"`
	Usage  Usage  `json:"usage"`
}

// Backend is an AI model provider. The engine treats the call as opaque;
// implementations must honor the supplied context.
type Backend interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (*GenerateResult, error)
}

// BackendFunc adapts a plain function to the Backend interface.
type BackendFunc func(ctx context.Context, prompt string, opts GenerateOptions) (*GenerateResult, error)

// Generate implements Backend.
func (f BackendFunc) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*GenerateResult, error) {
	return f(ctx, prompt, opts)
}
