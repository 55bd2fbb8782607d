// Package llm provides the language-model clients the bridge worker calls.
// The kernel never interprets model output; it only moves the text around.
package llm

import (
	"context"
	"fmt"
	"strings"

	"aura/internal/config"
	"aura/internal/logging"
)

// Client is the minimal interface the bridge worker uses to call a model.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// New builds the client selected by cfg.Provider.
func New(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case "genai":
		logging.API("using GenAI model %s", cfg.Model)
		return NewGenAIClient(ctx, cfg.APIKey, cfg.Model)
	case "echo":
		logging.API("using echo client")
		return EchoClient{}, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.Provider)
	}
}

// EchoClient returns its prompt. It lets the kernel run end to end without
// network access.
type EchoClient struct{}

// Complete implements Client.
func (EchoClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "echo: " + prompt, nil
}

// CompleteWithSystem implements Client.
func (e EchoClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return e.Complete(ctx, userPrompt)
	}
	return e.Complete(ctx, "["+systemPrompt+"] "+userPrompt)
}
