package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"aura/internal/llm"
)

// Prompt is the payload understood by the LLM worker.
type Prompt struct {
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
}

// Completion is the payload the LLM worker answers with.
type Completion struct {
	Text string `json:"text"`
}

// NewLLMWorker returns a Worker that completes Prompt payloads with client.
func NewLLMWorker(client llm.Client) Worker {
	return WorkerFunc(func(ctx context.Context, req Request) (json.RawMessage, error) {
		var p Prompt
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode prompt: %w", err)
		}
		if p.Prompt == "" {
			return nil, fmt.Errorf("empty prompt")
		}

		var text string
		var err error
		if p.System != "" {
			text, err = client.CompleteWithSystem(ctx, p.System, p.Prompt)
		} else {
			text, err = client.Complete(ctx, p.Prompt)
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(Completion{Text: text})
	})
}

// Complete invokes the bridge with a prompt and decodes the completion.
func (b *Bridge) Complete(ctx context.Context, p Prompt) (string, error) {
	resp, err := b.Invoke(ctx, p)
	if err != nil {
		return "", err
	}
	var c Completion
	if err := resp.Decode(&c); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	return c.Text, nil
}
