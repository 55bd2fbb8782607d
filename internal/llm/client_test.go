package llm

import (
	"context"
	"testing"

	"aura/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoClient(t *testing.T) {
	c := EchoClient{}
	out, err := c.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", out)

	out, err = c.CompleteWithSystem(context.Background(), "sys", "hi")
	require.NoError(t, err)
	assert.Equal(t, "echo: [sys] hi", out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Complete(ctx, "late")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew(t *testing.T) {
	c, err := New(context.Background(), config.LLMConfig{Provider: "echo"})
	require.NoError(t, err)
	assert.IsType(t, EchoClient{}, c)

	_, err = New(context.Background(), config.LLMConfig{Provider: "genai"})
	assert.Error(t, err, "genai needs a key")

	_, err = New(context.Background(), config.LLMConfig{Provider: "nope"})
	assert.Error(t, err)
}

func TestNewGenAIClientRequiresKey(t *testing.T) {
	_, err := NewGenAIClient(context.Background(), "", "")
	assert.Error(t, err)
}
