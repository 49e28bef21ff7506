// Package provider connects workers to language model backends.
package provider

import (
	"context"
	"time"
)

// Backend kinds.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindOllama    = "ollama"
)

// Backend completes single prompts against one model server.
type Backend interface {
	ID() string
	Complete(ctx context.Context, p *Prompt) (*Completion, error)
	Models(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// Prompt is one self-contained request: a system instruction and the
// rendered task text.
type Prompt struct {
	Model       string
	System      string
	Text        string
	Temperature float64
	MaxTokens   int
	// JSON asks the backend to constrain the reply to a JSON object where
	// it supports that.
	JSON bool
}

// Completion is a backend's reply to a Prompt.
type Completion struct {
	Model        string
	Text         string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Config describes one backend instance.
type Config struct {
	ID       string
	Kind     string
	Endpoint string
	APIKey   string
	Models   []string
	// PathModel puts the model name into the URL path, as some
	// OpenAI-compatible gateways expect.
	PathModel bool
	Timeout   time.Duration
}

const defaultTimeout = 120 * time.Second

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}
