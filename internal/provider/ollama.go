package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

// Ollama runs prompts on a local Ollama server through its Go client.
type Ollama struct {
	cfg    Config
	client *api.Client
	logger *zap.Logger
}

// NewOllama connects to cfg.Endpoint, or to OLLAMA_HOST when no endpoint is
// configured.
func NewOllama(cfg Config, logger *zap.Logger) (*Ollama, error) {
	if cfg.Endpoint == "" {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama: %w", err)
		}
		return &Ollama{cfg: cfg, client: client, logger: logger}, nil
	}
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("ollama endpoint %q: %w", cfg.Endpoint, err)
	}
	client := api.NewClient(base, &http.Client{Timeout: cfg.timeout()})
	return &Ollama{cfg: cfg, client: client, logger: logger}, nil
}

func (o *Ollama) ID() string { return o.cfg.ID }

// Complete runs p as a non-streaming chat.
func (o *Ollama) Complete(ctx context.Context, p *Prompt) (*Completion, error) {
	stream := false
	req := &api.ChatRequest{
		Model:   p.Model,
		Stream:  &stream,
		Options: map[string]any{},
	}
	if p.System != "" {
		req.Messages = append(req.Messages, api.Message{Role: "system", Content: p.System})
	}
	req.Messages = append(req.Messages, api.Message{Role: "user", Content: p.Text})
	if p.Temperature > 0 {
		req.Options["temperature"] = p.Temperature
	}
	if p.MaxTokens > 0 {
		req.Options["num_predict"] = p.MaxTokens
	}
	if p.JSON {
		req.Format = json.RawMessage(`"json"`)
	}

	var (
		text strings.Builder
		last api.ChatResponse
	)
	err := o.client.Chat(ctx, req, func(part api.ChatResponse) error {
		text.WriteString(part.Message.Content)
		if part.Done {
			last = part
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}

	o.logger.Debug("completion received",
		zap.String("provider", o.cfg.ID),
		zap.String("model", last.Model),
		zap.Int("output_tokens", last.EvalCount))
	return &Completion{
		Model:        last.Model,
		Text:         text.String(),
		StopReason:   last.DoneReason,
		InputTokens:  last.PromptEvalCount,
		OutputTokens: last.EvalCount,
	}, nil
}

// Models lists the models pulled into the server.
func (o *Ollama) Models(ctx context.Context) ([]string, error) {
	resp, err := o.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	ids := make([]string, len(resp.Models))
	for i, m := range resp.Models {
		ids[i] = m.Model
	}
	return ids, nil
}

func (o *Ollama) Ping(ctx context.Context) error {
	return o.client.Heartbeat(ctx)
}
