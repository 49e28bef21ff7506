package provider

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicModel     = "claude-3-5-haiku-20241022"
	anthropicMaxTokens = 4096
)

// Anthropic speaks the Messages API.
type Anthropic struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewAnthropic returns a backend for cfg.Endpoint, defaulting to
// api.anthropic.com.
func NewAnthropic(cfg Config, logger *zap.Logger) *Anthropic {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com/v1"
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	return &Anthropic{cfg: cfg, http: &http.Client{Timeout: cfg.timeout()}, logger: logger}
}

func (a *Anthropic) ID() string { return a.cfg.ID }

type messagesBody struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
}

type messagesReply struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete sends p with its system text as the top-level system prompt.
// The API has no JSON mode, so p.JSON only appends an instruction.
func (a *Anthropic) Complete(ctx context.Context, p *Prompt) (*Completion, error) {
	body := messagesBody{
		Model:       cmp.Or(p.Model, a.defaultModel()),
		System:      p.System,
		Messages:    []chatMessage{{Role: "user", Content: p.Text}},
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = anthropicMaxTokens
	}
	if p.JSON {
		body.System = strings.TrimSpace(body.System + "\n\nReply with a single JSON object and nothing else.")
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint+"/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var reply messagesReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("anthropic: decode reply: %w", err)
	}
	var text strings.Builder
	for _, block := range reply.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	a.logger.Debug("completion received",
		zap.String("provider", a.cfg.ID),
		zap.String("model", reply.Model),
		zap.Int("output_tokens", reply.Usage.OutputTokens))
	return &Completion{
		Model:        reply.Model,
		Text:         text.String(),
		StopReason:   reply.StopReason,
		InputTokens:  reply.Usage.InputTokens,
		OutputTokens: reply.Usage.OutputTokens,
	}, nil
}

// Models returns the configured models. The API key may not list models.
func (a *Anthropic) Models(context.Context) ([]string, error) {
	if len(a.cfg.Models) > 0 {
		return append([]string(nil), a.cfg.Models...), nil
	}
	return []string{anthropicModel}, nil
}

// Ping spends a single output token.
func (a *Anthropic) Ping(ctx context.Context) error {
	_, err := a.Complete(ctx, &Prompt{Text: "ping", MaxTokens: 1})
	return err
}

func (a *Anthropic) defaultModel() string {
	if len(a.cfg.Models) > 0 {
		return a.cfg.Models[0]
	}
	return anthropicModel
}

