package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// OpenAI speaks the chat completions API of OpenAI and compatible gateways.
type OpenAI struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewOpenAI returns a backend for cfg.Endpoint, defaulting to api.openai.com.
func NewOpenAI(cfg Config, logger *zap.Logger) *OpenAI {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	return &OpenAI{cfg: cfg, http: &http.Client{Timeout: cfg.timeout()}, logger: logger}
}

func (o *OpenAI) ID() string { return o.cfg.ID }

func (o *OpenAI) completionsURL(model string) string {
	if o.cfg.PathModel && model != "" {
		return o.cfg.Endpoint + "/" + model + "/chat/completions"
	}
	return o.cfg.Endpoint + "/chat/completions"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionsBody struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type completionsReply struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends p as a system plus user message pair.
func (o *OpenAI) Complete(ctx context.Context, p *Prompt) (*Completion, error) {
	body := completionsBody{
		Model:       p.Model,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	}
	if p.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: p.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: p.Text})
	if p.JSON {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}

	var reply completionsReply
	if err := o.call(ctx, http.MethodPost, o.completionsURL(p.Model), body, &reply); err != nil {
		return nil, err
	}
	if len(reply.Choices) == 0 {
		return nil, errors.New("openai: reply has no choices")
	}

	o.logger.Debug("completion received",
		zap.String("provider", o.cfg.ID),
		zap.String("model", reply.Model),
		zap.Int("output_tokens", reply.Usage.CompletionTokens))
	return &Completion{
		Model:        reply.Model,
		Text:         reply.Choices[0].Message.Content,
		StopReason:   reply.Choices[0].FinishReason,
		InputTokens:  reply.Usage.PromptTokens,
		OutputTokens: reply.Usage.CompletionTokens,
	}, nil
}

// Models lists the model ids the server advertises.
func (o *OpenAI) Models(ctx context.Context) ([]string, error) {
	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := o.call(ctx, http.MethodGet, o.cfg.Endpoint+"/models", nil, &listing); err != nil {
		return nil, err
	}
	ids := make([]string, len(listing.Data))
	for i, m := range listing.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

// Ping lists models, which needs a valid key but costs no tokens.
func (o *OpenAI) Ping(ctx context.Context) error {
	_, err := o.Models(ctx)
	return err
}

func (o *OpenAI) call(ctx context.Context, method, url string, in, out any) error {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("openai: encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if o.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("openai: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("openai: decode reply: %w", err)
	}
	return nil
}
