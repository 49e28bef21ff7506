// Package workers provides the built-in capability workers: LLM-backed story,
// emotion and cultural analysts plus a provider-free echo worker.
package workers

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"slices"
	"text/template"

	"github.com/nidhogg/storyloom/internal/agent"
	"github.com/nidhogg/storyloom/internal/provider"
	"go.uber.org/zap"
)

// Worker types.
const (
	TypeStoryGenerator   = "story_generator"
	TypeEmotionAnalyzer  = "emotion_analyzer"
	TypeCulturalAnalyzer = "cultural_analyzer"
	TypeEcho             = "echo"
)

// DefaultCapabilities lists what each worker type handles when the config
// does not narrow it down.
var DefaultCapabilities = map[string][]string{
	TypeStoryGenerator: {"generate_story", "develop_characters", "enhance_plot", "generate_dialogue"},
	TypeEmotionAnalyzer: {
		"analyze_emotions", "analyze_sentiment", "emotional_arc_analysis",
		"cultural_emotion_mapping", "character_emotion_profiling",
	},
	TypeCulturalAnalyzer: {
		"cultural_validation", "family_dynamics_analysis",
		"festival_integration", "regional_adaptation",
	},
	TypeEcho: {"echo"},
}

// Config describes a group of identical workers.
type Config struct {
	IDPrefix     string   `json:"id_prefix"`
	Type         string   `json:"type"`
	Count        int      `json:"count"`
	Capabilities []string `json:"capabilities,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Fallbacks    []string `json:"fallbacks,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// completer is the part of provider.Router a worker needs.
type completer interface {
	Complete(ctx context.Context, workerID string, p *provider.Prompt) (*provider.Completion, error)
	Resolve(workerID string) (provider.Backend, error)
}

// New builds every worker the config entries describe. LLM workers bound to
// a named provider are registered with the router under their id.
func New(cfgs []Config, router *provider.Router, logger *zap.Logger) ([]agent.Worker, error) {
	var out []agent.Worker
	for _, c := range cfgs {
		defaults, ok := DefaultCapabilities[c.Type]
		if !ok {
			return nil, fmt.Errorf("unknown worker type %q", c.Type)
		}
		caps := c.Capabilities
		if len(caps) == 0 {
			caps = defaults
		}
		prefix := c.IDPrefix
		if prefix == "" {
			prefix = c.Type
		}
		count := max(c.Count, 1)

		for i := range count {
			id := fmt.Sprintf("%s-%d", prefix, i+1)
			if c.Type == TypeEcho {
				out = append(out, NewEcho(id, caps...))
				continue
			}
			if router == nil {
				return nil, fmt.Errorf("worker %s: no provider router", id)
			}
			if c.Provider != "" {
				router.Bind(id, c.Provider, c.Fallbacks...)
			}
			w, err := NewLLMWorker(id, c.Type, c.Model, caps, router, logger)
			if err != nil {
				return nil, err
			}
			out = append(out, w)
		}
	}
	return out, nil
}

// NewEcho returns a worker that hands its input back as the payload.
func NewEcho(id string, caps ...string) *agent.Func {
	if len(caps) == 0 {
		caps = DefaultCapabilities[TypeEcho]
	}
	return &agent.Func{WorkerID: id, WorkerType: TypeEcho, Caps: caps}
}

// LLMWorker renders a prompt per capability and sends it through the
// provider router.
type LLMWorker struct {
	id        string
	typ       string
	model     string
	caps      []string
	templates map[string]*template.Template
	router    completer
	logger    *zap.Logger
}

// NewLLMWorker validates that every capability has a prompt.
func NewLLMWorker(id, typ, model string, caps []string, router completer, logger *zap.Logger) (*LLMWorker, error) {
	tmpls, err := compile(caps)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", id, err)
	}
	return &LLMWorker{
		id:        id,
		typ:       typ,
		model:     model,
		caps:      slices.Clone(caps),
		templates: tmpls,
		router:    router,
		logger:    logger,
	}, nil
}

func (w *LLMWorker) ID() string             { return w.id }
func (w *LLMWorker) Type() string           { return w.typ }
func (w *LLMWorker) Capabilities() []string { return slices.Clone(w.caps) }

// Initialize health-checks the provider the worker is routed to.
func (w *LLMWorker) Initialize(ctx context.Context) error {
	p, err := w.router.Resolve(w.id)
	if err != nil {
		return err
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("provider %s unhealthy: %w", p.ID(), err)
	}
	w.logger.Info("worker ready",
		zap.String("agent", w.id),
		zap.String("provider", p.ID()))
	return nil
}

// Execute renders the capability prompt and asks the model. A missing primary
// input is reported as a failed Result rather than an error.
func (w *LLMWorker) Execute(ctx context.Context, task *agent.Task) (*agent.Result, error) {
	tmpl, ok := w.templates[task.TaskType]
	if !ok {
		return agent.Failed("Unknown task type: " + task.TaskType), nil
	}
	p := prompts[task.TaskType]
	if !hasPrimary(task.Input, p.keys) {
		return agent.Failed(p.missing), nil
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, task.Input); err != nil {
		return nil, fmt.Errorf("render prompt %s: %w", task.TaskType, err)
	}

	prompt := &provider.Prompt{
		Model:       w.model,
		System:      p.system,
		Text:        buf.String(),
		Temperature: floatInput(task.Input, "temperature", 0.8),
		MaxTokens:   int(floatInput(task.Input, "max_length", 0)),
		JSON:        p.analysis,
	}
	if p.analysis {
		prompt.Temperature = 0.2
	}

	c, err := w.router.Complete(ctx, w.id, prompt)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"text":       c.Text,
		"model":      cmp.Or(c.Model, w.model),
		"capability": task.TaskType,
	}
	if p.analysis {
		if analysis, ok := extractJSON(c.Text); ok {
			payload["analysis"] = analysis
		} else {
			w.logger.Warn("analysis reply is not JSON",
				zap.String("agent", w.id),
				zap.String("task", task.ID))
		}
	}

	res := agent.Succeeded(payload)
	res.Metadata = map[string]any{
		"input_tokens":  c.InputTokens,
		"output_tokens": c.OutputTokens,
		"stop_reason":   c.StopReason,
	}
	return res, nil
}

func hasPrimary(input map[string]any, keys []string) bool {
	for _, k := range keys {
		if textOf(input[k]) != "" {
			return true
		}
	}
	return false
}

func floatInput(input map[string]any, key string, def float64) float64 {
	switch v := input[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}
