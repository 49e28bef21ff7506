package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNoProvider is returned when neither a binding nor a default backend
// resolves.
var ErrNoProvider = errors.New("no provider available")

// New builds the backend a config entry describes. An empty kind means
// OpenAI-compatible.
func New(cfg Config, logger *zap.Logger) (Backend, error) {
	switch cfg.Kind {
	case KindOpenAI, "":
		return NewOpenAI(cfg, logger), nil
	case KindAnthropic:
		return NewAnthropic(cfg, logger), nil
	case KindOllama:
		return NewOllama(cfg, logger)
	}
	return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
}

type route struct {
	primary   string
	fallbacks []string
}

// Router sends each worker's prompts to the backend bound to it, falling
// back along the worker's chain when the primary fails. Unbound workers use
// the default backend.
type Router struct {
	mu       sync.RWMutex
	backends map[string]Backend
	routes   map[string]route
	fallback string
	logger   *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		backends: make(map[string]Backend),
		routes:   make(map[string]route),
		logger:   logger,
	}
}

// Register adds a backend. The first one registered becomes the default.
func (r *Router) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.ID()] = b
	if r.fallback == "" {
		r.fallback = b.ID()
	}
	r.logger.Info("provider registered", zap.String("provider", b.ID()))
}

func (r *Router) SetDefault(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = id
}

// Bind routes workerID to backend id, then to each fallback in order.
func (r *Router) Bind(workerID, id string, fallbacks ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[workerID] = route{primary: id, fallbacks: fallbacks}
}

// Resolve returns the backend a worker's prompts go to first.
func (r *Router) Resolve(workerID string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b := r.primaryLocked(workerID); b != nil {
		return b, nil
	}
	return nil, fmt.Errorf("%w for %s", ErrNoProvider, workerID)
}

// Complete runs p on the worker's primary backend and then on its fallbacks
// until one succeeds. A cancelled context stops the chain.
func (r *Router) Complete(ctx context.Context, workerID string, p *Prompt) (*Completion, error) {
	r.mu.RLock()
	chain := make([]Backend, 0, 1+len(r.routes[workerID].fallbacks))
	if b := r.primaryLocked(workerID); b != nil {
		chain = append(chain, b)
	}
	for _, id := range r.routes[workerID].fallbacks {
		if b, ok := r.backends[id]; ok {
			chain = append(chain, b)
		}
	}
	r.mu.RUnlock()

	if len(chain) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoProvider, workerID)
	}

	var errs []error
	for i, b := range chain {
		c, err := b.Complete(ctx, p)
		if err == nil {
			return c, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.ID(), err))
		if ctx.Err() != nil {
			break
		}
		if i+1 < len(chain) {
			r.logger.Warn("provider failed, trying next",
				zap.String("agent", workerID),
				zap.String("provider", b.ID()),
				zap.Error(err))
		}
	}
	return nil, fmt.Errorf("all providers failed for %s: %w", workerID, errors.Join(errs...))
}

func (r *Router) primaryLocked(workerID string) Backend {
	if rt, ok := r.routes[workerID]; ok {
		if b, ok := r.backends[rt.primary]; ok {
			return b
		}
	}
	return r.backends[r.fallback]
}
