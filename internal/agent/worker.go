package agent

import (
	"context"
	"slices"
)

// Worker is the contract every agent implementation fulfils. The runtime
// wraps it with state, timeouts and a message loop.
type Worker interface {
	ID() string
	Type() string
	Capabilities() []string
	Initialize(ctx context.Context) error
	Execute(ctx context.Context, task *Task) (*Result, error)
}

// Func is a Worker assembled from plain values. It is the easiest way to
// register ad-hoc workers and is what tests use.
type Func struct {
	WorkerID   string
	WorkerType string
	Caps       []string
	InitFn     func(ctx context.Context) error
	ExecFn     func(ctx context.Context, task *Task) (*Result, error)
}

func (f *Func) ID() string             { return f.WorkerID }
func (f *Func) Type() string           { return f.WorkerType }
func (f *Func) Capabilities() []string { return slices.Clone(f.Caps) }

// Initialize runs InitFn if set.
func (f *Func) Initialize(ctx context.Context) error {
	if f.InitFn == nil {
		return nil
	}
	return f.InitFn(ctx)
}

// Execute runs ExecFn. A Func without ExecFn echoes its input.
func (f *Func) Execute(ctx context.Context, task *Task) (*Result, error) {
	if f.ExecFn == nil {
		return Succeeded(task.Input), nil
	}
	return f.ExecFn(ctx, task)
}
