package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MsgAgentBusy is the Result error for a task handed to a worker that is
// not idle. It is a protocol error, never retried.
const MsgAgentBusy = "Agent is busy"

// DefaultInboxSize bounds a worker's message queue.
const DefaultInboxSize = 64

var (
	// ErrAgentBusy mirrors MsgAgentBusy for callers that work with errors.
	ErrAgentBusy = errors.New(MsgAgentBusy)
	// ErrInboxFull is returned by SendMessage when the inbox is saturated.
	ErrInboxFull = errors.New("agent inbox full")
)

// Runtime wraps a Worker with the execution contract: one task at a time,
// a hard deadline per task, failure classification and a message loop for
// liveness probes.
type Runtime struct {
	worker Worker
	caps   map[string]struct{}
	inbox  chan Message

	mu          sync.RWMutex
	state       State
	lastOutcome State
	current     *Task
	createdAt   time.Time
	lastActive  time.Time
	processed   int
	replies     chan<- Message
	cancel      context.CancelFunc
	done        chan struct{}

	logger *zap.Logger
}

// NewRuntime wraps w. inboxSize <= 0 selects DefaultInboxSize.
func NewRuntime(w Worker, inboxSize int, logger *zap.Logger) *Runtime {
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}
	caps := make(map[string]struct{})
	for _, c := range w.Capabilities() {
		caps[c] = struct{}{}
	}
	now := time.Now()
	return &Runtime{
		worker:     w,
		caps:       caps,
		inbox:      make(chan Message, inboxSize),
		state:      StateIdle,
		createdAt:  now,
		lastActive: now,
		logger:     logger.With(zap.String("agent", w.ID())),
	}
}

func (r *Runtime) ID() string   { return r.worker.ID() }
func (r *Runtime) Type() string { return r.worker.Type() }

// Capabilities returns the declared capability set, sorted.
func (r *Runtime) Capabilities() []string {
	out := make([]string, 0, len(r.caps))
	for c := range r.caps {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// CanHandle reports whether the task's type is one of the worker's capabilities.
func (r *Runtime) CanHandle(task *Task) bool {
	_, ok := r.caps[task.TaskType]
	return ok
}

// State returns the current execution state.
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// LastActive returns the time of the last state transition or message receipt.
func (r *Runtime) LastActive() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActive
}

// Initialize delegates to the wrapped worker.
func (r *Runtime) Initialize(ctx context.Context) error {
	return r.worker.Initialize(ctx)
}

// Start launches the message loop. Pongs are written to replies without
// blocking; a full replies channel drops the pong.
func (r *Runtime) Start(ctx context.Context, replies chan<- Message) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.mu.Lock()
	r.replies = replies
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go r.messageLoop(ctx, done)
	r.logger.Info("agent started",
		zap.String("type", r.Type()),
		zap.Strings("capabilities", r.Capabilities()))
}

// Stop ends the message loop and discards any queued messages.
func (r *Runtime) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for {
		select {
		case <-r.inbox:
		default:
			r.logger.Info("agent stopped")
			return
		}
	}
}

// SendMessage enqueues msg on the worker's inbox. It never blocks.
func (r *Runtime) SendMessage(msg Message) error {
	select {
	case r.inbox <- msg:
	default:
		return ErrInboxFull
	}
	r.mu.Lock()
	r.lastActive = time.Now()
	r.mu.Unlock()
	return nil
}

// Process runs task on the worker. The returned Result is always non-nil.
func (r *Runtime) Process(ctx context.Context, task *Task) *Result {
	if !r.begin(task) {
		return &Result{
			TaskID:   task.ID,
			WorkerID: r.ID(),
			Success:  false,
			Error:    ErrAgentBusy.Error(),
		}
	}

	start := time.Now()
	result, outcome := r.run(ctx, task)
	result.TaskID = task.ID
	result.WorkerID = r.ID()
	result.Elapsed = time.Since(start)
	r.finish(outcome)

	switch outcome {
	case StateCompleted:
		r.logger.Info("task completed",
			zap.String("task", task.ID),
			zap.Duration("elapsed", result.Elapsed))
	case StateTimeout:
		r.logger.Warn("task timed out",
			zap.String("task", task.ID),
			zap.Duration("timeout", task.Timeout))
	default:
		r.logger.Warn("task failed",
			zap.String("task", task.ID),
			zap.String("error", result.Error))
	}
	return result
}

// Status returns a snapshot. It only takes the read lock, so it never waits
// on a running task.
func (r *Runtime) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Status{
		ID:             r.ID(),
		Type:           r.Type(),
		State:          r.state,
		LastOutcome:    r.lastOutcome,
		Capabilities:   r.Capabilities(),
		CreatedAt:      r.createdAt,
		LastActive:     r.lastActive,
		Uptime:         time.Since(r.createdAt),
		TasksProcessed: r.processed,
	}
	if r.current != nil {
		s.CurrentTask = r.current.ID
	}
	return s
}

func (r *Runtime) begin(task *Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateIdle {
		return false
	}
	r.state = StateWorking
	r.current = task
	r.lastActive = time.Now()
	return true
}

func (r *Runtime) finish(outcome State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastOutcome = outcome
	r.current = nil
	r.processed++
	r.state = StateIdle
	r.lastActive = time.Now()
}

type execOutcome struct {
	result *Result
	err    error
}

// run executes the worker under the task deadline and classifies the outcome.
func (r *Runtime) run(ctx context.Context, task *Task) (*Result, State) {
	if task.Timeout <= 0 {
		return timeoutResult(task), StateTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	ch := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- execOutcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		res, err := r.worker.Execute(ctx, task)
		ch <- execOutcome{result: res, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return timeoutResult(task), StateTimeout
			}
			return &Result{Success: false, Error: o.err.Error()}, StateFailed
		}
		return normalize(o.result)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timeoutResult(task), StateTimeout
		}
		return &Result{Success: false, Error: ctx.Err().Error()}, StateFailed
	}
}

// normalize enforces the Result invariants on whatever the worker returned.
func normalize(res *Result) (*Result, State) {
	if res == nil {
		return &Result{Success: false, Error: "worker returned no result"}, StateFailed
	}
	out := *res
	if !out.Success {
		if out.Error == "" {
			out.Error = "task failed"
		}
		return &out, StateFailed
	}
	out.Error = ""
	if out.Payload == nil {
		out.Payload = map[string]any{}
	}
	return &out, StateCompleted
}

func timeoutResult(task *Task) *Result {
	return &Result{
		Success: false,
		Error:   TimeoutMessage(task.Timeout),
	}
}

// TimeoutMessage renders the canonical timeout error for a deadline.
func TimeoutMessage(timeout time.Duration) string {
	secs := strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64)
	return fmt.Sprintf("Task timed out after %s seconds", secs)
}

func (r *Runtime) messageLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.inbox:
			r.handleMessage(msg)
		}
	}
}

func (r *Runtime) handleMessage(msg Message) {
	r.logger.Debug("received message",
		zap.String("type", string(msg.Type)),
		zap.String("from", msg.From))

	switch msg.Type {
	case MessagePing:
		r.mu.RLock()
		replies := r.replies
		state := r.state
		r.mu.RUnlock()
		if replies == nil {
			return
		}
		pong := NewMessage(r.ID(), msg.From, MessagePong, map[string]any{"status": string(state)})
		select {
		case replies <- pong:
		default:
			r.logger.Warn("pong dropped, reply channel full")
		}
	default:
		r.logger.Warn("discarding unrecognized message", zap.String("type", string(msg.Type)))
	}
}
