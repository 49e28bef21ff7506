package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/storyloom/internal/agent"
	"go.uber.org/zap"
)

// Orchestrator owns the worker registry, the task queue, the in-flight and
// result maps and the active workflows, and drives the scheduling loop.
// All of that state is guarded by mu; worker execution happens on separate
// goroutines that report back through complete.
type Orchestrator struct {
	cfg    Config
	events EventPublisher
	logger *zap.Logger

	mu            sync.RWMutex
	workers       map[string]*agent.Runtime
	order         []string
	queue         *TaskQueue
	inFlight      map[string]*flight
	assigned      map[string]string
	results       map[string]*agent.Result
	active        map[string]*Workflow
	activeOrder   []string
	finished      map[string]*Workflow
	finishedOrder []string
	pendingPings  map[string]*probe
	outbox        []*Event

	totalProcessed     int
	averageTaskTime    time.Duration
	failedWorkflows    int
	cancelledWorkflows int

	running  bool
	runCtx   context.Context
	execCtx  context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	execWG   sync.WaitGroup

	replies chan agent.Message
	wake    chan struct{}
}

type flight struct {
	task      *agent.Task
	workerID  string
	startedAt time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEventPublisher sets where lifecycle events go.
func WithEventPublisher(p EventPublisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// New creates a stopped orchestrator. Zero-valued config fields take their
// DefaultConfig values.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:          cfg,
		logger:       logger,
		workers:      make(map[string]*agent.Runtime),
		queue:        NewTaskQueue(cfg.Ordering),
		inFlight:     make(map[string]*flight),
		assigned:     make(map[string]string),
		results:      make(map[string]*agent.Result),
		active:       make(map[string]*Workflow),
		finished:     make(map[string]*Workflow),
		pendingPings: make(map[string]*probe),
		replies:      make(chan agent.Message, 64),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterWorker initializes w and adds it to the registry. It may be called
// before or after Start. An initialization failure is logged and returned;
// the worker is not registered.
func (o *Orchestrator) RegisterWorker(ctx context.Context, w agent.Worker) error {
	if w == nil || w.ID() == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidWorker)
	}
	id := w.ID()

	o.mu.RLock()
	_, exists := o.workers[id]
	o.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrWorkerExists, id)
	}

	if err := w.Initialize(ctx); err != nil {
		o.logger.Error("agent initialization failed",
			zap.String("agent", id),
			zap.Error(err))
		return fmt.Errorf("initialize agent %s: %w", id, err)
	}

	rt := agent.NewRuntime(w, o.cfg.InboxSize, o.logger)

	o.mu.Lock()
	if _, exists := o.workers[id]; exists {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerExists, id)
	}
	o.workers[id] = rt
	o.order = append(o.order, id)
	if o.running {
		rt.Start(o.runCtx, o.replies)
	}
	ev := newEvent(EventWorkerRegistered)
	ev.WorkerID = id
	o.outbox = append(o.outbox, ev)
	events := o.takeOutbox()
	o.mu.Unlock()

	o.logger.Info("agent registered",
		zap.String("agent", id),
		zap.String("type", w.Type()),
		zap.Strings("capabilities", rt.Capabilities()))
	o.publish(events)
	o.signal()
	return nil
}

// UnregisterWorker removes an idle worker and stops its message loop.
func (o *Orchestrator) UnregisterWorker(id string) error {
	o.mu.Lock()
	rt, ok := o.workers[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	if _, bound := o.assigned[id]; bound || rt.State() != agent.StateIdle {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerBusy, id)
	}
	delete(o.workers, id)
	delete(o.pendingPings, id)
	for i, wid := range o.order {
		if wid == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	o.mu.Unlock()

	rt.Stop()
	o.logger.Info("agent unregistered", zap.String("agent", id))
	return nil
}

// Start launches every registered worker's message loop and the scheduling
// loop. Tasks already running when Stop is called are awaited until their
// own deadline, so their context does not inherit ctx's cancellation.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("orchestrator already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.runCtx = runCtx
	o.execCtx = context.WithoutCancel(ctx)
	o.cancel = cancel
	o.loopDone = done
	o.running = true
	for _, id := range o.order {
		o.workers[id].Start(runCtx, o.replies)
	}
	workers := len(o.order)
	o.mu.Unlock()

	go o.loop(runCtx, done)
	o.logger.Info("orchestrator started",
		zap.Int("agents", workers),
		zap.Int("max_concurrent", o.cfg.MaxConcurrent))
	return nil
}

// Stop ends the scheduling loop, waits for in-flight executions and stops
// every worker, draining their inboxes. Queued tasks stay queued.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel, done := o.cancel, o.loopDone
	o.mu.Unlock()

	cancel()
	<-done
	o.execWG.Wait()

	o.mu.RLock()
	runtimes := make([]*agent.Runtime, 0, len(o.order))
	for _, id := range o.order {
		runtimes = append(runtimes, o.workers[id])
	}
	o.mu.RUnlock()
	for _, rt := range runtimes {
		rt.Stop()
	}
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-o.replies:
			o.handleReply(msg)
			continue
		case <-o.wake:
		case <-ticker.C:
		}

		if err := o.cycle(); err != nil {
			o.logger.Error("dispatch cycle failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.cfg.ErrorBackoff):
			}
		}
	}
}

// cycle runs one dispatch cycle. Each phase is isolated so a panic in one
// does not stop the others.
func (o *Orchestrator) cycle() error {
	return errors.Join(
		isolate("dispatch", o.dispatch),
		isolate("advance", o.advance),
		isolate("liveness", o.checkLiveness),
	)
}

func isolate(phase string, fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s phase panicked: %v", phase, p)
		}
	}()
	fn()
	return nil
}

// signal wakes the loop without blocking.
func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// takeOutbox must be called with mu held.
func (o *Orchestrator) takeOutbox() []*Event {
	events := o.outbox
	o.outbox = nil
	return events
}

func (o *Orchestrator) publish(events []*Event) {
	if o.events == nil {
		return
	}
	for _, ev := range events {
		if err := o.events.Publish(context.Background(), ev); err != nil {
			o.logger.Warn("event publish failed",
				zap.String("type", string(ev.Type)),
				zap.Error(err))
			continue
		}
		o.logger.Debug("event published", zap.String("type", string(ev.Type)))
	}
}
