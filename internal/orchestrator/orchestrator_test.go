package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/nidhogg/storyloom/internal/agent"
)

const waitFor = 3 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) Publish(_ context.Context, ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ofType(typ EventType) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ErrorBackoff = 10 * time.Millisecond
	return cfg
}

func startOrchestrator(t *testing.T, cfg Config, workers ...agent.Worker) (*Orchestrator, *recorder) {
	t.Helper()
	rec := &recorder{}
	o := New(cfg, zaptest.NewLogger(t), WithEventPublisher(rec))
	for _, w := range workers {
		require.NoError(t, o.RegisterWorker(context.Background(), w))
	}
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Stop)
	return o, rec
}

func echoWorker(id string, caps ...string) *agent.Func {
	return &agent.Func{WorkerID: id, WorkerType: "echo", Caps: caps}
}

func sleepyWorker(id string, d time.Duration, caps ...string) *agent.Func {
	return &agent.Func{
		WorkerID:   id,
		WorkerType: "sleepy",
		Caps:       caps,
		ExecFn: func(ctx context.Context, task *agent.Task) (*agent.Result, error) {
			select {
			case <-time.After(d):
				return agent.Succeeded(task.Input), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func awaitResult(t *testing.T, o *Orchestrator, id string) *agent.Result {
	t.Helper()
	var res *agent.Result
	require.Eventually(t, func() bool {
		var ok bool
		res, ok = o.GetTaskResult(id)
		return ok
	}, waitFor, 5*time.Millisecond, "no result for %s", id)
	return res
}

func awaitWorkflow(t *testing.T, o *Orchestrator, id string, want WorkflowStatus) *WorkflowReport {
	t.Helper()
	var r *WorkflowReport
	require.Eventually(t, func() bool {
		var ok bool
		r, ok = o.GetWorkflowStatus(id)
		return ok && r.Status == want
	}, waitFor, 5*time.Millisecond, "workflow %s never reached %s", id, want)
	return r
}

func TestSingleTaskSingleWorker(t *testing.T) {
	o, rec := startOrchestrator(t, testConfig(), echoWorker("W1", "echo"))

	id, err := o.SubmitTask(&agent.Task{ID: "t1", TaskType: "echo", Input: map[string]any{"x": 1}, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	res := awaitResult(t, o, "t1")
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, "W1", res.WorkerID)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"x": 1}, res.Payload)

	require.Eventually(t, func() bool { return len(rec.ofType(EventTaskCompleted)) == 1 }, waitFor, 5*time.Millisecond)
	assert.Len(t, rec.ofType(EventWorkerRegistered), 1)

	stats := o.Stats()
	assert.Equal(t, 1, stats.TotalTasksProcessed)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.InFlight)
	assert.True(t, stats.IsRunning)
	assert.Equal(t, map[string]int{"echo": 1}, stats.WorkersByType)
}

func TestCapabilityMissWaitsForCapableWorker(t *testing.T) {
	o, _ := startOrchestrator(t, testConfig(), echoWorker("W1", "echo"))

	_, err := o.SubmitTask(&agent.Task{ID: "t2", TaskType: "upper", Input: map[string]any{"s": "hi"}, Timeout: 5 * time.Second})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	_, ok := o.GetTaskResult("t2")
	assert.False(t, ok)
	assert.Equal(t, 0, o.Stats().InFlight)
	assert.Equal(t, 1, o.QueueLength())

	upper := &agent.Func{
		WorkerID: "W2",
		Caps:     []string{"upper"},
		ExecFn: func(_ context.Context, task *agent.Task) (*agent.Result, error) {
			return agent.Succeeded(strings.ToUpper(task.Input["s"].(string))), nil
		},
	}
	require.NoError(t, o.RegisterWorker(context.Background(), upper))

	res := awaitResult(t, o, "t2")
	assert.Equal(t, "W2", res.WorkerID)
	assert.Equal(t, "HI", res.Payload)
	assert.Equal(t, 0, o.QueueLength())
}

func TestCapabilityMissDoesNotBlockOtherTasks(t *testing.T) {
	o, _ := startOrchestrator(t, testConfig(), echoWorker("W1", "echo"))

	_, err := o.SubmitTask(&agent.Task{ID: "orphan", TaskType: "upper", Timeout: time.Second})
	require.NoError(t, err)
	_, err = o.SubmitTask(&agent.Task{ID: "next", TaskType: "echo", Timeout: time.Second})
	require.NoError(t, err)

	awaitResult(t, o, "next")
	_, ok := o.GetTaskResult("orphan")
	assert.False(t, ok)
	assert.Equal(t, 1, o.QueueLength())
}

func TestTimeoutClassification(t *testing.T) {
	o, _ := startOrchestrator(t, testConfig(), sleepyWorker("W1", 10*time.Second, "echo"))

	_, err := o.SubmitTask(&agent.Task{ID: "t3", TaskType: "echo", Input: map[string]any{}, Timeout: time.Second})
	require.NoError(t, err)

	res := awaitResult(t, o, "t3")
	assert.False(t, res.Success)
	assert.Equal(t, "Task timed out after 1 seconds", res.Error)
	assert.InDelta(t, time.Second, res.Elapsed, float64(200*time.Millisecond))

	st, ok := o.GetAgentStatus("W1")
	require.True(t, ok)
	assert.Equal(t, agent.StateIdle, st.State)
	assert.Equal(t, agent.StateTimeout, st.LastOutcome)

	_, err = o.SubmitTask(&agent.Task{ID: "t3b", TaskType: "echo", Timeout: 0})
	require.NoError(t, err)
	res = awaitResult(t, o, "t3b")
	assert.Equal(t, "Task timed out after 0 seconds", res.Error)
}

func TestTwoStepWorkflowDataFlow(t *testing.T) {
	var (
		mu       sync.Mutex
		s2Input  map[string]any
		executed []string
	)
	gen := &agent.Func{
		WorkerID: "gen",
		Caps:     []string{"gen"},
		ExecFn: func(_ context.Context, task *agent.Task) (*agent.Result, error) {
			mu.Lock()
			executed = append(executed, task.TaskType)
			mu.Unlock()
			return agent.Succeeded(strings.ToUpper(task.Input["prompt"].(string))), nil
		},
	}
	analyze := &agent.Func{
		WorkerID: "analyze",
		Caps:     []string{"analyze"},
		ExecFn: func(_ context.Context, task *agent.Task) (*agent.Result, error) {
			mu.Lock()
			executed = append(executed, task.TaskType)
			s2Input = task.Input
			mu.Unlock()
			return agent.Succeeded(task.Input), nil
		},
	}
	o, rec := startOrchestrator(t, testConfig(), gen, analyze)

	wf, err := NewWorkflow("wf-data", "data flow", []*WorkflowStep{
		NewStep("s1", "gen", map[string]string{"prompt": "seed"}),
		NewStep("s2", "analyze", map[string]string{"text": "s1"}, "s1"),
	}, WithVariables(map[string]any{"seed": "hello"}))
	require.NoError(t, err)

	id, err := o.SubmitWorkflow(wf)
	require.NoError(t, err)
	r, ok := o.GetWorkflowStatus(id)
	require.True(t, ok)
	assert.Contains(t, []WorkflowStatus{WorkflowRunning, WorkflowCompleted}, r.Status)

	r = awaitWorkflow(t, o, id, WorkflowCompleted)
	assert.Equal(t, 2, r.StepsCompleted)
	assert.Equal(t, 2, r.TotalSteps)
	assert.Equal(t, "HELLO", r.Results["s1"])
	assert.Equal(t, map[string]any{"text": "HELLO"}, r.Results["s2"])
	require.NotNil(t, r.StartTime)
	require.NotNil(t, r.EndTime)
	assert.False(t, r.EndTime.Before(*r.StartTime))

	mu.Lock()
	assert.Equal(t, map[string]any{"text": "HELLO"}, s2Input)
	assert.Equal(t, []string{"gen", "analyze"}, executed)
	mu.Unlock()

	s1, s2 := wf.Steps["s1"], wf.Steps["s2"]
	assert.True(t, s1.CompletedAt.Before(s2.EnqueuedAt) || s1.CompletedAt.Equal(s2.EnqueuedAt))
	assert.True(t, strings.HasPrefix(s2.TaskID, "wf-data_s2_"))

	res, ok := o.GetTaskResult(s2.TaskID)
	require.True(t, ok)
	assert.Equal(t, "analyze", res.WorkerID)

	finished := rec.ofType(EventWorkflowFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, WorkflowCompleted, finished[0].Workflow.Status)
	assert.Equal(t, 1, o.Stats().CompletedWorkflows)
}

func TestSingleStepIdentityWorkflow(t *testing.T) {
	o, _ := startOrchestrator(t, testConfig(), echoWorker("W1", "echo"))

	wf, err := NewWorkflow("", "identity", []*WorkflowStep{
		NewStep("only", "echo", map[string]string{"a": "x", "b": "missing"}),
	}, WithVariables(map[string]any{"x": 42}))
	require.NoError(t, err)
	id, err := o.SubmitWorkflow(wf)
	require.NoError(t, err)

	r := awaitWorkflow(t, o, id, WorkflowCompleted)
	assert.Equal(t, map[string]any{"a": 42}, r.Results["only"])
}

func TestCyclicWorkflowNeverRegistered(t *testing.T) {
	o, _ := startOrchestrator(t, testConfig(), echoWorker("W1", "echo"))

	wf, err := NewWorkflow("cyclic", "cycle", []*WorkflowStep{
		NewStep("a", "echo", nil, "b"),
		NewStep("b", "echo", nil, "a"),
	})
	require.ErrorIs(t, err, ErrCyclicDependency)
	assert.Nil(t, wf)

	_, err = o.SubmitWorkflow(wf)
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
	_, ok := o.GetWorkflowStatus("cyclic")
	assert.False(t, ok)
	assert.Empty(t, o.ListWorkflows())
}

func TestConcurrencyCap(t *testing.T) {
	var running, peak atomic.Int32
	worker := func(id string) *agent.Func {
		return &agent.Func{
			WorkerID: id,
			Caps:     []string{"slow"},
			ExecFn: func(context.Context, *agent.Task) (*agent.Result, error) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(300 * time.Millisecond)
				running.Add(-1)
				return agent.Succeeded(nil), nil
			},
		}
	}

	cfg := testConfig()
	cfg.MaxConcurrent = 2
	o, _ := startOrchestrator(t, cfg, worker("A"), worker("B"), worker("C"))

	start := time.Now()
	for i := range 3 {
		_, err := o.SubmitTask(&agent.Task{ID: fmt.Sprintf("c%d", i), TaskType: "slow", Timeout: 5 * time.Second})
		require.NoError(t, err)
	}

	done := make(chan struct{})
	var observedMax int
	go func() {
		defer close(done)
		for time.Since(start) < 900*time.Millisecond {
			if n := o.Stats().InFlight; n > observedMax {
				observedMax = n
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	for i := range 3 {
		awaitResult(t, o, fmt.Sprintf("c%d", i))
	}
	elapsed := time.Since(start)
	<-done

	assert.LessOrEqual(t, observedMax, 2)
	assert.Equal(t, int32(2), peak.Load())
	assert.GreaterOrEqual(t, elapsed, 600*time.Millisecond)
}

func TestExactlyOnceResultsAndCapabilitySafety(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)
	violations := 0
	worker := func(id string, caps ...string) *agent.Func {
		return &agent.Func{
			WorkerID: id,
			Caps:     caps,
			ExecFn: func(_ context.Context, task *agent.Task) (*agent.Result, error) {
				mu.Lock()
				seen[task.ID]++
				if !contains(caps, task.TaskType) {
					violations++
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				return agent.Succeeded(task.ID), nil
			},
		}
	}

	cfg := testConfig()
	cfg.MaxConcurrent = 3
	o, _ := startOrchestrator(t, cfg,
		worker("a1", "alpha"),
		worker("a2", "alpha", "beta"),
		worker("b1", "beta"),
		worker("g1", "gamma"),
	)

	types := []string{"alpha", "beta", "gamma"}
	const total = 60
	for i := range total {
		_, err := o.SubmitTask(&agent.Task{
			ID:       fmt.Sprintf("p%02d", i),
			TaskType: types[i%len(types)],
			Timeout:  time.Second,
		})
		require.NoError(t, err)
	}
	for i := range total {
		res := awaitResult(t, o, fmt.Sprintf("p%02d", i))
		assert.True(t, res.Success)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s executed %d times", id, n)
	}
	assert.Zero(t, violations)

	stats := o.Stats()
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, total, stats.TotalTasksProcessed)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestFailedStepContinuesByDefault(t *testing.T) {
	failing := &agent.Func{
		WorkerID: "gen",
		Caps:     []string{"gen"},
		ExecFn: func(context.Context, *agent.Task) (*agent.Result, error) {
			return nil, errors.New("model offline")
		},
	}
	o, _ := startOrchestrator(t, testConfig(), failing, echoWorker("an", "analyze"))

	wf, err := NewWorkflow("wf-continue", "continue", []*WorkflowStep{
		NewStep("s1", "gen", nil),
		NewStep("s2", "analyze", map[string]string{"text": "s1"}, "s1"),
	})
	require.NoError(t, err)
	_, err = o.SubmitWorkflow(wf)
	require.NoError(t, err)

	r := awaitWorkflow(t, o, "wf-continue", WorkflowCompleted)
	require.Len(t, r.Steps, 2)
	require.NotNil(t, r.Steps[0].Success)
	assert.False(t, *r.Steps[0].Success)
	assert.Equal(t, "model offline", r.Steps[0].Error)
	require.NotNil(t, r.Steps[1].Success)
	assert.True(t, *r.Steps[1].Success)
	assert.Contains(t, r.Results, "s1")
	assert.Nil(t, r.Results["s1"])
}

func TestFailedStepAbortsWithAbortPolicy(t *testing.T) {
	failing := &agent.Func{
		WorkerID: "gen",
		Caps:     []string{"gen"},
		ExecFn: func(context.Context, *agent.Task) (*agent.Result, error) {
			return agent.Failed("No text provided"), nil
		},
	}
	var ran atomic.Bool
	dependent := &agent.Func{
		WorkerID: "an",
		Caps:     []string{"analyze"},
		ExecFn: func(context.Context, *agent.Task) (*agent.Result, error) {
			ran.Store(true)
			return agent.Succeeded(nil), nil
		},
	}
	o, _ := startOrchestrator(t, testConfig(), failing, dependent)

	wf, err := NewWorkflow("wf-abort", "abort", []*WorkflowStep{
		NewStep("s1", "gen", nil),
		NewStep("s2", "analyze", nil, "s1"),
	}, WithFailurePolicy(FailAbort))
	require.NoError(t, err)
	_, err = o.SubmitWorkflow(wf)
	require.NoError(t, err)

	r := awaitWorkflow(t, o, "wf-abort", WorkflowFailed)
	assert.Equal(t, "step s1 failed: No text provided", r.Error)
	assert.Equal(t, 1, r.StepsCompleted)
	assert.False(t, ran.Load())
	assert.Equal(t, 1, o.Stats().FailedWorkflows)
}

func TestAdvancementPanicFailsOnlyThatWorkflow(t *testing.T) {
	o, _ := startOrchestrator(t, testConfig(), echoWorker("W1", "echo"))

	broken, err := NewWorkflow("broken", "broken", []*WorkflowStep{NewStep("a", "echo", nil)})
	require.NoError(t, err)
	broken.Steps["a"].Dependencies = []string{"vanished"}

	healthy, err := NewWorkflow("healthy", "healthy", []*WorkflowStep{NewStep("a", "echo", nil)})
	require.NoError(t, err)

	_, err = o.SubmitWorkflow(broken)
	require.NoError(t, err)
	_, err = o.SubmitWorkflow(healthy)
	require.NoError(t, err)

	r := awaitWorkflow(t, o, "broken", WorkflowFailed)
	assert.Contains(t, r.Error, "panic")
	awaitWorkflow(t, o, "healthy", WorkflowCompleted)
}

func TestCancelWorkflow(t *testing.T) {
	o, rec := startOrchestrator(t, testConfig(), echoWorker("W1", "echo"))

	wf, err := NewWorkflow("wf-cancel", "cancel", []*WorkflowStep{
		NewStep("stuck", "nobody_can_do_this", nil),
		NewStep("after", "echo", nil, "stuck"),
	})
	require.NoError(t, err)
	_, err = o.SubmitWorkflow(wf)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return o.QueueLength() == 1 }, waitFor, 5*time.Millisecond)
	require.NoError(t, o.CancelWorkflow("wf-cancel"))

	assert.Equal(t, 0, o.QueueLength())
	r, ok := o.GetWorkflowStatus("wf-cancel")
	require.True(t, ok)
	assert.Equal(t, WorkflowCancelled, r.Status)
	assert.NotNil(t, r.EndTime)
	assert.Equal(t, 1, o.Stats().CancelledWorkflows)
	assert.Len(t, rec.ofType(EventWorkflowFinished), 1)

	assert.ErrorIs(t, o.CancelWorkflow("wf-cancel"), ErrWorkflowFinished)
	assert.ErrorIs(t, o.CancelWorkflow("nope"), ErrWorkflowNotFound)
}

func TestCancelledWorkflowIgnoresLateResults(t *testing.T) {
	release := make(chan struct{})
	slow := &agent.Func{
		WorkerID: "slow",
		Caps:     []string{"slow"},
		ExecFn: func(context.Context, *agent.Task) (*agent.Result, error) {
			<-release
			return agent.Succeeded("late"), nil
		},
	}
	o, _ := startOrchestrator(t, testConfig(), slow)

	wf, err := NewWorkflow("wf-late", "late", []*WorkflowStep{NewStep("s", "slow", nil)})
	require.NoError(t, err)
	_, err = o.SubmitWorkflow(wf)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return o.Stats().InFlight == 1 }, waitFor, 5*time.Millisecond)
	require.NoError(t, o.CancelWorkflow("wf-late"))
	close(release)

	taskID := wf.Report().Steps[0].TaskID
	res := awaitResult(t, o, taskID)
	assert.Equal(t, "late", res.Payload)

	r, ok := o.GetWorkflowStatus("wf-late")
	require.True(t, ok)
	assert.Equal(t, WorkflowCancelled, r.Status)
	assert.Equal(t, 0, r.StepsCompleted)
	assert.NotContains(t, r.Results, "s")
}

func TestSubmitTaskValidation(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 2
	o := New(cfg, zap.NewNop())

	_, err := o.SubmitTask(nil)
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = o.SubmitTask(&agent.Task{TaskType: "echo"})
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = o.SubmitTask(&agent.Task{ID: "x"})
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = o.SubmitTask(&agent.Task{ID: "x", TaskType: "echo", Timeout: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = o.SubmitTask(&agent.Task{ID: "x", TaskType: "echo", Dependencies: []string{"ghost"}})
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, err = o.SubmitTask(&agent.Task{ID: "q1", TaskType: "echo"})
	require.NoError(t, err)
	_, err = o.SubmitTask(&agent.Task{ID: "q1", TaskType: "echo"})
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = o.SubmitTask(&agent.Task{ID: "q2", TaskType: "echo"})
	require.NoError(t, err)
	_, err = o.SubmitTask(&agent.Task{ID: "q3", TaskType: "echo"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, o.QueueLength())
}

func TestSubmittedTaskIsCopied(t *testing.T) {
	o := New(testConfig(), zap.NewNop())
	task := &agent.Task{ID: "c", TaskType: "echo", Input: map[string]any{"k": "v"}}
	_, err := o.SubmitTask(task)
	require.NoError(t, err)

	task.Input["k"] = "changed"
	task.TaskType = "other"

	o.mu.Lock()
	defer o.mu.Unlock()
	queued, ok := o.queue.Pop()
	require.True(t, ok)
	assert.Equal(t, "echo", queued.TaskType)
	assert.Equal(t, "v", queued.Input["k"])
}

func TestSubmitWorkflowTwice(t *testing.T) {
	o := New(testConfig(), zap.NewNop())
	wf, err := NewWorkflow("dup", "dup", []*WorkflowStep{NewStep("a", "echo", nil)})
	require.NoError(t, err)

	_, err = o.SubmitWorkflow(wf)
	require.NoError(t, err)
	_, err = o.SubmitWorkflow(wf)
	assert.ErrorIs(t, err, ErrWorkflowExists)
	assert.Len(t, o.ListWorkflows(), 1)
}

func TestPriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	w := &agent.Func{
		WorkerID: "solo",
		Caps:     []string{"job"},
		ExecFn: func(_ context.Context, task *agent.Task) (*agent.Result, error) {
			mu.Lock()
			order = append(order, task.ID)
			mu.Unlock()
			return agent.Succeeded(nil), nil
		},
	}

	cfg := testConfig()
	cfg.Ordering = OrderPriority
	o := New(cfg, zap.NewNop())
	require.NoError(t, o.RegisterWorker(context.Background(), w))
	for _, tc := range []struct {
		id       string
		priority int
	}{{"low", 1}, {"high", 9}, {"mid", 5}} {
		_, err := o.SubmitTask(&agent.Task{ID: tc.id, TaskType: "job", Priority: tc.priority, Timeout: time.Second})
		require.NoError(t, err)
	}
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Stop)

	awaitResult(t, o, "low")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestRegisterWorker(t *testing.T) {
	o := New(testConfig(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, o.RegisterWorker(ctx, echoWorker("W1", "echo")))
	assert.ErrorIs(t, o.RegisterWorker(ctx, echoWorker("W1", "echo")), ErrWorkerExists)
	assert.ErrorIs(t, o.RegisterWorker(ctx, echoWorker("")), ErrInvalidWorker)

	broken := &agent.Func{
		WorkerID: "broken",
		InitFn:   func(context.Context) error { return errors.New("no api key") },
	}
	err := o.RegisterWorker(ctx, broken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no api key")
	_, ok := o.GetAgentStatus("broken")
	assert.False(t, ok)
	assert.Equal(t, 1, o.Stats().TotalWorkers)
}

func TestUnregisterWorker(t *testing.T) {
	release := make(chan struct{})
	busy := &agent.Func{
		WorkerID: "busy",
		Caps:     []string{"hold"},
		ExecFn: func(context.Context, *agent.Task) (*agent.Result, error) {
			<-release
			return agent.Succeeded(nil), nil
		},
	}
	o, _ := startOrchestrator(t, testConfig(), busy, echoWorker("idle", "echo"))

	_, err := o.SubmitTask(&agent.Task{ID: "h", TaskType: "hold", Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return o.Stats().InFlight == 1 }, waitFor, 5*time.Millisecond)

	assert.ErrorIs(t, o.UnregisterWorker("busy"), ErrWorkerBusy)
	assert.ErrorIs(t, o.UnregisterWorker("ghost"), ErrWorkerNotFound)
	require.NoError(t, o.UnregisterWorker("idle"))
	_, ok := o.GetAgentStatus("idle")
	assert.False(t, ok)

	close(release)
	awaitResult(t, o, "h")
	require.Eventually(t, func() bool { return o.UnregisterWorker("busy") == nil }, waitFor, 5*time.Millisecond)
	assert.Empty(t, o.AgentStatuses())
}

func TestLivenessResponsiveWorkerNotReported(t *testing.T) {
	cfg := testConfig()
	cfg.StaleAfter = 30 * time.Millisecond
	o, rec := startOrchestrator(t, cfg, echoWorker("W1", "echo"))

	// Long enough for many ping rounds.
	time.Sleep(20 * cfg.StaleAfter)

	assert.Empty(t, rec.ofType(EventWorkerUnresponsive))
	st, ok := o.GetAgentStatus("W1")
	require.True(t, ok)
	assert.False(t, st.Unresponsive)
	assert.Equal(t, agent.StateIdle, st.State)
}

func TestLivenessSilentWorkerReportedOnce(t *testing.T) {
	cfg := testConfig()
	cfg.StaleAfter = 30 * time.Millisecond
	o, rec := startOrchestrator(t, cfg, echoWorker("W1", "echo"), echoWorker("W2", "echo"))

	o.mu.RLock()
	silent := o.workers["W2"]
	o.mu.RUnlock()
	silent.Stop()

	require.Eventually(t, func() bool {
		return len(rec.ofType(EventWorkerUnresponsive)) > 0
	}, waitFor, 5*time.Millisecond)
	st, _ := o.GetAgentStatus("W2")
	assert.True(t, st.Unresponsive)

	time.Sleep(10 * cfg.StaleAfter)
	events := rec.ofType(EventWorkerUnresponsive)
	require.Len(t, events, 1)
	assert.Equal(t, "W2", events[0].WorkerID)

	st, _ = o.GetAgentStatus("W1")
	assert.False(t, st.Unresponsive)
}

func TestStopAwaitsInFlightTasks(t *testing.T) {
	o := New(testConfig(), zap.NewNop())
	require.NoError(t, o.RegisterWorker(context.Background(), sleepyWorker("W1", 150*time.Millisecond, "echo")))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, o.Start(ctx))
	assert.Error(t, o.Start(ctx))

	_, err := o.SubmitTask(&agent.Task{ID: "s", TaskType: "echo", Timeout: time.Second})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return o.Stats().InFlight == 1 }, waitFor, 5*time.Millisecond)

	cancel()
	o.Stop()

	res, ok := o.GetTaskResult("s")
	require.True(t, ok)
	assert.True(t, res.Success)
	assert.False(t, o.Stats().IsRunning)
	o.Stop()
}

func TestAverageTaskTime(t *testing.T) {
	o, _ := startOrchestrator(t, testConfig(), sleepyWorker("W1", 20*time.Millisecond, "echo"))
	for i := range 3 {
		id := fmt.Sprintf("avg%d", i)
		_, err := o.SubmitTask(&agent.Task{ID: id, TaskType: "echo", Timeout: time.Second})
		require.NoError(t, err)
		awaitResult(t, o, id)
	}
	stats := o.Stats()
	assert.Equal(t, 3, stats.TotalTasksProcessed)
	assert.GreaterOrEqual(t, stats.AverageTaskTime, 20*time.Millisecond)
	assert.Less(t, stats.AverageTaskTime, time.Second)
}
