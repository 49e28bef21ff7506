package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newEcho(id string, caps ...string) *Func {
	return &Func{WorkerID: id, WorkerType: "echo", Caps: caps}
}

func TestCanHandle(t *testing.T) {
	rt := NewRuntime(newEcho("w1", "echo", "upper"), 0, zap.NewNop())

	if !rt.CanHandle(&Task{TaskType: "echo"}) {
		t.Error("expected echo to be handled")
	}
	if rt.CanHandle(&Task{TaskType: "analyze"}) {
		t.Error("analyze must not be handled")
	}

	empty := NewRuntime(newEcho("w2"), 0, zap.NewNop())
	if empty.CanHandle(&Task{TaskType: "echo"}) {
		t.Error("worker without capabilities accepted a task")
	}
}

func TestProcessSuccess(t *testing.T) {
	rt := NewRuntime(newEcho("w1", "echo"), 0, zap.NewNop())
	task := &Task{ID: "t1", TaskType: "echo", Input: map[string]any{"x": 1}, Timeout: time.Second}

	res := rt.Process(context.Background(), task)
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.TaskID != "t1" || res.WorkerID != "w1" {
		t.Errorf("unexpected ids: task=%q worker=%q", res.TaskID, res.WorkerID)
	}
	payload, ok := res.Payload.(map[string]any)
	if !ok || payload["x"] != 1 {
		t.Errorf("expected echoed input, got %#v", res.Payload)
	}

	st := rt.Status()
	if st.State != StateIdle || st.CurrentTask != "" {
		t.Errorf("expected idle without task, got %s/%q", st.State, st.CurrentTask)
	}
	if st.LastOutcome != StateCompleted {
		t.Errorf("expected last outcome completed, got %s", st.LastOutcome)
	}
	if st.TasksProcessed != 1 {
		t.Errorf("expected 1 processed, got %d", st.TasksProcessed)
	}
}

func TestProcessSuccessWithoutPayload(t *testing.T) {
	rt := NewRuntime(&Func{
		WorkerID: "w",
		Caps:     []string{"x"},
		ExecFn: func(context.Context, *Task) (*Result, error) {
			return Succeeded(nil), nil
		},
	}, 0, zap.NewNop())

	res := rt.Process(context.Background(), &Task{ID: "t", TaskType: "x", Timeout: time.Second})
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	payload, ok := res.Payload.(map[string]any)
	if !ok || payload == nil || len(payload) != 0 {
		t.Errorf("expected empty payload, got %#v", res.Payload)
	}
}

func TestProcessTimeout(t *testing.T) {
	w := &Func{
		WorkerID: "w1",
		Caps:     []string{"echo"},
		ExecFn: func(ctx context.Context, _ *Task) (*Result, error) {
			select {
			case <-time.After(10 * time.Second):
				return Succeeded("late"), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	rt := NewRuntime(w, 0, zap.NewNop())
	task := &Task{ID: "t3", TaskType: "echo", Timeout: 100 * time.Millisecond}

	res := rt.Process(context.Background(), task)
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if res.Error != "Task timed out after 0.1 seconds" {
		t.Errorf("unexpected error %q", res.Error)
	}
	if res.Elapsed < 100*time.Millisecond || res.Elapsed > time.Second {
		t.Errorf("elapsed %v outside timeout bound", res.Elapsed)
	}
	if rt.State() != StateIdle {
		t.Errorf("expected idle after timeout, got %s", rt.State())
	}
	if rt.Status().LastOutcome != StateTimeout {
		t.Errorf("expected last outcome timeout, got %s", rt.Status().LastOutcome)
	}
}

func TestProcessTimeoutIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	w := &Func{
		WorkerID: "w1",
		Caps:     []string{"echo"},
		ExecFn: func(context.Context, *Task) (*Result, error) {
			<-release
			return Succeeded(nil), nil
		},
	}
	rt := NewRuntime(w, 0, zap.NewNop())

	res := rt.Process(context.Background(), &Task{ID: "t", TaskType: "echo", Timeout: 50 * time.Millisecond})
	if res.Success || !strings.HasPrefix(res.Error, "Task timed out after") {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if rt.State() != StateIdle {
		t.Errorf("worker stuck in %s", rt.State())
	}
}

func TestZeroTimeout(t *testing.T) {
	called := false
	w := &Func{
		WorkerID: "w1",
		Caps:     []string{"echo"},
		ExecFn: func(context.Context, *Task) (*Result, error) {
			called = true
			return Succeeded(nil), nil
		},
	}
	rt := NewRuntime(w, 0, zap.NewNop())

	res := rt.Process(context.Background(), &Task{ID: "t0", TaskType: "echo"})
	if res.Success || res.Error != "Task timed out after 0 seconds" {
		t.Fatalf("expected immediate timeout, got %+v", res)
	}
	if called {
		t.Error("worker must not run with a zero timeout")
	}
}

func TestProcessFailureClassification(t *testing.T) {
	tests := []struct {
		name    string
		exec    func(context.Context, *Task) (*Result, error)
		wantErr string
	}{
		{
			name: "returned error",
			exec: func(context.Context, *Task) (*Result, error) {
				return nil, errors.New("model exploded")
			},
			wantErr: "model exploded",
		},
		{
			name: "unsuccessful result",
			exec: func(context.Context, *Task) (*Result, error) {
				return Failed("No text provided for emotion analysis"), nil
			},
			wantErr: "No text provided for emotion analysis",
		},
		{
			name: "unsuccessful result without message",
			exec: func(context.Context, *Task) (*Result, error) {
				return &Result{Success: false}, nil
			},
			wantErr: "task failed",
		},
		{
			name: "nil result",
			exec: func(context.Context, *Task) (*Result, error) {
				return nil, nil
			},
			wantErr: "worker returned no result",
		},
		{
			name: "panic",
			exec: func(context.Context, *Task) (*Result, error) {
				panic("boom")
			},
			wantErr: "panic: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := NewRuntime(&Func{WorkerID: "w", Caps: []string{"x"}, ExecFn: tt.exec}, 0, zap.NewNop())
			res := rt.Process(context.Background(), &Task{ID: "t", TaskType: "x", Timeout: time.Second})
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.Error != tt.wantErr {
				t.Errorf("expected error %q, got %q", tt.wantErr, res.Error)
			}
			if rt.State() != StateIdle {
				t.Errorf("expected idle, got %s", rt.State())
			}
			if rt.Status().LastOutcome != StateFailed {
				t.Errorf("expected last outcome failed, got %s", rt.Status().LastOutcome)
			}
		})
	}
}

func TestProcessBusy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	w := &Func{
		WorkerID: "w1",
		Caps:     []string{"echo"},
		ExecFn: func(context.Context, *Task) (*Result, error) {
			close(started)
			<-release
			return Succeeded("done"), nil
		},
	}
	rt := NewRuntime(w, 0, zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.Process(context.Background(), &Task{ID: "first", TaskType: "echo", Timeout: 5 * time.Second})
	}()
	<-started

	st := rt.Status()
	if st.State != StateWorking || st.CurrentTask != "first" {
		t.Errorf("expected working on first, got %s/%q", st.State, st.CurrentTask)
	}

	res := rt.Process(context.Background(), &Task{ID: "second", TaskType: "echo", Timeout: time.Second})
	if res.Success || res.Error != MsgAgentBusy {
		t.Errorf("expected busy result, got %+v", res)
	}
	if res.Elapsed != 0 {
		t.Errorf("busy result should not carry elapsed time, got %v", res.Elapsed)
	}

	close(release)
	wg.Wait()
	if rt.State() != StateIdle {
		t.Errorf("expected idle, got %s", rt.State())
	}
}

func TestPingPong(t *testing.T) {
	rt := NewRuntime(newEcho("w1", "echo"), 4, zap.NewNop())
	replies := make(chan Message, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx, replies)
	defer rt.Stop()

	before := rt.LastActive()
	time.Sleep(5 * time.Millisecond)
	if err := rt.SendMessage(NewMessage("orchestrator", "w1", MessagePing, nil)); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	if !rt.LastActive().After(before) {
		t.Error("message receipt must refresh last_active")
	}

	select {
	case pong := <-replies:
		if pong.Type != MessagePong || pong.From != "w1" || pong.To != "orchestrator" {
			t.Errorf("unexpected pong %+v", pong)
		}
		if pong.Content["status"] != string(StateIdle) {
			t.Errorf("expected idle status in pong, got %v", pong.Content["status"])
		}
	case <-time.After(time.Second):
		t.Fatal("no pong received")
	}
}

func TestUnknownMessageDiscarded(t *testing.T) {
	rt := NewRuntime(newEcho("w1", "echo"), 4, zap.NewNop())
	replies := make(chan Message, 1)
	rt.Start(context.Background(), replies)
	defer rt.Stop()

	if err := rt.SendMessage(NewMessage("orchestrator", "w1", MessageType("gossip"), nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case m := <-replies:
		t.Fatalf("unexpected reply %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInboxFull(t *testing.T) {
	rt := NewRuntime(newEcho("w1", "echo"), 1, zap.NewNop())

	if err := rt.SendMessage(NewMessage("o", "w1", MessagePing, nil)); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := rt.SendMessage(NewMessage("o", "w1", MessagePing, nil)); !errors.Is(err, ErrInboxFull) {
		t.Fatalf("expected ErrInboxFull, got %v", err)
	}
	rt.Stop()
	if err := rt.SendMessage(NewMessage("o", "w1", MessagePing, nil)); err != nil {
		t.Fatalf("stop should drain the inbox: %v", err)
	}
}

func TestTimeoutMessage(t *testing.T) {
	cases := map[time.Duration]string{
		time.Second:             "Task timed out after 1 seconds",
		300 * time.Second:       "Task timed out after 300 seconds",
		1500 * time.Millisecond: "Task timed out after 1.5 seconds",
	}
	for d, want := range cases {
		if got := TimeoutMessage(d); got != want {
			t.Errorf("TimeoutMessage(%v) = %q, want %q", d, got, want)
		}
	}
}
