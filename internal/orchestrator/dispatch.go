package orchestrator

import (
	"fmt"
	"maps"
	"time"

	"github.com/nidhogg/storyloom/internal/agent"
	"go.uber.org/zap"
)

// SubmitTask validates and enqueues a copy of task. The task must carry an
// id and a task type, its timeout must not be negative and every dependency
// must already have a Result.
func (o *Orchestrator) SubmitTask(task *agent.Task) (string, error) {
	if task == nil {
		return "", fmt.Errorf("%w: nil task", ErrInvalidTask)
	}
	if task.ID == "" {
		return "", fmt.Errorf("%w: missing id", ErrInvalidTask)
	}
	if task.TaskType == "" {
		return "", fmt.Errorf("%w: task %s has no task type", ErrInvalidTask, task.ID)
	}
	if task.Timeout < 0 {
		return "", fmt.Errorf("%w: task %s has a negative timeout", ErrInvalidTask, task.ID)
	}

	t := *task
	t.Input = maps.Clone(task.Input)
	t.Requirements = maps.Clone(task.Requirements)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	o.mu.Lock()
	if o.knownTask(t.ID) {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: duplicate task id %s", ErrInvalidTask, t.ID)
	}
	for _, dep := range t.Dependencies {
		if _, done := o.results[dep]; !done {
			o.mu.Unlock()
			return "", fmt.Errorf("%w: task %s depends on unfinished task %s", ErrInvalidTask, t.ID, dep)
		}
	}
	if o.cfg.QueueCapacity > 0 && o.queue.Len() >= o.cfg.QueueCapacity {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %d tasks waiting", ErrQueueFull, o.cfg.QueueCapacity)
	}
	o.queue.Push(&t)
	queued := o.queue.Len()
	o.mu.Unlock()

	o.logger.Debug("task submitted",
		zap.String("task", t.ID),
		zap.String("task_type", t.TaskType),
		zap.Int("queued", queued))
	o.signal()
	return t.ID, nil
}

// knownTask must be called with mu held.
func (o *Orchestrator) knownTask(id string) bool {
	if _, ok := o.results[id]; ok {
		return true
	}
	if _, ok := o.inFlight[id]; ok {
		return true
	}
	return o.queue.Contains(id)
}

type launch struct {
	rt *agent.Runtime
	f  *flight
}

// dispatch is phase A. It pops at most one pass over the queue while under
// the concurrency cap. A task whose capable workers are all busy ends the
// pass; a task no registered worker can handle is set aside so it does not
// block the tasks behind it. Both go back to the head of the queue.
func (o *Orchestrator) dispatch() {
	o.mu.Lock()
	var (
		launches []launch
		deferred []*agent.Task
	)
	for n := o.queue.Len(); n > 0 && len(o.inFlight) < o.cfg.MaxConcurrent; n-- {
		task, ok := o.queue.Pop()
		if !ok {
			break
		}
		rt := o.findSuitableWorker(task)
		if rt == nil {
			deferred = append(deferred, task)
			if o.anyCapable(task) {
				break
			}
			continue
		}

		f := &flight{task: task, workerID: rt.ID(), startedAt: time.Now()}
		o.inFlight[task.ID] = f
		o.assigned[rt.ID()] = task.ID
		o.execWG.Add(1)
		launches = append(launches, launch{rt: rt, f: f})
	}
	o.queue.Requeue(deferred)
	execCtx := o.execCtx
	o.mu.Unlock()

	for _, l := range launches {
		o.logger.Debug("task dispatched",
			zap.String("task", l.f.task.ID),
			zap.String("agent", l.f.workerID))
		go func(l launch) {
			defer o.execWG.Done()
			o.complete(l.f, l.rt.Process(execCtx, l.f.task))
		}(l)
	}
}

// findSuitableWorker returns the idle, capable, unassigned worker that has
// been inactive the longest. Ties go to the earliest registered worker.
// It must be called with mu held.
func (o *Orchestrator) findSuitableWorker(task *agent.Task) *agent.Runtime {
	var (
		best     *agent.Runtime
		bestSeen time.Time
	)
	for _, id := range o.order {
		rt := o.workers[id]
		if _, bound := o.assigned[id]; bound {
			continue
		}
		if rt.State() != agent.StateIdle || !rt.CanHandle(task) {
			continue
		}
		seen := rt.LastActive()
		if best == nil || seen.Before(bestSeen) {
			best, bestSeen = rt, seen
		}
	}
	return best
}

func (o *Orchestrator) anyCapable(task *agent.Task) bool {
	for _, rt := range o.workers {
		if rt.CanHandle(task) {
			return true
		}
	}
	return false
}

// complete records the Result of a finished execution, updates statistics
// and notifies the workflow that owns the task.
func (o *Orchestrator) complete(f *flight, res *agent.Result) {
	o.mu.Lock()
	delete(o.inFlight, f.task.ID)
	if o.assigned[f.workerID] == f.task.ID {
		delete(o.assigned, f.workerID)
	}
	if _, dup := o.results[f.task.ID]; dup {
		o.mu.Unlock()
		o.logger.Error("result already recorded, dropping duplicate",
			zap.String("task", f.task.ID),
			zap.String("agent", f.workerID))
		return
	}

	o.results[f.task.ID] = res
	o.totalProcessed++
	o.averageTaskTime += (res.Elapsed - o.averageTaskTime) / time.Duration(o.totalProcessed)
	o.notifyWorkflows(f.task.ID, res)

	ev := newEvent(EventTaskCompleted)
	ev.TaskID = f.task.ID
	ev.WorkerID = f.workerID
	ev.Result = res
	if wfID, ok := f.task.Requirements["workflow_id"].(string); ok {
		ev.WorkflowID = wfID
	}
	o.outbox = append(o.outbox, ev)
	events := o.takeOutbox()
	o.mu.Unlock()

	o.publish(events)
	o.signal()
}

// notifyWorkflows publishes a Result into every active workflow with a step
// bound to taskID. It must be called with mu held.
func (o *Orchestrator) notifyWorkflows(taskID string, res *agent.Result) {
	for _, id := range o.activeOrder {
		wf := o.active[id]
		for _, s := range wf.Steps {
			if s.TaskID != taskID || s.Completed {
				continue
			}
			s.Completed = true
			s.Result = res
			s.CompletedAt = time.Now()
			wf.Results[s.ID] = res.Payload
			o.logger.Debug("workflow step completed",
				zap.String("workflow", wf.ID),
				zap.String("step", s.ID),
				zap.Bool("success", res.Success))
		}
	}
}
