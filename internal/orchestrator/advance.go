package orchestrator

import (
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
)

// SubmitWorkflow starts a workflow built by NewWorkflow. Its ready steps are
// enqueued on the next cycle.
func (o *Orchestrator) SubmitWorkflow(wf *Workflow) (string, error) {
	if wf == nil {
		return "", fmt.Errorf("%w: nil workflow", ErrInvalidWorkflow)
	}
	if len(wf.ExecutionOrder) != len(wf.Steps) || len(wf.Steps) == 0 {
		return "", fmt.Errorf("%w: %s was not built with NewWorkflow", ErrInvalidWorkflow, wf.ID)
	}

	o.mu.Lock()
	_, isActive := o.active[wf.ID]
	_, isFinished := o.finished[wf.ID]
	if isActive || isFinished || wf.Status != WorkflowPending {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrWorkflowExists, wf.ID)
	}
	wf.Status = WorkflowRunning
	wf.StartTime = time.Now()
	o.active[wf.ID] = wf
	o.activeOrder = append(o.activeOrder, wf.ID)
	o.mu.Unlock()

	o.logger.Info("workflow submitted",
		zap.String("workflow", wf.ID),
		zap.String("name", wf.Name),
		zap.Int("steps", len(wf.Steps)))
	o.signal()
	return wf.ID, nil
}

// CancelWorkflow stops a running workflow. Its queued tasks are dropped;
// tasks already running finish and keep their Result in the global results
// map, but no longer feed the workflow.
func (o *Orchestrator) CancelWorkflow(id string) error {
	o.mu.Lock()
	wf, ok := o.active[id]
	if !ok {
		_, done := o.finished[id]
		o.mu.Unlock()
		if done {
			return fmt.Errorf("%w: %s", ErrWorkflowFinished, id)
		}
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}

	dropped := o.dropQueued(wf)
	wf.Error = "cancelled"
	o.finishWorkflow(wf, WorkflowCancelled)
	events := o.takeOutbox()
	o.mu.Unlock()

	o.logger.Info("workflow cancelled",
		zap.String("workflow", id),
		zap.Int("dropped_tasks", dropped))
	o.publish(events)
	return nil
}

// advance is phase B.
func (o *Orchestrator) advance() {
	o.mu.Lock()
	enqueued := 0
	for _, id := range slices.Clone(o.activeOrder) {
		wf := o.active[id]
		n, err := o.advanceWorkflow(wf)
		if err != nil {
			o.logger.Error("workflow advancement failed",
				zap.String("workflow", wf.ID),
				zap.Error(err))
			wf.Error = err.Error()
			o.finishWorkflow(wf, WorkflowFailed)
			continue
		}
		enqueued += n
	}
	events := o.takeOutbox()
	o.mu.Unlock()

	o.publish(events)
	if enqueued > 0 {
		o.signal()
	}
}

// advanceWorkflow finishes wf if it is done, otherwise enqueues its ready
// steps. A panic is returned as an error. It must be called with mu held.
func (o *Orchestrator) advanceWorkflow(wf *Workflow) (enqueued int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	if wf.Status != WorkflowRunning {
		return 0, nil
	}
	if wf.FailurePolicy == FailAbort {
		if s := wf.firstFailure(); s != nil {
			wf.Error = fmt.Sprintf("step %s failed: %s", s.ID, s.Result.Error)
			o.dropQueued(wf)
			o.finishWorkflow(wf, WorkflowFailed)
			return 0, nil
		}
	}
	if wf.allCompleted() {
		o.finishWorkflow(wf, WorkflowCompleted)
		return 0, nil
	}

	for _, sid := range wf.ExecutionOrder {
		s := wf.Steps[sid]
		if !wf.ready(s) {
			continue
		}
		task := wf.newStepTask(s, o.cfg.DefaultTaskTimeout)
		s.TaskID = task.ID
		s.EnqueuedAt = time.Now()
		o.queue.Push(task)
		enqueued++
		o.logger.Debug("workflow step enqueued",
			zap.String("workflow", wf.ID),
			zap.String("step", s.ID),
			zap.String("task", task.ID))
	}
	return enqueued, nil
}

// dropQueued removes wf's tasks that have not started yet. It must be called
// with mu held.
func (o *Orchestrator) dropQueued(wf *Workflow) int {
	dropped := 0
	for _, s := range wf.Steps {
		if s.TaskID != "" && !s.Completed && o.queue.Remove(s.TaskID) {
			dropped++
		}
	}
	return dropped
}

// finishWorkflow moves wf out of the active map. It must be called with mu
// held.
func (o *Orchestrator) finishWorkflow(wf *Workflow, status WorkflowStatus) {
	wf.Status = status
	wf.EndTime = time.Now()
	if wf.EndTime.Before(wf.StartTime) {
		wf.EndTime = wf.StartTime
	}

	delete(o.active, wf.ID)
	if i := slices.Index(o.activeOrder, wf.ID); i >= 0 {
		o.activeOrder = slices.Delete(o.activeOrder, i, i+1)
	}
	o.finished[wf.ID] = wf
	o.finishedOrder = append(o.finishedOrder, wf.ID)

	switch status {
	case WorkflowFailed:
		o.failedWorkflows++
	case WorkflowCancelled:
		o.cancelledWorkflows++
	}

	fields := []zap.Field{
		zap.String("workflow", wf.ID),
		zap.String("status", string(status)),
		zap.Duration("duration", wf.EndTime.Sub(wf.StartTime)),
	}
	if status == WorkflowFailed {
		o.logger.Warn("workflow finished", append(fields, zap.String("error", wf.Error))...)
	} else {
		o.logger.Info("workflow finished", fields...)
	}

	ev := newEvent(EventWorkflowFinished)
	ev.WorkflowID = wf.ID
	ev.Workflow = wf.Report()
	o.outbox = append(o.outbox, ev)
}
