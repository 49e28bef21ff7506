package orchestrator

import (
	"github.com/nidhogg/storyloom/internal/agent"
)

// GetTaskResult returns the Result of a finished task. It reports false for
// unknown, queued and running tasks.
func (o *Orchestrator) GetTaskResult(id string) (*agent.Result, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	res, ok := o.results[id]
	if !ok {
		return nil, false
	}
	out := *res
	return &out, true
}

// GetWorkflowStatus reports on an active or finished workflow.
func (o *Orchestrator) GetWorkflowStatus(id string) (*WorkflowReport, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if wf, ok := o.active[id]; ok {
		return wf.Report(), true
	}
	if wf, ok := o.finished[id]; ok {
		return wf.Report(), true
	}
	return nil, false
}

// ListWorkflows returns active workflows in submission order followed by
// finished ones in completion order.
func (o *Orchestrator) ListWorkflows() []*WorkflowReport {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*WorkflowReport, 0, len(o.activeOrder)+len(o.finishedOrder))
	for _, id := range o.activeOrder {
		out = append(out, o.active[id].Report())
	}
	for _, id := range o.finishedOrder {
		out = append(out, o.finished[id].Report())
	}
	return out
}

// GetAgentStatus returns one worker's status.
func (o *Orchestrator) GetAgentStatus(id string) (agent.Status, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rt, ok := o.workers[id]
	if !ok {
		return agent.Status{}, false
	}
	return o.statusLocked(rt), true
}

// AgentStatuses returns every worker's status keyed by id.
func (o *Orchestrator) AgentStatuses() map[string]agent.Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]agent.Status, len(o.workers))
	for id, rt := range o.workers {
		out[id] = o.statusLocked(rt)
	}
	return out
}

func (o *Orchestrator) statusLocked(rt *agent.Runtime) agent.Status {
	st := rt.Status()
	if p, ok := o.pendingPings[rt.ID()]; ok {
		st.Unresponsive = p.reported
	}
	return st
}

// QueueLength returns the number of tasks waiting for a worker.
func (o *Orchestrator) QueueLength() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.queue.Len()
}

// Stats returns a snapshot of the scheduler counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	byType := make(map[string]int)
	for _, rt := range o.workers {
		byType[rt.Type()]++
	}
	return Stats{
		TotalWorkers:        len(o.workers),
		WorkersByType:       byType,
		InFlight:            len(o.inFlight),
		Queued:              o.queue.Len(),
		Completed:           len(o.results),
		ActiveWorkflows:     len(o.active),
		CompletedWorkflows:  len(o.finished),
		FailedWorkflows:     o.failedWorkflows,
		CancelledWorkflows:  o.cancelledWorkflows,
		TotalTasksProcessed: o.totalProcessed,
		AverageTaskTime:     o.averageTaskTime,
		IsRunning:           o.running,
	}
}
