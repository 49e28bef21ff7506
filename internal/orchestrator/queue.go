package orchestrator

import (
	"slices"

	"github.com/nidhogg/storyloom/internal/agent"
)

// Ordering selects how the task queue releases tasks.
type Ordering string

const (
	// OrderFIFO releases tasks in submission order; priority is advisory only.
	OrderFIFO Ordering = "fifo"
	// OrderPriority releases higher priorities first, FIFO within a priority.
	OrderPriority Ordering = "priority"
)

// TaskQueue holds tasks waiting for a worker. It is owned by the
// orchestrator and not safe for concurrent use on its own.
type TaskQueue struct {
	ordering Ordering
	items    []*agent.Task
}

// NewTaskQueue creates an empty queue. Unknown orderings fall back to FIFO.
func NewTaskQueue(ordering Ordering) *TaskQueue {
	if ordering != OrderPriority {
		ordering = OrderFIFO
	}
	return &TaskQueue{ordering: ordering}
}

// Len returns the number of waiting tasks.
func (q *TaskQueue) Len() int { return len(q.items) }

// Push appends a task, or inserts it behind every task of equal or higher
// priority in priority mode.
func (q *TaskQueue) Push(t *agent.Task) {
	if q.ordering == OrderFIFO {
		q.items = append(q.items, t)
		return
	}
	i := slices.IndexFunc(q.items, func(it *agent.Task) bool {
		return it.Priority < t.Priority
	})
	if i < 0 {
		q.items = append(q.items, t)
		return
	}
	q.items = slices.Insert(q.items, i, t)
}

// Requeue puts tasks that could not be placed back at the head of the queue,
// keeping their relative order.
func (q *TaskQueue) Requeue(tasks []*agent.Task) {
	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		at := 0
		if q.ordering == OrderPriority {
			at = slices.IndexFunc(q.items, func(it *agent.Task) bool {
				return it.Priority <= t.Priority
			})
			if at < 0 {
				at = len(q.items)
			}
		}
		q.items = slices.Insert(q.items, at, t)
	}
}

// Pop removes and returns the next task.
func (q *TaskQueue) Pop() (*agent.Task, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t, true
}

// Contains reports whether a task with the id is waiting.
func (q *TaskQueue) Contains(id string) bool {
	return slices.ContainsFunc(q.items, func(it *agent.Task) bool { return it.ID == id })
}

// Remove drops a waiting task. It reports whether the task was found.
func (q *TaskQueue) Remove(id string) bool {
	i := slices.IndexFunc(q.items, func(it *agent.Task) bool { return it.ID == id })
	if i < 0 {
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	return true
}

// IDs returns the waiting task ids in release order.
func (q *TaskQueue) IDs() []string {
	ids := make([]string, len(q.items))
	for i, it := range q.items {
		ids[i] = it.ID
	}
	return ids
}
