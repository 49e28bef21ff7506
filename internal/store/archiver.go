package store

import (
	"context"

	"github.com/nidhogg/storyloom/internal/orchestrator"
	"go.uber.org/zap"
)

// Archiver returns an event handler that persists task results and finished
// workflow snapshots.
func Archiver(s *Store) orchestrator.EventHandler {
	return func(ctx context.Context, ev *orchestrator.Event) error {
		switch ev.Type {
		case orchestrator.EventTaskCompleted:
			if ev.Result == nil {
				return nil
			}
			return s.SaveResult(ctx, ev.WorkflowID, ev.Result)
		case orchestrator.EventWorkflowFinished:
			if ev.Workflow == nil {
				return nil
			}
			if err := s.SaveWorkflow(ctx, ev.Workflow); err != nil {
				return err
			}
			s.logger.Debug("workflow archived",
				zap.String("workflow", ev.Workflow.ID),
				zap.String("status", string(ev.Workflow.Status)))
		}
		return nil
	}
}

// ArchivedEvents lists the event types Archiver handles.
var ArchivedEvents = []orchestrator.EventType{
	orchestrator.EventTaskCompleted,
	orchestrator.EventWorkflowFinished,
}
