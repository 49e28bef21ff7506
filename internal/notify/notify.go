// Package notify announces finished workflows and unresponsive agents on
// chat platforms.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/storyloom/internal/orchestrator"
	"go.uber.org/zap"
)

// Announcement is a platform-neutral notice.
type Announcement struct {
	Kind       string `json:"kind"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	WorkflowID string `json:"workflow_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
}

// Channel delivers announcements to one platform.
type Channel interface {
	Platform() string
	Post(ctx context.Context, a *Announcement) error
	Close() error
}

// Announcer fans orchestrator events out to every configured channel.
type Announcer struct {
	channels []Channel
	logger   *zap.Logger
}

// NewAnnouncer creates an announcer over the given channels.
func NewAnnouncer(logger *zap.Logger, channels ...Channel) *Announcer {
	return &Announcer{channels: channels, logger: logger}
}

// Events lists the event types Handle consumes.
var Events = []orchestrator.EventType{
	orchestrator.EventWorkflowFinished,
	orchestrator.EventWorkerUnresponsive,
}

// Platforms returns the names of the configured channels.
func (a *Announcer) Platforms() []string {
	out := make([]string, len(a.channels))
	for i, c := range a.channels {
		out[i] = c.Platform()
	}
	return out
}

// Handle is an orchestrator.EventHandler.
func (a *Announcer) Handle(ctx context.Context, ev *orchestrator.Event) error {
	ann := Format(ev)
	if ann == nil {
		return nil
	}
	return a.Post(ctx, ann)
}

// Post sends ann to every channel. One failing platform does not stop the
// others.
func (a *Announcer) Post(ctx context.Context, ann *Announcement) error {
	var errs []error
	for _, c := range a.channels {
		if err := c.Post(ctx, ann); err != nil {
			a.logger.Error("announcement failed",
				zap.String("platform", c.Platform()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.Platform(), err))
		}
	}
	return errors.Join(errs...)
}

// Close shuts down every channel.
func (a *Announcer) Close() error {
	var errs []error
	for _, c := range a.channels {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Format turns an event into an announcement, or nil for events that are not
// announced.
func Format(ev *orchestrator.Event) *Announcement {
	switch ev.Type {
	case orchestrator.EventWorkflowFinished:
		wf := ev.Workflow
		if wf == nil {
			return nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d/%d steps completed", wf.StepsCompleted, wf.TotalSteps)
		if wf.StartTime != nil && wf.EndTime != nil {
			fmt.Fprintf(&b, " in %s", wf.EndTime.Sub(*wf.StartTime).Round(100*time.Millisecond))
		}
		if wf.Error != "" {
			fmt.Fprintf(&b, "\nerror: %s", wf.Error)
		}
		for _, s := range wf.Steps {
			if s.Success != nil && !*s.Success {
				fmt.Fprintf(&b, "\n- %s failed: %s", s.ID, s.Error)
			}
		}
		return &Announcement{
			Kind:       "workflow_" + string(wf.Status),
			Title:      fmt.Sprintf("Workflow %s %s", wf.Name, wf.Status),
			Body:       b.String(),
			WorkflowID: wf.ID,
		}
	case orchestrator.EventWorkerUnresponsive:
		return &Announcement{
			Kind:    "agent_unresponsive",
			Title:   fmt.Sprintf("Agent %s unresponsive", ev.WorkerID),
			Body:    "No activity within the liveness window; a ping was sent.",
			AgentID: ev.WorkerID,
		}
	}
	return nil
}
