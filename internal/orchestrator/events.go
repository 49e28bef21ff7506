package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/nidhogg/storyloom/internal/agent"
	"go.uber.org/zap"
)

// EventType names an orchestrator lifecycle event.
type EventType string

const (
	EventTaskCompleted      EventType = "task.completed"
	EventWorkflowFinished   EventType = "workflow.finished"
	EventWorkerUnresponsive EventType = "worker.unresponsive"
	EventWorkerRegistered   EventType = "worker.registered"
)

// EventTopic is the watermill topic lifecycle events are published on.
const EventTopic = "storyloom.events"

const eventTypeMetadataKey = "event_type"

// Event is published after the orchestrator state change it describes.
type Event struct {
	ID         string          `json:"event_id"`
	Type       EventType       `json:"type"`
	TaskID     string          `json:"task_id,omitempty"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	WorkerID   string          `json:"agent_id,omitempty"`
	Result     *agent.Result   `json:"result,omitempty"`
	Workflow   *WorkflowReport `json:"workflow,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

func newEvent(typ EventType) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
	}
}

// EventPublisher receives lifecycle events. Publish failures are logged by
// the orchestrator and otherwise ignored.
type EventPublisher interface {
	Publish(ctx context.Context, ev *Event) error
}

// EventHandler consumes events delivered by a Bus subscription.
type EventHandler func(ctx context.Context, ev *Event) error

// Bus is an in-process event bus on top of watermill's gochannel pub/sub.
// Delivery order is not guaranteed, even for one subscriber.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *zap.Logger
}

// NewBus creates a non-persistent bus. Events published with no subscriber
// are dropped.
func NewBus(logger *zap.Logger) *Bus {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		NewWatermillLogger(logger),
	)
	return &Bus{pubsub: pubsub, logger: logger}
}

// Publish marshals ev and sends it on EventTopic.
func (b *Bus) Publish(_ context.Context, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(eventTypeMetadataKey, string(ev.Type))
	if err := b.pubsub.Publish(EventTopic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe delivers events to handler until ctx is cancelled or the bus is
// closed. When types is non-empty only those event types are delivered.
// Messages are always acked; a handler error is logged.
func (b *Bus) Subscribe(ctx context.Context, name string, handler EventHandler, types ...EventType) error {
	messages, err := b.pubsub.Subscribe(ctx, EventTopic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", name, err)
	}

	log := b.logger.With(zap.String("subscriber", name))
	go func() {
		for msg := range messages {
			typ := EventType(msg.Metadata.Get(eventTypeMetadataKey))
			if len(types) > 0 && !slices.Contains(types, typ) {
				msg.Ack()
				continue
			}
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn("malformed event", zap.Error(err))
				msg.Ack()
				continue
			}
			if err := handler(ctx, &ev); err != nil {
				log.Warn("event handler failed",
					zap.String("type", string(typ)),
					zap.Error(err))
			}
			msg.Ack()
		}
	}()
	return nil
}

// Close stops every subscription.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// watermillLogger adapts zap to watermill.LoggerAdapter.
type watermillLogger struct {
	logger *zap.Logger
}

// NewWatermillLogger wraps a zap logger for watermill components.
func NewWatermillLogger(logger *zap.Logger) watermill.LoggerAdapter {
	return &watermillLogger{logger: logger.Named("watermill")}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Info(msg, zapFields(fields)...)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, zapFields(fields)...)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, zapFields(fields)...)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: l.logger.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
