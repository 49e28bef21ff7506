package orchestrator

import (
	"time"

	"github.com/nidhogg/storyloom/internal/agent"
	"go.uber.org/zap"
)

// probeSender is the id liveness pings are sent from.
const probeSender = "orchestrator"

// probe is an outstanding liveness ping.
type probe struct {
	sentAt   time.Time
	reported bool
}

// checkLiveness is phase C. Workers idle for longer than StaleAfter get a
// ping. A worker is reported unresponsive only once its ping has gone
// unanswered for StaleAfter as well; the report is made once per ping.
func (o *Orchestrator) checkLiveness() {
	o.mu.Lock()
	now := time.Now()
	for _, id := range o.order {
		rt := o.workers[id]
		if p, pending := o.pendingPings[id]; pending {
			waited := now.Sub(p.sentAt)
			if waited < o.cfg.StaleAfter || p.reported {
				continue
			}
			p.reported = true
			o.logger.Warn("agent unresponsive",
				zap.String("agent", id),
				zap.Duration("ping_age", waited))
			ev := newEvent(EventWorkerUnresponsive)
			ev.WorkerID = id
			o.outbox = append(o.outbox, ev)
			continue
		}

		idle := now.Sub(rt.LastActive())
		if idle < o.cfg.StaleAfter {
			continue
		}
		if err := rt.SendMessage(agent.NewMessage(probeSender, id, agent.MessagePing, nil)); err != nil {
			o.logger.Warn("ping not delivered",
				zap.String("agent", id),
				zap.Error(err))
			continue
		}
		o.logger.Debug("ping sent",
			zap.String("agent", id),
			zap.Duration("idle", idle))
		o.pendingPings[id] = &probe{sentAt: now}
	}
	events := o.takeOutbox()
	o.mu.Unlock()

	o.publish(events)
}

func (o *Orchestrator) handleReply(msg agent.Message) {
	if msg.Type != agent.MessagePong {
		o.logger.Warn("unexpected reply from agent",
			zap.String("agent", msg.From),
			zap.String("type", string(msg.Type)))
		return
	}
	o.mu.Lock()
	if p, ok := o.pendingPings[msg.From]; ok && p.reported {
		o.logger.Info("agent responsive again", zap.String("agent", msg.From))
	}
	delete(o.pendingPings, msg.From)
	o.mu.Unlock()
	o.logger.Debug("pong received",
		zap.String("agent", msg.From),
		zap.Any("status", msg.Content["status"]))
}
