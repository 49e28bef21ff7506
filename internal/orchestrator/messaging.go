package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultEventStream is the Redis stream lifecycle events are mirrored to.
const DefaultEventStream = "storyloom:events"

// StreamForwarder mirrors orchestrator events into a Redis Stream so that
// processes outside this one can follow task and workflow progress.
type StreamForwarder struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewStreamForwarder connects to redisURL and pings it.
func NewStreamForwarder(ctx context.Context, redisURL string, logger *zap.Logger) (*StreamForwarder, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &StreamForwarder{
		rdb:    rdb,
		stream: DefaultEventStream,
		maxLen: 10000,
		logger: logger,
	}, nil
}

// Handle appends ev to the stream. It satisfies EventHandler.
func (f *StreamForwarder) Handle(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = f.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: f.stream,
		MaxLen: f.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type": string(ev.Type),
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", f.stream, err)
	}

	f.logger.Debug("forwarded event",
		zap.String("type", string(ev.Type)),
		zap.String("stream", f.stream))
	return nil
}

// Watch tails the stream from now on. The returned channel is closed when
// ctx is cancelled.
func (f *StreamForwarder) Watch(ctx context.Context) <-chan *Event {
	ch := make(chan *Event, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := f.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{f.stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					f.logger.Warn("stream read failed", zap.Error(err))
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- &ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (f *StreamForwarder) Close() error {
	return f.rdb.Close()
}
