package orchestrator

import (
	"time"

	"github.com/nidhogg/storyloom/internal/agent"
)

// Config tunes the scheduling loop.
type Config struct {
	MaxConcurrent      int
	PollInterval       time.Duration
	ErrorBackoff       time.Duration
	StaleAfter         time.Duration
	DefaultTaskTimeout time.Duration
	// QueueCapacity bounds SubmitTask. Zero means unbounded.
	QueueCapacity int
	Ordering      Ordering
	InboxSize     int
}

// DefaultConfig returns the stock scheduler settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      10,
		PollInterval:       100 * time.Millisecond,
		ErrorBackoff:       time.Second,
		StaleAfter:         300 * time.Second,
		DefaultTaskTimeout: agent.DefaultTimeout,
		Ordering:           OrderFIFO,
		InboxSize:          agent.DefaultInboxSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = d.ErrorBackoff
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = d.DefaultTaskTimeout
	}
	if c.QueueCapacity < 0 {
		c.QueueCapacity = 0
	}
	if c.Ordering == "" {
		c.Ordering = d.Ordering
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	return c
}
