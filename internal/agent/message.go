package agent

import (
	"time"

	"github.com/google/uuid"
)

// MessageType identifies what a Message asks for.
type MessageType string

const (
	MessagePing MessageType = "ping"
	MessagePong MessageType = "pong"
)

// Message travels between the orchestrator and a worker's inbox.
type Message struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to,omitempty"`
	Type      MessageType    `json:"type"`
	Content   map[string]any `json:"content,omitempty"`
	Priority  int            `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage stamps a message with an id and the current time.
func NewMessage(from, to string, typ MessageType, content map[string]any) Message {
	return Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      typ,
		Content:   content,
		Priority:  1,
		Timestamp: time.Now(),
	}
}
