package realtime

import (
	"context"
	"fmt"
)

type EventType string

const (
	EventQuestion        EventType = "question"
	EventQuestions       EventType = "questions"
	EventResult          EventType = "result"
	EventResults         EventType = "results"
	EventSessionFinished EventType = "sessionFinished"
	EventError           EventType = "error"
)

// Message is one engine-initiated event addressed to a single user.
type Message struct {
	UserID    int64     `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	Event     EventType `json:"event"`
	Data      any       `json:"data,omitempty"`
}

// Channel is the hub subscription name for a user's events.
func Channel(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// Publisher delivers events to connected clients. Delivery is best effort;
// a failed publish never undoes engine state.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Message) error { return nil }
