// Package notify delivers trade outcomes to users. Delivery is
// fire-and-forget: a Notifier never blocks its caller and never reports
// failure back to it.
package notify

import (
	"context"
	"time"
)

// EventKind names a notification.
type EventKind string

const (
	EventTradePlaced  EventKind = "trade_placed"
	EventTradeSettled EventKind = "trade_settled"
)

// Event is the envelope delivered to every channel.
type Event struct {
	Kind    EventKind   `json:"type"`
	UserID  string      `json:"user_id"`
	Payload interface{} `json:"payload"`
	At      time.Time   `json:"at"`
}

// Notifier delivers an event to one user.
type Notifier interface {
	Notify(ctx context.Context, userID string, kind EventKind, payload interface{})
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, userID string, kind EventKind, payload interface{}) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, userID, kind, payload)
		}
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, string, EventKind, interface{}) {}

func newEvent(userID string, kind EventKind, payload interface{}) Event {
	return Event{
		Kind:    kind,
		UserID:  userID,
		Payload: payload,
		At:      time.Now().UTC(),
	}
}
