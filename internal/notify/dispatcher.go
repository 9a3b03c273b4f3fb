// Package notify records in-app notifications and hands them to a
// Deliverer for out-of-band delivery once the recording transaction commits.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"scriptorium/api/internal/store"
	"scriptorium/api/internal/util"
)

const (
	TypeInvitationReceived  = "INVITATION_RECEIVED"
	TypeInvitationAccepted  = "INVITATION_ACCEPTED"
	TypeInvitationDeclined  = "INVITATION_DECLINED"
	TypeChangeAccepted      = "CHANGE_ACCEPTED"
	TypeChangeRejected      = "CHANGE_REJECTED"
	TypeChangesBulkResolved = "CHANGES_BULK_RESOLVED"
)

type Message struct {
	RecipientID string
	Type        string
	Title       string
	Message     string
	Payload     map[string]any
}

// Writer is the transactional handle notifications are written through.
type Writer interface {
	InsertNotification(ctx context.Context, notification store.Notification) error
}

type Dispatcher struct {
	now     func() time.Time
	created *prometheus.CounterVec
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithCounter counts created notifications by type.
func WithCounter(counter *prometheus.CounterVec) Option {
	return func(d *Dispatcher) { d.created = counter }
}

func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch writes exactly one notification. It does no deduplication;
// callers invoke it once per logical event.
func (d *Dispatcher) Dispatch(ctx context.Context, w Writer, msg Message) (store.Notification, error) {
	if msg.RecipientID == "" || msg.Type == "" {
		return store.Notification{}, fmt.Errorf("dispatch notification: recipient and type are required")
	}
	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	notification := store.Notification{
		ID:          util.NewID("ntf"),
		RecipientID: msg.RecipientID,
		Type:        msg.Type,
		Title:       msg.Title,
		Message:     msg.Message,
		Payload:     payload,
		CreatedAt:   d.now().UTC(),
	}
	if err := w.InsertNotification(ctx, notification); err != nil {
		return store.Notification{}, fmt.Errorf("dispatch notification: %w", err)
	}
	if d.created != nil {
		d.created.WithLabelValues(msg.Type).Inc()
	}
	return notification, nil
}
