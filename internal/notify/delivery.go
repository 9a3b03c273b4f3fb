package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"scriptorium/api/internal/identity"
	"scriptorium/api/internal/queue"
	"scriptorium/api/internal/store"
)

const TaskEmail = "notification:email"

// Deliverer pushes committed notifications to channels outside the app.
// Delivery failures are logged, never returned: the record is already durable.
type Deliverer interface {
	Deliver(ctx context.Context, notifications []store.Notification)
}

type LogDeliverer struct {
	Logger *slog.Logger
}

func (d LogDeliverer) Deliver(ctx context.Context, notifications []store.Notification) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, n := range notifications {
		logger.DebugContext(ctx, "notification recorded",
			slog.String("notification_id", n.ID),
			slog.String("recipient_id", n.RecipientID),
			slog.String("type", n.Type),
		)
	}
}

type emailTask struct {
	NotificationID string `json:"notificationId"`
}

// QueueDeliverer enqueues one email task per notification, using the
// notification id as task id so a replayed enqueue is dropped by the queue.
type QueueDeliverer struct {
	client queue.Client
	logger *slog.Logger
}

func NewQueueDeliverer(client queue.Client, logger *slog.Logger) *QueueDeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueDeliverer{client: client, logger: logger}
}

func (d *QueueDeliverer) Deliver(ctx context.Context, notifications []store.Notification) {
	for _, n := range notifications {
		payload, err := json.Marshal(emailTask{NotificationID: n.ID})
		if err != nil {
			d.logger.ErrorContext(ctx, "encode notification task", slog.String("notification_id", n.ID), slog.Any("error", err))
			continue
		}
		_, err = d.client.Enqueue(ctx, queue.Task{Type: TaskEmail, Payload: payload}, queue.EnqueueOption{TaskID: n.ID, MaxRetry: 5})
		if err != nil && !errors.Is(err, queue.ErrDuplicate) {
			d.logger.ErrorContext(ctx, "enqueue notification email", slog.String("notification_id", n.ID), slog.Any("error", err))
		}
	}
}

type Reader interface {
	GetNotification(ctx context.Context, notificationID string) (store.Notification, error)
	GetPerson(ctx context.Context, personID string) (identity.Person, error)
}

type Mailer interface {
	IsConfigured() bool
	SendNotificationEmail(to, recipientName, title, message, link string) error
}

// EmailHandler consumes TaskEmail. It skips notifications that were deleted
// or already read, so a redelivered task does not mail twice after the
// recipient has seen it in the app.
type EmailHandler struct {
	reader Reader
	mailer Mailer
	logger *slog.Logger
}

func NewEmailHandler(reader Reader, mailer Mailer, logger *slog.Logger) *EmailHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailHandler{reader: reader, mailer: mailer, logger: logger}
}

func (h *EmailHandler) Handle(ctx context.Context, task queue.Task) error {
	var payload emailTask
	if err := json.Unmarshal(task.Payload, &payload); err != nil || payload.NotificationID == "" {
		// retrying a malformed payload cannot succeed
		h.logger.ErrorContext(ctx, "drop malformed notification task", slog.String("payload", string(task.Payload)))
		return nil
	}
	logger := h.logger.With(slog.String("notification_id", payload.NotificationID))

	if !h.mailer.IsConfigured() {
		logger.DebugContext(ctx, "email disabled, skipping notification")
		return nil
	}

	n, err := h.reader.GetNotification(ctx, payload.NotificationID)
	if errors.Is(err, sql.ErrNoRows) {
		logger.InfoContext(ctx, "notification deleted before delivery")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load notification: %w", err)
	}
	if n.ReadAt != nil {
		return nil
	}

	recipient, err := h.reader.GetPerson(ctx, n.RecipientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}
	if recipient.Email == "" {
		logger.InfoContext(ctx, "recipient has no email address")
		return nil
	}

	link := ""
	if documentID, ok := n.Payload["documentId"].(string); ok && documentID != "" {
		link = "/documents/" + documentID
	}
	if err := h.mailer.SendNotificationEmail(recipient.Email, recipient.DisplayName, n.Title, n.Message, link); err != nil {
		return fmt.Errorf("send notification email: %w", err)
	}
	logger.InfoContext(ctx, "notification emailed", slog.String("type", n.Type))
	return nil
}
