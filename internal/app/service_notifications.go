package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"scriptorium/api/internal/store"
)

type NotificationQuery struct {
	Filter string // unread, read or all
	Limit  int
	Offset int
}

type NotificationPage struct {
	Items  []store.Notification
	Total  int
	Unread int
}

func (s *Service) ListNotifications(ctx context.Context, session Session, query NotificationQuery) (NotificationPage, error) {
	filter := store.NotificationFilter{Limit: query.Limit, Offset: query.Offset}
	switch strings.ToLower(strings.TrimSpace(query.Filter)) {
	case "", "all":
	case "unread":
		read := false
		filter.Read = &read
	case "read":
		read := true
		filter.Read = &read
	default:
		return NotificationPage{}, errInvalidPayload("filter must be unread, read or all", map[string]any{"filter": query.Filter})
	}
	items, total, err := s.store.ListNotifications(ctx, session.PersonID(), filter)
	if err != nil {
		return NotificationPage{}, err
	}
	unread, err := s.store.CountUnreadNotifications(ctx, session.PersonID())
	if err != nil {
		return NotificationPage{}, err
	}
	return NotificationPage{Items: items, Total: total, Unread: unread}, nil
}

// ownedNotification loads a notification and checks the caller received it.
func (s *Service) ownedNotification(ctx context.Context, session Session, notificationID string) (store.Notification, error) {
	n, err := s.store.GetNotification(ctx, notificationID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Notification{}, errNotFound("notification")
	}
	if err != nil {
		return store.Notification{}, err
	}
	if n.RecipientID != session.PersonID() {
		return store.Notification{}, errNotAuthorized("This notification belongs to someone else", map[string]any{"notificationId": notificationID})
	}
	return n, nil
}

// MarkNotificationRead is idempotent: a second call keeps the first read time.
func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID string) (store.Notification, error) {
	n, err := s.ownedNotification(ctx, session, notificationID)
	if err != nil {
		return store.Notification{}, err
	}
	if n.ReadAt != nil {
		return n, nil
	}
	now := s.clock()
	if _, err := s.store.MarkNotificationRead(ctx, session.PersonID(), notificationID, now); err != nil {
		return store.Notification{}, err
	}
	return s.store.GetNotification(ctx, notificationID)
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, session Session) (int, error) {
	return s.store.MarkAllNotificationsRead(ctx, session.PersonID(), s.clock())
}

func (s *Service) DeleteNotification(ctx context.Context, session Session, notificationID string) error {
	if _, err := s.ownedNotification(ctx, session, notificationID); err != nil {
		return err
	}
	deleted, err := s.store.DeleteNotification(ctx, session.PersonID(), notificationID)
	if err != nil {
		return err
	}
	if !deleted {
		return errNotFound("notification")
	}
	return nil
}
