package store

import (
	"context"
	"errors"
	"time"

	"scriptorium/api/internal/identity"
)

// ErrConflict is returned when a write violates a uniqueness rule.
var ErrConflict = errors.New("store: conflict")

// Queries is the set of data operations shared by the store itself and by
// the transaction handle passed to WithTx. Missing rows surface as
// sql.ErrNoRows.
type Queries interface {
	GetPerson(ctx context.Context, personID string) (identity.Person, error)
	LookupPeople(ctx context.Context, keys identity.Set) ([]identity.Person, error)

	GetDocument(ctx context.Context, documentID string) (Document, error)
	InsertDocument(ctx context.Context, doc Document) error

	GetCollaborator(ctx context.Context, documentID, personID string) (Collaborator, error)
	InsertCollaborator(ctx context.Context, collaborator Collaborator) (bool, error)
	ListCollaborators(ctx context.Context, documentID string) ([]Collaborator, error)

	InsertInvitation(ctx context.Context, invitation Invitation) error
	GetInvitation(ctx context.Context, invitationID string) (Invitation, error)
	LockInvitation(ctx context.Context, invitationID string) (Invitation, error)
	FindPendingInvitation(ctx context.Context, documentID string, keys identity.Set) (Invitation, error)
	RefreshPendingInvitation(ctx context.Context, invitationID, role string, expiresAt time.Time) (bool, error)
	TransitionInvitation(ctx context.Context, invitationID, status, responderID string, at time.Time) (bool, error)
	ListInvitations(ctx context.Context, documentID string) ([]Invitation, error)
	ListInvitationsForKeys(ctx context.Context, keys identity.Set, status string) ([]Invitation, error)

	InsertChange(ctx context.Context, change TrackedChange) error
	GetChange(ctx context.Context, changeID string) (TrackedChange, error)
	ResolveChange(ctx context.Context, changeID, status, resolverID string, at time.Time) (bool, error)
	ResolvePendingChanges(ctx context.Context, documentID, status, resolverID string, at time.Time) ([]TrackedChange, error)
	ListChanges(ctx context.Context, filter ChangeFilter) ([]TrackedChange, error)
	CountChanges(ctx context.Context, documentID, status string) (int, error)

	InsertNotification(ctx context.Context, notification Notification) error
	GetNotification(ctx context.Context, notificationID string) (Notification, error)
	ListNotifications(ctx context.Context, recipientID string, filter NotificationFilter) ([]Notification, int, error)
	CountUnreadNotifications(ctx context.Context, recipientID string) (int, error)
	MarkNotificationRead(ctx context.Context, recipientID, notificationID string, at time.Time) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, recipientID string, at time.Time) (int, error)
	DeleteNotification(ctx context.Context, recipientID, notificationID string) (bool, error)
}

// Store is a Queries implementation that can also run a unit of work
// atomically.
type Store interface {
	Queries
	WithTx(ctx context.Context, fn func(Queries) error) error
	Ping(ctx context.Context) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

func normalizeLimit(limit, fallback, ceiling int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
