package store

import (
	"time"

	"scriptorium/api/internal/identity"
)

const (
	InvitationPending  = "PENDING"
	InvitationAccepted = "ACCEPTED"
	InvitationDeclined = "DECLINED"
	InvitationExpired  = "EXPIRED"
)

const (
	ChangePending  = "PENDING"
	ChangeAccepted = "ACCEPTED"
	ChangeRejected = "REJECTED"
)

const (
	ChangeInsert  = "INSERT"
	ChangeDelete  = "DELETE"
	ChangeReplace = "REPLACE"
	ChangeFormat  = "FORMAT"
)

type Document struct {
	ID        string
	Title     string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Collaborator struct {
	ID           string
	DocumentID   string
	PersonID     string
	Role         string
	CanEdit      bool
	CanInvite    bool
	CanDelete    bool
	InvitationID string
	CreatedAt    time.Time
	// Joined fields for API responses
	PersonName  string
	PersonEmail string
}

type Invitation struct {
	ID               string
	DocumentID       string
	InviterID        string
	TargetAccountID  string
	TargetEmail      string
	TargetExternalID string
	Role             string
	Status           string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RespondedAt      *time.Time
	ResponderID      string
}

// TargetKeys returns the identity keys the invitation was addressed to.
func (i Invitation) TargetKeys() identity.Set {
	return identity.NewSet(
		identity.AccountKey(i.TargetAccountID),
		identity.EmailKey(i.TargetEmail),
		identity.ExternalKey(i.TargetExternalID),
	)
}

type TrackedChange struct {
	ID         string
	DocumentID string
	Kind       string
	Content    string
	OldContent string
	Style      map[string]any
	Position   *int
	AuthorID   string
	Status     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
	ResolvedBy string
}

type ChangeFilter struct {
	DocumentID string
	Status     string // empty = all
	Limit      int
	Offset     int
}

type Notification struct {
	ID          string
	RecipientID string
	Type        string
	Title       string
	Message     string
	Payload     map[string]any
	ReadAt      *time.Time
	CreatedAt   time.Time
}

type NotificationFilter struct {
	Read   *bool // nil = all
	Limit  int
	Offset int
}
