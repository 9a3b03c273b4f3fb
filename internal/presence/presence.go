// Package presence tracks who is currently looking at a document from
// periodic heartbeats. Entries older than the TTL are evicted lazily on every
// read and write, so no sweeper is needed.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"scriptorium/api/internal/identity"
)

const DefaultTTL = 30 * time.Second

type Entry struct {
	DocumentID  string    `json:"documentId"`
	PersonID    string    `json:"personId"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	LastSeen    time.Time `json:"lastSeen"`
}

type View struct {
	Entry
	IsCurrentUser bool `json:"isCurrentUser"`
}

// Snapshot is the online set for one document. Degraded is set when the
// backing store failed and the set could not be computed.
type Snapshot struct {
	Online   []View `json:"online"`
	Count    int    `json:"count"`
	Degraded bool   `json:"degraded,omitempty"`
}

// Store holds entries keyed by (document, person). Implementations drop a
// document's bucket once its last entry is gone.
type Store interface {
	Touch(ctx context.Context, entry Entry) error
	Evict(ctx context.Context, documentID string, cutoff time.Time) error
	List(ctx context.Context, documentID string) ([]Entry, error)
	Remove(ctx context.Context, documentID, personID string) error
}

type Tracker struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

func NewTracker(store Store, ttl time.Duration, opts ...Option) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	t := &Tracker{store: store, ttl: ttl, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// Heartbeat marks person as online on documentID and returns the online set.
func (t *Tracker) Heartbeat(ctx context.Context, documentID string, person identity.Person) Snapshot {
	now := t.now().UTC()
	if err := t.store.Evict(ctx, documentID, now.Add(-t.ttl)); err != nil {
		return t.degraded("evict", documentID, err)
	}
	entry := Entry{
		DocumentID:  documentID,
		PersonID:    person.AccountID,
		DisplayName: person.DisplayName,
		Email:       person.Email,
		LastSeen:    now,
	}
	if err := t.store.Touch(ctx, entry); err != nil {
		return t.degraded("touch", documentID, err)
	}
	return t.list(ctx, documentID, person.AccountID)
}

// Query returns the online set as seen by viewerID.
func (t *Tracker) Query(ctx context.Context, documentID, viewerID string) Snapshot {
	if err := t.store.Evict(ctx, documentID, t.now().UTC().Add(-t.ttl)); err != nil {
		return t.degraded("evict", documentID, err)
	}
	return t.list(ctx, documentID, viewerID)
}

// Leave removes personID regardless of TTL and returns who is left.
func (t *Tracker) Leave(ctx context.Context, documentID, personID string) Snapshot {
	if err := t.store.Remove(ctx, documentID, personID); err != nil {
		return t.degraded("remove", documentID, err)
	}
	return t.Query(ctx, documentID, personID)
}

func (t *Tracker) list(ctx context.Context, documentID, viewerID string) Snapshot {
	entries, err := t.store.List(ctx, documentID)
	if err != nil {
		return t.degraded("list", documentID, err)
	}
	// Evict already ran, but a store without atomic eviction may still
	// return a stale entry.
	cutoff := t.now().UTC().Add(-t.ttl)
	views := make([]View, 0, len(entries))
	for _, entry := range entries {
		if entry.LastSeen.Before(cutoff) {
			continue
		}
		views = append(views, View{Entry: entry, IsCurrentUser: entry.PersonID == viewerID})
	}
	sort.Slice(views, func(i, j int) bool {
		if !views[i].LastSeen.Equal(views[j].LastSeen) {
			return views[i].LastSeen.After(views[j].LastSeen)
		}
		return views[i].PersonID < views[j].PersonID
	})
	return Snapshot{Online: views, Count: len(views)}
}

func (t *Tracker) degraded(op, documentID string, err error) Snapshot {
	t.logger.Warn("presence store unavailable",
		slog.String("op", op),
		slog.String("document_id", documentID),
		slog.Any("error", err),
	)
	return Snapshot{Online: []View{}, Degraded: true}
}
