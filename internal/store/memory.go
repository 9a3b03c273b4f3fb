package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"scriptorium/api/internal/identity"
)

// MemoryStore keeps everything in process. A single mutex serializes all
// access, and WithTx holds it for the whole unit of work, rolling the state
// back when fn fails.
type MemoryStore struct {
	memQueries
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{memQueries{state: newMemState(), mu: &sync.Mutex{}}}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.state.clone()
	if err := fn(memQueries{state: s.state, mu: s.mu, inTx: true}); err != nil {
		*s.state = snapshot
		return err
	}
	return nil
}

// AddPerson registers a person. People are owned by the account system, so
// this only exists for seeding.
func (s *MemoryStore) AddPerson(person identity.Person) {
	defer s.lock()()
	if _, ok := s.state.people[person.AccountID]; !ok {
		s.state.touch(person.AccountID)
	}
	s.state.people[person.AccountID] = person
}

type memState struct {
	seq           uint64
	order         map[string]uint64
	people        map[string]identity.Person
	documents     map[string]Document
	collaborators map[string]Collaborator
	invitations   map[string]Invitation
	changes       map[string]TrackedChange
	notifications map[string]Notification
}

func newMemState() *memState {
	return &memState{
		order:         map[string]uint64{},
		people:        map[string]identity.Person{},
		documents:     map[string]Document{},
		collaborators: map[string]Collaborator{},
		invitations:   map[string]Invitation{},
		changes:       map[string]TrackedChange{},
		notifications: map[string]Notification{},
	}
}

// touch records insertion order so equal timestamps still sort stably.
func (m *memState) touch(id string) {
	m.seq++
	m.order[id] = m.seq
}

func (m *memState) clone() memState {
	return memState{
		seq:           m.seq,
		order:         cloneMap(m.order),
		people:        cloneMap(m.people),
		documents:     cloneMap(m.documents),
		collaborators: cloneMap(m.collaborators),
		invitations:   cloneMap(m.invitations),
		changes:       cloneMap(m.changes),
		notifications: cloneMap(m.notifications),
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// newestFirst orders by created time, then insertion order, both descending.
func (m *memState) newestFirst(aID string, aAt time.Time, bID string, bAt time.Time) bool {
	if !aAt.Equal(bAt) {
		return aAt.After(bAt)
	}
	return m.order[aID] > m.order[bID]
}

func collaboratorKey(documentID, personID string) string {
	return documentID + "\x00" + personID
}

type memQueries struct {
	state *memState
	mu    *sync.Mutex
	inTx  bool
}

func (q memQueries) lock() func() {
	if q.inTx {
		return func() {}
	}
	q.mu.Lock()
	return q.mu.Unlock
}

func (q memQueries) GetPerson(_ context.Context, personID string) (identity.Person, error) {
	defer q.lock()()
	person, ok := q.state.people[personID]
	if !ok {
		return identity.Person{}, sql.ErrNoRows
	}
	return person, nil
}

func (q memQueries) LookupPeople(_ context.Context, keys identity.Set) ([]identity.Person, error) {
	defer q.lock()()
	people := make([]identity.Person, 0)
	for _, person := range q.state.people {
		if identity.Matches(person, keys) {
			people = append(people, person)
		}
	}
	sort.Slice(people, func(i, j int) bool {
		return q.state.order[people[i].AccountID] < q.state.order[people[j].AccountID]
	})
	return people, nil
}

func (q memQueries) GetDocument(_ context.Context, documentID string) (Document, error) {
	defer q.lock()()
	doc, ok := q.state.documents[documentID]
	if !ok {
		return Document{}, sql.ErrNoRows
	}
	return doc, nil
}

func (q memQueries) InsertDocument(_ context.Context, doc Document) error {
	defer q.lock()()
	if _, ok := q.state.documents[doc.ID]; ok {
		return fmt.Errorf("insert document: %w", ErrConflict)
	}
	q.state.documents[doc.ID] = doc
	q.state.touch(doc.ID)
	return nil
}

func (q memQueries) withPerson(c Collaborator) Collaborator {
	person := q.state.people[c.PersonID]
	c.PersonName = person.DisplayName
	c.PersonEmail = person.Email
	return c
}

func (q memQueries) GetCollaborator(_ context.Context, documentID, personID string) (Collaborator, error) {
	defer q.lock()()
	c, ok := q.state.collaborators[collaboratorKey(documentID, personID)]
	if !ok {
		return Collaborator{}, sql.ErrNoRows
	}
	return q.withPerson(c), nil
}

func (q memQueries) InsertCollaborator(_ context.Context, c Collaborator) (bool, error) {
	defer q.lock()()
	key := collaboratorKey(c.DocumentID, c.PersonID)
	if _, ok := q.state.collaborators[key]; ok {
		return false, nil
	}
	c.PersonName, c.PersonEmail = "", ""
	q.state.collaborators[key] = c
	q.state.touch(c.ID)
	return true, nil
}

func (q memQueries) ListCollaborators(_ context.Context, documentID string) ([]Collaborator, error) {
	defer q.lock()()
	items := make([]Collaborator, 0)
	for _, c := range q.state.collaborators {
		if c.DocumentID == documentID {
			items = append(items, q.withPerson(c))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return q.state.order[items[i].ID] < q.state.order[items[j].ID]
	})
	return items, nil
}

func (q memQueries) InsertInvitation(_ context.Context, inv Invitation) error {
	defer q.lock()()
	if _, ok := q.state.invitations[inv.ID]; ok {
		return fmt.Errorf("insert invitation: %w", ErrConflict)
	}
	if inv.Status == InvitationPending {
		keys := inv.TargetKeys()
		for _, other := range q.state.invitations {
			if other.DocumentID == inv.DocumentID && other.Status == InvitationPending && targetMatches(other, keys) {
				return fmt.Errorf("insert invitation: pending target exists: %w", ErrConflict)
			}
		}
	}
	q.state.invitations[inv.ID] = inv
	q.state.touch(inv.ID)
	return nil
}

func (q memQueries) GetInvitation(_ context.Context, invitationID string) (Invitation, error) {
	defer q.lock()()
	inv, ok := q.state.invitations[invitationID]
	if !ok {
		return Invitation{}, sql.ErrNoRows
	}
	return inv, nil
}

func (q memQueries) LockInvitation(ctx context.Context, invitationID string) (Invitation, error) {
	return q.GetInvitation(ctx, invitationID)
}

func targetMatches(inv Invitation, keys identity.Set) bool {
	target := inv.TargetKeys()
	for _, key := range keys {
		if key.Value != "" && target.Value(key.Kind) == key.Value {
			return true
		}
	}
	return false
}

func (q memQueries) FindPendingInvitation(_ context.Context, documentID string, keys identity.Set) (Invitation, error) {
	defer q.lock()()
	var found *Invitation
	for _, inv := range q.state.invitations {
		if inv.DocumentID != documentID || inv.Status != InvitationPending || !targetMatches(inv, keys) {
			continue
		}
		if found == nil || q.state.newestFirst(inv.ID, inv.CreatedAt, found.ID, found.CreatedAt) {
			inv := inv
			found = &inv
		}
	}
	if found == nil {
		return Invitation{}, sql.ErrNoRows
	}
	return *found, nil
}

func (q memQueries) RefreshPendingInvitation(_ context.Context, invitationID, role string, expiresAt time.Time) (bool, error) {
	defer q.lock()()
	inv, ok := q.state.invitations[invitationID]
	if !ok || inv.Status != InvitationPending {
		return false, nil
	}
	inv.Role = role
	inv.ExpiresAt = expiresAt
	q.state.invitations[invitationID] = inv
	return true, nil
}

func (q memQueries) TransitionInvitation(_ context.Context, invitationID, status, responderID string, at time.Time) (bool, error) {
	defer q.lock()()
	inv, ok := q.state.invitations[invitationID]
	if !ok || inv.Status != InvitationPending {
		return false, nil
	}
	inv.Status = status
	inv.ResponderID = responderID
	inv.RespondedAt = &at
	q.state.invitations[invitationID] = inv
	return true, nil
}

func (q memQueries) sortedInvitations(keep func(Invitation) bool) []Invitation {
	items := make([]Invitation, 0)
	for _, inv := range q.state.invitations {
		if keep(inv) {
			items = append(items, inv)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return q.state.newestFirst(items[i].ID, items[i].CreatedAt, items[j].ID, items[j].CreatedAt)
	})
	return items
}

func (q memQueries) ListInvitations(_ context.Context, documentID string) ([]Invitation, error) {
	defer q.lock()()
	return q.sortedInvitations(func(inv Invitation) bool { return inv.DocumentID == documentID }), nil
}

func (q memQueries) ListInvitationsForKeys(_ context.Context, keys identity.Set, status string) ([]Invitation, error) {
	defer q.lock()()
	return q.sortedInvitations(func(inv Invitation) bool {
		return (status == "" || inv.Status == status) && targetMatches(inv, keys)
	}), nil
}

func (q memQueries) InsertChange(_ context.Context, change TrackedChange) error {
	defer q.lock()()
	if _, ok := q.state.changes[change.ID]; ok {
		return fmt.Errorf("insert tracked change: %w", ErrConflict)
	}
	q.state.changes[change.ID] = change
	q.state.touch(change.ID)
	return nil
}

func (q memQueries) GetChange(_ context.Context, changeID string) (TrackedChange, error) {
	defer q.lock()()
	change, ok := q.state.changes[changeID]
	if !ok {
		return TrackedChange{}, sql.ErrNoRows
	}
	return change, nil
}

func (q memQueries) resolve(change TrackedChange, status, resolverID string, at time.Time) TrackedChange {
	change.Status = status
	change.ResolvedBy = resolverID
	change.ResolvedAt = &at
	q.state.changes[change.ID] = change
	return change
}

func (q memQueries) ResolveChange(_ context.Context, changeID, status, resolverID string, at time.Time) (bool, error) {
	defer q.lock()()
	change, ok := q.state.changes[changeID]
	if !ok || change.Status != ChangePending {
		return false, nil
	}
	q.resolve(change, status, resolverID, at)
	return true, nil
}

func (q memQueries) ResolvePendingChanges(_ context.Context, documentID, status, resolverID string, at time.Time) ([]TrackedChange, error) {
	defer q.lock()()
	resolved := make([]TrackedChange, 0)
	for _, change := range q.state.changes {
		if change.DocumentID == documentID && change.Status == ChangePending {
			resolved = append(resolved, q.resolve(change, status, resolverID, at))
		}
	}
	sort.Slice(resolved, func(i, j int) bool {
		return q.state.order[resolved[i].ID] < q.state.order[resolved[j].ID]
	})
	return resolved, nil
}

func (q memQueries) ListChanges(_ context.Context, filter ChangeFilter) ([]TrackedChange, error) {
	defer q.lock()()
	items := make([]TrackedChange, 0)
	for _, change := range q.state.changes {
		if change.DocumentID == filter.DocumentID && (filter.Status == "" || change.Status == filter.Status) {
			items = append(items, change)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return q.state.newestFirst(items[i].ID, items[i].CreatedAt, items[j].ID, items[j].CreatedAt)
	})
	return page(items, normalizeLimit(filter.Limit, 50, 200), normalizeOffset(filter.Offset)), nil
}

func (q memQueries) CountChanges(_ context.Context, documentID, status string) (int, error) {
	defer q.lock()()
	count := 0
	for _, change := range q.state.changes {
		if change.DocumentID == documentID && (status == "" || change.Status == status) {
			count++
		}
	}
	return count, nil
}

func (q memQueries) InsertNotification(_ context.Context, n Notification) error {
	defer q.lock()()
	if _, ok := q.state.notifications[n.ID]; ok {
		return fmt.Errorf("insert notification: %w", ErrConflict)
	}
	if n.Payload == nil {
		n.Payload = map[string]any{}
	}
	q.state.notifications[n.ID] = n
	q.state.touch(n.ID)
	return nil
}

func (q memQueries) GetNotification(_ context.Context, notificationID string) (Notification, error) {
	defer q.lock()()
	n, ok := q.state.notifications[notificationID]
	if !ok {
		return Notification{}, sql.ErrNoRows
	}
	return n, nil
}

func (q memQueries) ListNotifications(_ context.Context, recipientID string, filter NotificationFilter) ([]Notification, int, error) {
	defer q.lock()()
	items := make([]Notification, 0)
	for _, n := range q.state.notifications {
		if n.RecipientID != recipientID {
			continue
		}
		if filter.Read != nil && (n.ReadAt != nil) != *filter.Read {
			continue
		}
		items = append(items, n)
	}
	sort.Slice(items, func(i, j int) bool {
		return q.state.newestFirst(items[i].ID, items[i].CreatedAt, items[j].ID, items[j].CreatedAt)
	})
	return page(items, normalizeLimit(filter.Limit, 20, 100), normalizeOffset(filter.Offset)), len(items), nil
}

func (q memQueries) CountUnreadNotifications(_ context.Context, recipientID string) (int, error) {
	defer q.lock()()
	count := 0
	for _, n := range q.state.notifications {
		if n.RecipientID == recipientID && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (q memQueries) MarkNotificationRead(_ context.Context, recipientID, notificationID string, at time.Time) (bool, error) {
	defer q.lock()()
	n, ok := q.state.notifications[notificationID]
	if !ok || n.RecipientID != recipientID {
		return false, nil
	}
	if n.ReadAt == nil {
		n.ReadAt = &at
		q.state.notifications[notificationID] = n
	}
	return true, nil
}

func (q memQueries) MarkAllNotificationsRead(_ context.Context, recipientID string, at time.Time) (int, error) {
	defer q.lock()()
	count := 0
	for id, n := range q.state.notifications {
		if n.RecipientID == recipientID && n.ReadAt == nil {
			n.ReadAt = &at
			q.state.notifications[id] = n
			count++
		}
	}
	return count, nil
}

func (q memQueries) DeleteNotification(_ context.Context, recipientID, notificationID string) (bool, error) {
	defer q.lock()()
	n, ok := q.state.notifications[notificationID]
	if !ok || n.RecipientID != recipientID {
		return false, nil
	}
	delete(q.state.notifications, notificationID)
	return true, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

var _ Queries = memQueries{}
