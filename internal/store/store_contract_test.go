package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"scriptorium/api/internal/identity"
	"scriptorium/api/internal/util"
)

var (
	alice = identity.Person{AccountID: "usr_alice", DisplayName: "Alice", Email: "alice@example.org"}
	bob   = identity.Person{AccountID: "usr_bob", DisplayName: "Bob", Email: "Bob@Example.org", ExternalID: "0000-0002-1825-0097"}
	dana  = identity.Person{AccountID: "usr_dana", DisplayName: "Dana", ExternalID: "https://orcid.org/0000-0002-1694-233x"}
)

// runStoreContract exercises behaviour both Store implementations share.
func runStoreContract(t *testing.T, s Store, seed func(identity.Person)) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed(alice)
	seed(bob)
	seed(dana)

	doc := Document{ID: util.NewID("doc"), Title: "Draft", CreatedBy: alice.AccountID, CreatedAt: now, UpdatedAt: now}
	if err := s.InsertDocument(ctx, doc); err != nil {
		t.Fatalf("InsertDocument() error = %v", err)
	}

	t.Run("lookup people by any key", func(t *testing.T) {
		people, err := s.LookupPeople(ctx, identity.NewSet(identity.EmailKey("bob@example.org")))
		if err != nil {
			t.Fatalf("LookupPeople() error = %v", err)
		}
		if len(people) != 1 || people[0].AccountID != bob.AccountID {
			t.Fatalf("unexpected people: %+v", people)
		}
		if _, err := s.GetPerson(ctx, "usr_missing"); !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("expected sql.ErrNoRows, got %v", err)
		}
	})

	t.Run("lookup people by stored orcid url", func(t *testing.T) {
		for _, raw := range []string{"0000-0002-1694-233X", "orcid.org/0000-0002-1694-233x"} {
			people, err := s.LookupPeople(ctx, identity.NewSet(identity.ExternalKey(raw)))
			if err != nil {
				t.Fatalf("LookupPeople(%q) error = %v", raw, err)
			}
			if len(people) != 1 || people[0].AccountID != dana.AccountID {
				t.Fatalf("LookupPeople(%q) = %+v", raw, people)
			}
		}
		resolved, err := identity.NewResolver(s).Resolve(ctx, identity.NewSet(identity.ExternalKey("0000-0002-1694-233X")))
		if err != nil || resolved.AccountID != dana.AccountID {
			t.Fatalf("Resolve() = %+v, %v", resolved, err)
		}
	})

	t.Run("collaborator is unique per document", func(t *testing.T) {
		c := Collaborator{ID: util.NewID("col"), DocumentID: doc.ID, PersonID: bob.AccountID, Role: "EDITOR", CanEdit: true, CreatedAt: now}
		inserted, err := s.InsertCollaborator(ctx, c)
		if err != nil || !inserted {
			t.Fatalf("first insert = %v, %v", inserted, err)
		}
		c.ID = util.NewID("col")
		inserted, err = s.InsertCollaborator(ctx, c)
		if err != nil || inserted {
			t.Fatalf("second insert = %v, %v; want false, nil", inserted, err)
		}
		got, err := s.GetCollaborator(ctx, doc.ID, bob.AccountID)
		if err != nil {
			t.Fatalf("GetCollaborator() error = %v", err)
		}
		if got.PersonName != "Bob" || !got.CanEdit {
			t.Fatalf("unexpected collaborator: %+v", got)
		}
		list, err := s.ListCollaborators(ctx, doc.ID)
		if err != nil || len(list) != 1 {
			t.Fatalf("ListCollaborators() = %d, %v", len(list), err)
		}
	})

	t.Run("invitation transitions once", func(t *testing.T) {
		inv := Invitation{
			ID:          util.NewID("inv"),
			DocumentID:  doc.ID,
			InviterID:   alice.AccountID,
			TargetEmail: "carol@example.org",
			Role:        "REVIEWER",
			Status:      InvitationPending,
			CreatedAt:   now,
			ExpiresAt:   now.Add(time.Hour),
		}
		if err := s.InsertInvitation(ctx, inv); err != nil {
			t.Fatalf("InsertInvitation() error = %v", err)
		}
		found, err := s.FindPendingInvitation(ctx, doc.ID, identity.NewSet(identity.EmailKey("CAROL@example.org")))
		if err != nil || found.ID != inv.ID {
			t.Fatalf("FindPendingInvitation() = %+v, %v", found, err)
		}
		ok, err := s.TransitionInvitation(ctx, inv.ID, InvitationDeclined, "", now)
		if err != nil || !ok {
			t.Fatalf("first transition = %v, %v", ok, err)
		}
		ok, err = s.TransitionInvitation(ctx, inv.ID, InvitationAccepted, "", now)
		if err != nil || ok {
			t.Fatalf("second transition = %v, %v; want false, nil", ok, err)
		}
		stored, err := s.GetInvitation(ctx, inv.ID)
		if err != nil {
			t.Fatalf("GetInvitation() error = %v", err)
		}
		if stored.Status != InvitationDeclined || stored.RespondedAt == nil {
			t.Fatalf("unexpected invitation: %+v", stored)
		}
		if _, err := s.FindPendingInvitation(ctx, doc.ID, identity.NewSet(identity.EmailKey("carol@example.org"))); !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("expected no pending invitation, got %v", err)
		}
	})

	t.Run("one pending invitation per target", func(t *testing.T) {
		first := Invitation{
			ID:          util.NewID("inv"),
			DocumentID:  doc.ID,
			InviterID:   alice.AccountID,
			TargetEmail: "erin@example.org",
			Role:        "EDITOR",
			Status:      InvitationPending,
			CreatedAt:   now,
			ExpiresAt:   now.Add(time.Hour),
		}
		if err := s.InsertInvitation(ctx, first); err != nil {
			t.Fatalf("InsertInvitation() error = %v", err)
		}
		second := first
		second.ID = util.NewID("inv")
		second.TargetEmail = "Erin@Example.org"
		if err := s.InsertInvitation(ctx, second); !errors.Is(err, ErrConflict) {
			t.Fatalf("duplicate pending insert error = %v; want ErrConflict", err)
		}

		otherDoc := Document{ID: util.NewID("doc"), Title: "Other", CreatedBy: alice.AccountID, CreatedAt: now, UpdatedAt: now}
		if err := s.InsertDocument(ctx, otherDoc); err != nil {
			t.Fatalf("InsertDocument() error = %v", err)
		}
		elsewhere := second
		elsewhere.DocumentID = otherDoc.ID
		if err := s.InsertInvitation(ctx, elsewhere); err != nil {
			t.Fatalf("insert on another document error = %v", err)
		}

		if ok, err := s.TransitionInvitation(ctx, first.ID, InvitationExpired, "", now); err != nil || !ok {
			t.Fatalf("expire = %v, %v", ok, err)
		}
		if err := s.InsertInvitation(ctx, second); err != nil {
			t.Fatalf("insert after expiry error = %v", err)
		}
	})

	t.Run("concurrent responders transition once", func(t *testing.T) {
		inv := Invitation{
			ID:              util.NewID("inv"),
			DocumentID:      doc.ID,
			InviterID:       alice.AccountID,
			TargetAccountID: dana.AccountID,
			Role:            "VIEWER",
			Status:          InvitationPending,
			CreatedAt:       now,
			ExpiresAt:       now.Add(time.Hour),
		}
		if err := s.InsertInvitation(ctx, inv); err != nil {
			t.Fatalf("InsertInvitation() error = %v", err)
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins []string
			errs []error
		)
		for _, status := range []string{InvitationAccepted, InvitationDeclined} {
			wg.Add(1)
			go func(status string) {
				defer wg.Done()
				err := s.WithTx(ctx, func(q Queries) error {
					locked, err := q.LockInvitation(ctx, inv.ID)
					if err != nil {
						return err
					}
					if locked.Status != InvitationPending {
						return nil
					}
					ok, err := q.TransitionInvitation(ctx, inv.ID, status, dana.AccountID, now)
					if err != nil {
						return err
					}
					if ok {
						mu.Lock()
						wins = append(wins, status)
						mu.Unlock()
					}
					return nil
				})
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}(status)
		}
		wg.Wait()

		if len(errs) != 0 {
			t.Fatalf("unexpected errors: %v", errs)
		}
		if len(wins) != 1 {
			t.Fatalf("expected exactly one transition, got %v", wins)
		}
		stored, err := s.GetInvitation(ctx, inv.ID)
		if err != nil {
			t.Fatalf("GetInvitation() error = %v", err)
		}
		if stored.Status != wins[0] {
			t.Fatalf("stored status %s, winner %s", stored.Status, wins[0])
		}
	})

	t.Run("changes resolve once and bulk resolve covers pending", func(t *testing.T) {
		position := 4
		first := TrackedChange{ID: util.NewID("chg"), DocumentID: doc.ID, Kind: ChangeInsert, Content: "a", Position: &position, AuthorID: bob.AccountID, Status: ChangePending, CreatedAt: now}
		second := TrackedChange{ID: util.NewID("chg"), DocumentID: doc.ID, Kind: ChangeFormat, Style: map[string]any{"bold": true}, AuthorID: bob.AccountID, Status: ChangePending, CreatedAt: now.Add(time.Second)}
		third := TrackedChange{ID: util.NewID("chg"), DocumentID: doc.ID, Kind: ChangeDelete, Content: "b", AuthorID: alice.AccountID, Status: ChangePending, CreatedAt: now.Add(2 * time.Second)}
		for _, change := range []TrackedChange{first, second, third} {
			if err := s.InsertChange(ctx, change); err != nil {
				t.Fatalf("InsertChange() error = %v", err)
			}
		}

		ok, err := s.ResolveChange(ctx, first.ID, ChangeAccepted, alice.AccountID, now)
		if err != nil || !ok {
			t.Fatalf("first resolve = %v, %v", ok, err)
		}
		ok, err = s.ResolveChange(ctx, first.ID, ChangeRejected, alice.AccountID, now)
		if err != nil || ok {
			t.Fatalf("second resolve = %v, %v; want false, nil", ok, err)
		}

		stored, err := s.GetChange(ctx, second.ID)
		if err != nil {
			t.Fatalf("GetChange() error = %v", err)
		}
		if stored.Style["bold"] != true {
			t.Fatalf("style not round-tripped: %+v", stored.Style)
		}

		listed, err := s.ListChanges(ctx, ChangeFilter{DocumentID: doc.ID})
		if err != nil || len(listed) != 3 || listed[0].ID != third.ID {
			t.Fatalf("ListChanges() newest first = %+v, %v", listed, err)
		}

		resolved, err := s.ResolvePendingChanges(ctx, doc.ID, ChangeRejected, alice.AccountID, now)
		if err != nil || len(resolved) != 2 {
			t.Fatalf("ResolvePendingChanges() = %d, %v", len(resolved), err)
		}
		pending, err := s.CountChanges(ctx, doc.ID, ChangePending)
		if err != nil || pending != 0 {
			t.Fatalf("pending count = %d, %v", pending, err)
		}
		accepted, err := s.GetChange(ctx, first.ID)
		if err != nil || accepted.Status != ChangeAccepted {
			t.Fatalf("bulk resolve touched a terminal change: %+v, %v", accepted, err)
		}
	})

	t.Run("notifications read side", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			n := Notification{
				ID:          util.NewID("ntf"),
				RecipientID: alice.AccountID,
				Type:        "CHANGE_ACCEPTED",
				Title:       "Change accepted",
				Message:     "ok",
				Payload:     map[string]any{"documentId": doc.ID},
				CreatedAt:   now.Add(time.Duration(i) * time.Second),
			}
			if err := s.InsertNotification(ctx, n); err != nil {
				t.Fatalf("InsertNotification() error = %v", err)
			}
		}
		items, total, err := s.ListNotifications(ctx, alice.AccountID, NotificationFilter{Limit: 2})
		if err != nil || total != 3 || len(items) != 2 {
			t.Fatalf("ListNotifications() = %d items, total %d, %v", len(items), total, err)
		}

		ok, err := s.MarkNotificationRead(ctx, alice.AccountID, items[0].ID, now)
		if err != nil || !ok {
			t.Fatalf("MarkNotificationRead() = %v, %v", ok, err)
		}
		ok, err = s.MarkNotificationRead(ctx, alice.AccountID, items[0].ID, now.Add(time.Hour))
		if err != nil || !ok {
			t.Fatalf("repeat MarkNotificationRead() = %v, %v", ok, err)
		}
		read, err := s.GetNotification(ctx, items[0].ID)
		if err != nil || read.ReadAt == nil || !read.ReadAt.Equal(now) {
			t.Fatalf("read time should stay at first read: %+v, %v", read.ReadAt, err)
		}

		unread, err := s.CountUnreadNotifications(ctx, alice.AccountID)
		if err != nil || unread != 2 {
			t.Fatalf("unread = %d, %v", unread, err)
		}
		if ok, _ := s.DeleteNotification(ctx, bob.AccountID, items[1].ID); ok {
			t.Fatal("deleting someone else's notification must not succeed")
		}
		marked, err := s.MarkAllNotificationsRead(ctx, alice.AccountID, now)
		if err != nil || marked != 2 {
			t.Fatalf("MarkAllNotificationsRead() = %d, %v", marked, err)
		}
	})

	t.Run("failed unit of work rolls back", func(t *testing.T) {
		boom := errors.New("boom")
		changeID := util.NewID("chg")
		err := s.WithTx(ctx, func(q Queries) error {
			if err := q.InsertChange(ctx, TrackedChange{ID: changeID, DocumentID: doc.ID, Kind: ChangeInsert, Content: "x", AuthorID: bob.AccountID, Status: ChangePending, CreatedAt: now}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, err := s.GetChange(ctx, changeID); !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("expected rolled back change, got %v", err)
		}
	})
}

func TestMemoryStoreContract(t *testing.T) {
	s := NewMemoryStore()
	runStoreContract(t, s, s.AddPerson)
}

func TestPostgresStoreContract(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, migrationsDir(t)); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := NewPostgresStore(db)
	runStoreContract(t, s, func(p identity.Person) {
		_, err := db.ExecContext(ctx, `
			INSERT INTO people (id, display_name, email, external_id)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
		`, p.AccountID, p.DisplayName, p.Email, p.ExternalID)
		if err != nil {
			t.Fatalf("seed person: %v", err)
		}
	})
}
