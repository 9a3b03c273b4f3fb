package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"scriptorium/api/internal/identity"
	"scriptorium/api/internal/util"
)

func migrationsDir(t *testing.T) fs.FS {
	t.Helper()
	return os.DirFS(filepath.Join("..", "..", "db", "migrations"))
}

// TestTerminalGuardBlocksReopen verifies the database rejects a raw UPDATE
// that moves a resolved change back to PENDING.
func TestTerminalGuardBlocksReopen(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := openTestDB(t)
	ctx := context.Background()
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, migrationsDir(t)); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	s := NewPostgresStore(db)
	now := time.Now().UTC()
	if _, err := db.ExecContext(ctx, `INSERT INTO people (id, display_name, email) VALUES ('usr_guard', 'Guard', 'guard@example.org')`); err != nil {
		t.Fatalf("seed person: %v", err)
	}
	doc := Document{ID: util.NewID("doc"), Title: "Guarded", CreatedBy: "usr_guard", CreatedAt: now, UpdatedAt: now}
	if err := s.InsertDocument(ctx, doc); err != nil {
		t.Fatalf("insert document: %v", err)
	}
	change := TrackedChange{ID: util.NewID("chg"), DocumentID: doc.ID, Kind: ChangeInsert, Content: "x", AuthorID: "usr_guard", Status: ChangePending, CreatedAt: now}
	if err := s.InsertChange(ctx, change); err != nil {
		t.Fatalf("insert change: %v", err)
	}
	if ok, err := s.ResolveChange(ctx, change.ID, ChangeAccepted, "usr_guard", now); err != nil || !ok {
		t.Fatalf("resolve change = %v, %v", ok, err)
	}

	_, err := db.ExecContext(ctx, `UPDATE tracked_changes SET status='PENDING' WHERE id=$1`, change.ID)
	if err == nil {
		t.Fatal("expected UPDATE to be blocked, but it succeeded")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PgError, got %T: %v", err, err)
	}
	if pgErr.Code != "55000" {
		t.Fatalf("expected SQLSTATE 55000, got %s: %s", pgErr.Code, pgErr.Message)
	}
}

func TestLookupPeopleMatchesEmailCaseInsensitively(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, migrationsDir(t)); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO people (id, display_name, email) VALUES ('usr_mixed', 'Mixed', 'Mixed.Case@Example.org')`); err != nil {
		t.Fatalf("seed person: %v", err)
	}
	people, err := NewPostgresStore(db).LookupPeople(ctx, identity.NewSet(identity.EmailKey("mixed.case@example.org")))
	if err != nil {
		t.Fatalf("LookupPeople() error = %v", err)
	}
	if len(people) != 1 || people[0].AccountID != "usr_mixed" {
		t.Fatalf("unexpected people: %+v", people)
	}
}

func TestNormalizeDSN(t *testing.T) {
	cases := map[string]string{
		"postgresql+asyncpg://u:p@h/db": "postgresql://u:p@h/db",
		"postgres+pgx://u:p@h/db":       "postgres://u:p@h/db",
		"  postgres://u:p@h/db ":        "postgres://u:p@h/db",
	}
	for in, want := range cases {
		if got := normalizeDSN(in); got != want {
			t.Fatalf("normalizeDSN(%q) = %q, want %q", in, got, want)
		}
	}
}
