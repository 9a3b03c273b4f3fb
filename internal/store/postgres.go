package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"scriptorium/api/internal/identity"
)

const maxTxAttempts = 3

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type PostgresStore struct {
	pgQueries
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgQueries: pgQueries{db: db}, db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction. Serialization failures and deadlocks
// rerun the whole unit of work.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Queries) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isRetryable(err) {
			return err
		}
	}
	return err
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(pgQueries{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func translate(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w (%s)", op, ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type pgQueries struct {
	db dbtx
}

func (q pgQueries) GetPerson(ctx context.Context, personID string) (identity.Person, error) {
	var person identity.Person
	err := q.db.QueryRowContext(ctx, `
		SELECT id, display_name, COALESCE(email, ''), COALESCE(external_id, '')
		FROM people
		WHERE id=$1
	`, personID).Scan(&person.AccountID, &person.DisplayName, &person.Email, &person.ExternalID)
	if err != nil {
		return identity.Person{}, err
	}
	return person, nil
}

func (q pgQueries) LookupPeople(ctx context.Context, keys identity.Set) ([]identity.Person, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, display_name, COALESCE(email, ''), COALESCE(external_id, '')
		FROM people
		WHERE ($1 <> '' AND id=$1)
			OR ($2 <> '' AND LOWER(email)=$2)
			OR ($3 <> '' AND UPPER(regexp_replace(TRIM(external_id), '^(https?://)?orcid\.org/', '', 'i'))=$3)
		ORDER BY created_at ASC, id ASC
	`, keys.Value(identity.KindAccount), keys.Value(identity.KindEmail), keys.Value(identity.KindExternal))
	if err != nil {
		return nil, fmt.Errorf("lookup people: %w", err)
	}
	defer rows.Close()

	people := make([]identity.Person, 0)
	for rows.Next() {
		var person identity.Person
		if err := rows.Scan(&person.AccountID, &person.DisplayName, &person.Email, &person.ExternalID); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		people = append(people, person)
	}
	return people, rows.Err()
}

func (q pgQueries) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := q.db.QueryRowContext(ctx, `
		SELECT id, title, created_by, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&doc.ID, &doc.Title, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (q pgQueries) InsertDocument(ctx context.Context, doc Document) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, doc.ID, doc.Title, doc.CreatedBy, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return translate(err, "insert document")
	}
	return nil
}

const collaboratorColumns = `
	c.id, c.document_id, c.person_id, c.role, c.can_edit, c.can_invite, c.can_delete,
	COALESCE(c.invitation_id, ''), c.created_at, p.display_name, COALESCE(p.email, '')
`

func scanCollaborator(row rowScanner) (Collaborator, error) {
	var c Collaborator
	err := row.Scan(
		&c.ID,
		&c.DocumentID,
		&c.PersonID,
		&c.Role,
		&c.CanEdit,
		&c.CanInvite,
		&c.CanDelete,
		&c.InvitationID,
		&c.CreatedAt,
		&c.PersonName,
		&c.PersonEmail,
	)
	return c, err
}

func (q pgQueries) GetCollaborator(ctx context.Context, documentID, personID string) (Collaborator, error) {
	return scanCollaborator(q.db.QueryRowContext(ctx, `
		SELECT `+collaboratorColumns+`
		FROM collaborators c
		JOIN people p ON p.id = c.person_id
		WHERE c.document_id=$1 AND c.person_id=$2
	`, documentID, personID))
}

// InsertCollaborator reports false when the person already collaborates on
// the document.
func (q pgQueries) InsertCollaborator(ctx context.Context, c Collaborator) (bool, error) {
	result, err := q.db.ExecContext(ctx, `
		INSERT INTO collaborators (id, document_id, person_id, role, can_edit, can_invite, can_delete, invitation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
		ON CONFLICT (document_id, person_id) DO NOTHING
	`, c.ID, c.DocumentID, c.PersonID, c.Role, c.CanEdit, c.CanInvite, c.CanDelete, c.InvitationID, c.CreatedAt)
	if err != nil {
		return false, translate(err, "insert collaborator")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert collaborator rows: %w", err)
	}
	return affected > 0, nil
}

func (q pgQueries) ListCollaborators(ctx context.Context, documentID string) ([]Collaborator, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+collaboratorColumns+`
		FROM collaborators c
		JOIN people p ON p.id = c.person_id
		WHERE c.document_id=$1
		ORDER BY c.created_at ASC, c.id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		c, err := scanCollaborator(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

const invitationColumns = `
	id, document_id, inviter_id, COALESCE(target_account_id, ''), COALESCE(target_email, ''),
	COALESCE(target_external_id, ''), role, status, created_at, expires_at, responded_at,
	COALESCE(responder_id, '')
`

func scanInvitation(row rowScanner) (Invitation, error) {
	var inv Invitation
	var respondedAt sql.NullTime
	err := row.Scan(
		&inv.ID,
		&inv.DocumentID,
		&inv.InviterID,
		&inv.TargetAccountID,
		&inv.TargetEmail,
		&inv.TargetExternalID,
		&inv.Role,
		&inv.Status,
		&inv.CreatedAt,
		&inv.ExpiresAt,
		&respondedAt,
		&inv.ResponderID,
	)
	if err != nil {
		return Invitation{}, err
	}
	if respondedAt.Valid {
		at := respondedAt.Time
		inv.RespondedAt = &at
	}
	return inv, nil
}

func (q pgQueries) InsertInvitation(ctx context.Context, inv Invitation) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO invitations (id, document_id, inviter_id, target_account_id, target_email, target_external_id, role, status, created_at, expires_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10)
	`, inv.ID, inv.DocumentID, inv.InviterID, inv.TargetAccountID, inv.TargetEmail, inv.TargetExternalID, inv.Role, inv.Status, inv.CreatedAt, inv.ExpiresAt)
	if err != nil {
		return translate(err, "insert invitation")
	}
	return nil
}

func (q pgQueries) GetInvitation(ctx context.Context, invitationID string) (Invitation, error) {
	return scanInvitation(q.db.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id=$1`, invitationID))
}

// LockInvitation reads the invitation with a row lock held until the
// surrounding transaction ends.
func (q pgQueries) LockInvitation(ctx context.Context, invitationID string) (Invitation, error) {
	return scanInvitation(q.db.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id=$1 FOR UPDATE`, invitationID))
}

func (q pgQueries) FindPendingInvitation(ctx context.Context, documentID string, keys identity.Set) (Invitation, error) {
	return scanInvitation(q.db.QueryRowContext(ctx, `
		SELECT `+invitationColumns+`
		FROM invitations
		WHERE document_id=$1
			AND status='PENDING'
			AND (($2 <> '' AND target_account_id=$2)
				OR ($3 <> '' AND LOWER(target_email)=$3)
				OR ($4 <> '' AND target_external_id=$4))
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, documentID, keys.Value(identity.KindAccount), keys.Value(identity.KindEmail), keys.Value(identity.KindExternal)))
}

func (q pgQueries) RefreshPendingInvitation(ctx context.Context, invitationID, role string, expiresAt time.Time) (bool, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE invitations
		SET role=$2, expires_at=$3
		WHERE id=$1 AND status='PENDING'
	`, invitationID, role, expiresAt)
	if err != nil {
		return false, fmt.Errorf("refresh invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("refresh invitation rows: %w", err)
	}
	return affected > 0, nil
}

// TransitionInvitation moves a PENDING invitation to status. It reports false
// when the invitation has already left PENDING.
func (q pgQueries) TransitionInvitation(ctx context.Context, invitationID, status, responderID string, at time.Time) (bool, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE invitations
		SET status=$2, responder_id=NULLIF($3, ''), responded_at=$4
		WHERE id=$1 AND status='PENDING'
	`, invitationID, status, responderID, at)
	if err != nil {
		return false, fmt.Errorf("transition invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition invitation rows: %w", err)
	}
	return affected > 0, nil
}

func (q pgQueries) ListInvitations(ctx context.Context, documentID string) ([]Invitation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+invitationColumns+`
		FROM invitations
		WHERE document_id=$1
		ORDER BY created_at DESC, id DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	return collectInvitations(rows)
}

func (q pgQueries) ListInvitationsForKeys(ctx context.Context, keys identity.Set, status string) ([]Invitation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+invitationColumns+`
		FROM invitations
		WHERE ($4 = '' OR status=$4)
			AND (($1 <> '' AND target_account_id=$1)
				OR ($2 <> '' AND LOWER(target_email)=$2)
				OR ($3 <> '' AND target_external_id=$3))
		ORDER BY created_at DESC, id DESC
	`, keys.Value(identity.KindAccount), keys.Value(identity.KindEmail), keys.Value(identity.KindExternal), status)
	if err != nil {
		return nil, fmt.Errorf("list invitations for keys: %w", err)
	}
	return collectInvitations(rows)
}

func collectInvitations(rows *sql.Rows) ([]Invitation, error) {
	defer rows.Close()
	items := make([]Invitation, 0)
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		items = append(items, inv)
	}
	return items, rows.Err()
}

const changeColumns = `
	id, document_id, kind, content, old_content, style, position, author_id, status,
	created_at, resolved_at, COALESCE(resolved_by, '')
`

func scanChange(row rowScanner) (TrackedChange, error) {
	var change TrackedChange
	var styleRaw []byte
	var position sql.NullInt64
	var resolvedAt sql.NullTime
	err := row.Scan(
		&change.ID,
		&change.DocumentID,
		&change.Kind,
		&change.Content,
		&change.OldContent,
		&styleRaw,
		&position,
		&change.AuthorID,
		&change.Status,
		&change.CreatedAt,
		&resolvedAt,
		&change.ResolvedBy,
	)
	if err != nil {
		return TrackedChange{}, err
	}
	if len(styleRaw) > 0 {
		if err := json.Unmarshal(styleRaw, &change.Style); err != nil {
			return TrackedChange{}, fmt.Errorf("decode change style: %w", err)
		}
	}
	if position.Valid {
		p := int(position.Int64)
		change.Position = &p
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time
		change.ResolvedAt = &at
	}
	return change, nil
}

func (q pgQueries) InsertChange(ctx context.Context, change TrackedChange) error {
	var style any
	if len(change.Style) > 0 {
		encoded, err := json.Marshal(change.Style)
		if err != nil {
			return fmt.Errorf("marshal change style: %w", err)
		}
		style = string(encoded)
	}
	var position any
	if change.Position != nil {
		position = *change.Position
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tracked_changes (id, document_id, kind, content, old_content, style, position, author_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10)
	`, change.ID, change.DocumentID, change.Kind, change.Content, change.OldContent, style, position, change.AuthorID, change.Status, change.CreatedAt)
	if err != nil {
		return translate(err, "insert tracked change")
	}
	return nil
}

func (q pgQueries) GetChange(ctx context.Context, changeID string) (TrackedChange, error) {
	return scanChange(q.db.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM tracked_changes WHERE id=$1`, changeID))
}

// ResolveChange reports false when the change is no longer PENDING, which is
// how the loser of a concurrent resolution finds out.
func (q pgQueries) ResolveChange(ctx context.Context, changeID, status, resolverID string, at time.Time) (bool, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE tracked_changes
		SET status=$2, resolved_by=$3, resolved_at=$4
		WHERE id=$1 AND status='PENDING'
	`, changeID, status, resolverID, at)
	if err != nil {
		return false, fmt.Errorf("resolve tracked change: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve tracked change rows: %w", err)
	}
	return affected > 0, nil
}

func (q pgQueries) ResolvePendingChanges(ctx context.Context, documentID, status, resolverID string, at time.Time) ([]TrackedChange, error) {
	rows, err := q.db.QueryContext(ctx, `
		UPDATE tracked_changes
		SET status=$2, resolved_by=$3, resolved_at=$4
		WHERE document_id=$1 AND status='PENDING'
		RETURNING `+changeColumns, documentID, status, resolverID, at)
	if err != nil {
		return nil, fmt.Errorf("bulk resolve tracked changes: %w", err)
	}
	return collectChanges(rows)
}

func (q pgQueries) ListChanges(ctx context.Context, filter ChangeFilter) ([]TrackedChange, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+changeColumns+`
		FROM tracked_changes
		WHERE document_id=$1 AND ($2 = '' OR status=$2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, filter.DocumentID, filter.Status, normalizeLimit(filter.Limit, 50, 200), normalizeOffset(filter.Offset))
	if err != nil {
		return nil, fmt.Errorf("list tracked changes: %w", err)
	}
	return collectChanges(rows)
}

func (q pgQueries) CountChanges(ctx context.Context, documentID, status string) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM tracked_changes
		WHERE document_id=$1 AND ($2 = '' OR status=$2)
	`, documentID, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tracked changes: %w", err)
	}
	return count, nil
}

func collectChanges(rows *sql.Rows) ([]TrackedChange, error) {
	defer rows.Close()
	items := make([]TrackedChange, 0)
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tracked change: %w", err)
		}
		items = append(items, change)
	}
	return items, rows.Err()
}

const notificationColumns = `id, recipient_id, type, title, message, payload, read_at, created_at`

func scanNotification(row rowScanner) (Notification, error) {
	var n Notification
	var payloadRaw []byte
	var readAt sql.NullTime
	if err := row.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Message, &payloadRaw, &readAt, &n.CreatedAt); err != nil {
		return Notification{}, err
	}
	n.Payload = map[string]any{}
	if len(payloadRaw) > 0 {
		if err := json.Unmarshal(payloadRaw, &n.Payload); err != nil {
			return Notification{}, fmt.Errorf("decode notification payload %s: %w", n.ID, err)
		}
	}
	if readAt.Valid {
		at := readAt.Time
		n.ReadAt = &at
	}
	return n, nil
}

func (q pgQueries) InsertNotification(ctx context.Context, n Notification) error {
	payload := n.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, type, title, message, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`, n.ID, n.RecipientID, n.Type, n.Title, n.Message, string(encoded), n.CreatedAt)
	if err != nil {
		return translate(err, "insert notification")
	}
	return nil
}

func (q pgQueries) GetNotification(ctx context.Context, notificationID string) (Notification, error) {
	return scanNotification(q.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=$1`, notificationID))
}

func (q pgQueries) ListNotifications(ctx context.Context, recipientID string, filter NotificationFilter) ([]Notification, int, error) {
	var total int
	if err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM notifications
		WHERE recipient_id=$1 AND ($2::boolean IS NULL OR (read_at IS NOT NULL) = $2::boolean)
	`, recipientID, filter.Read).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE recipient_id=$1 AND ($2::boolean IS NULL OR (read_at IS NOT NULL) = $2::boolean)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, recipientID, filter.Read, normalizeLimit(filter.Limit, 20, 100), normalizeOffset(filter.Offset))
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

func (q pgQueries) CountUnreadNotifications(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE recipient_id=$1 AND read_at IS NULL
	`, recipientID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead keeps the first read time on repeated calls.
func (q pgQueries) MarkNotificationRead(ctx context.Context, recipientID, notificationID string, at time.Time) (bool, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE notifications
		SET read_at=COALESCE(read_at, $3)
		WHERE recipient_id=$1 AND id=$2
	`, recipientID, notificationID, at)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read rows: %w", err)
	}
	return affected > 0, nil
}

func (q pgQueries) MarkAllNotificationsRead(ctx context.Context, recipientID string, at time.Time) (int, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE notifications SET read_at=$2 WHERE recipient_id=$1 AND read_at IS NULL
	`, recipientID, at)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read rows: %w", err)
	}
	return int(affected), nil
}

func (q pgQueries) DeleteNotification(ctx context.Context, recipientID, notificationID string) (bool, error) {
	result, err := q.db.ExecContext(ctx, `DELETE FROM notifications WHERE recipient_id=$1 AND id=$2`, recipientID, notificationID)
	if err != nil {
		return false, fmt.Errorf("delete notification: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete notification rows: %w", err)
	}
	return affected > 0, nil
}

var _ Queries = pgQueries{}
