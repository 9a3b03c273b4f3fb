package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"scriptorium/api/internal/notify"
	"scriptorium/api/internal/store"
	"scriptorium/api/internal/util"
)

type ProposeChangeInput struct {
	Kind       string         `json:"kind" validate:"required,oneof=INSERT DELETE REPLACE FORMAT"`
	Content    string         `json:"content"`
	OldContent string         `json:"oldContent"`
	Style      map[string]any `json:"style"`
	Position   *int           `json:"position" validate:"omitempty,min=0"`
}

func (in *ProposeChangeInput) Validate() error {
	in.Kind = strings.ToUpper(strings.TrimSpace(in.Kind))
	if err := validate.Struct(in); err != nil {
		return validationError(err)
	}
	switch in.Kind {
	case store.ChangeInsert, store.ChangeDelete:
		if in.Content == "" {
			return errInvalidPayload(in.Kind+" changes need content", map[string]any{"fields": map[string]string{"content": "required"}})
		}
	case store.ChangeReplace:
		missing := map[string]string{}
		if in.OldContent == "" {
			missing["oldContent"] = "required"
		}
		if in.Content == "" {
			missing["content"] = "required"
		}
		if len(missing) > 0 {
			return errInvalidPayload("REPLACE changes need oldContent and content", map[string]any{"fields": missing})
		}
	case store.ChangeFormat:
		if len(in.Style) == 0 {
			return errInvalidPayload("FORMAT changes need a style", map[string]any{"fields": map[string]string{"style": "required"}})
		}
	}
	return nil
}

func (s *Service) ProposeChange(ctx context.Context, session Session, documentID string, input ProposeChangeInput) (store.TrackedChange, error) {
	if err := input.Validate(); err != nil {
		return store.TrackedChange{}, err
	}
	a, err := documentAccess(ctx, s.store, documentID, session.PersonID())
	if err != nil {
		return store.TrackedChange{}, err
	}
	if !a.caps.CanEdit {
		return store.TrackedChange{}, errNotAuthorized("You cannot propose changes on this document", map[string]any{"documentId": documentID})
	}
	change := store.TrackedChange{
		ID:         util.NewID("chg"),
		DocumentID: documentID,
		Kind:       input.Kind,
		Content:    input.Content,
		OldContent: input.OldContent,
		Style:      input.Style,
		Position:   input.Position,
		AuthorID:   session.PersonID(),
		Status:     store.ChangePending,
		CreatedAt:  s.clock(),
	}
	if err := s.store.InsertChange(ctx, change); err != nil {
		return store.TrackedChange{}, err
	}
	return change, nil
}

func parseResolution(value string) (string, error) {
	switch status := strings.ToUpper(strings.TrimSpace(value)); status {
	case store.ChangeAccepted, store.ChangeRejected:
		return status, nil
	default:
		return "", errInvalidPayload("status must be ACCEPTED or REJECTED", map[string]any{"status": value})
	}
}

// ResolveChange moves one PENDING change to ACCEPTED or REJECTED. When two
// callers race, the conditional update lets exactly one win.
func (s *Service) ResolveChange(ctx context.Context, session Session, changeID, decision string) (store.TrackedChange, error) {
	status, err := parseResolution(decision)
	if err != nil {
		return store.TrackedChange{}, err
	}
	now := s.clock()
	var result store.TrackedChange
	err = s.withTx(ctx, func(q store.Queries, record func(notify.Message) error) error {
		change, err := q.GetChange(ctx, changeID)
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("change")
		}
		if err != nil {
			return err
		}
		a, err := documentAccess(ctx, q, change.DocumentID, session.PersonID())
		if err != nil {
			return err
		}
		if err := requireMember(a); err != nil {
			return err
		}
		if change.Status != store.ChangePending {
			return errAlreadyResolved("Change has already been resolved", change.Status)
		}
		ok, err := q.ResolveChange(ctx, change.ID, status, session.PersonID(), now)
		if err != nil {
			return err
		}
		if !ok {
			current, err := q.GetChange(ctx, change.ID)
			if err != nil {
				return err
			}
			return errAlreadyResolved("Change has already been resolved", current.Status)
		}
		change.Status = status
		change.ResolvedBy = session.PersonID()
		resolvedAt := now
		change.ResolvedAt = &resolvedAt
		result = change

		if change.AuthorID == session.PersonID() {
			return nil
		}
		msg := notify.Message{
			RecipientID: change.AuthorID,
			Type:        notify.TypeChangeAccepted,
			Title:       "Your change was accepted",
			Message:     fmt.Sprintf("%s accepted your %s change in %q", displayName(session.Person), strings.ToLower(change.Kind), a.doc.Title),
			Payload: map[string]any{
				"changeId":   change.ID,
				"documentId": change.DocumentID,
				"status":     status,
			},
		}
		if status == store.ChangeRejected {
			msg.Type = notify.TypeChangeRejected
			msg.Title = "Your change was rejected"
			msg.Message = fmt.Sprintf("%s rejected your %s change in %q", displayName(session.Person), strings.ToLower(change.Kind), a.doc.Title)
		}
		return record(msg)
	})
	if err != nil {
		return store.TrackedChange{}, err
	}
	s.metrics.changeResolutions.WithLabelValues(status, "single").Inc()
	return result, nil
}

// BulkResolveChanges resolves every PENDING change of the document in one
// transaction and returns how many moved. Authors other than the caller get
// one summary notification each.
func (s *Service) BulkResolveChanges(ctx context.Context, session Session, documentID, decision string) (int, error) {
	status, err := parseResolution(decision)
	if err != nil {
		return 0, err
	}
	now := s.clock()
	var count int
	err = s.withTx(ctx, func(q store.Queries, record func(notify.Message) error) error {
		a, err := documentAccess(ctx, q, documentID, session.PersonID())
		if err != nil {
			return err
		}
		if err := requireMember(a); err != nil {
			return err
		}
		resolved, err := q.ResolvePendingChanges(ctx, documentID, status, session.PersonID(), now)
		if err != nil {
			return err
		}
		count = len(resolved)

		perAuthor := make(map[string]int)
		var authors []string
		for _, change := range resolved {
			if change.AuthorID == session.PersonID() {
				continue
			}
			if perAuthor[change.AuthorID] == 0 {
				authors = append(authors, change.AuthorID)
			}
			perAuthor[change.AuthorID]++
		}
		verb := strings.ToLower(status)
		for _, author := range authors {
			err := record(notify.Message{
				RecipientID: author,
				Type:        notify.TypeChangesBulkResolved,
				Title:       "Your changes were " + verb,
				Message:     fmt.Sprintf("%s %s %d of your changes in %q", displayName(session.Person), verb, perAuthor[author], a.doc.Title),
				Payload: map[string]any{
					"documentId": documentID,
					"status":     status,
					"count":      perAuthor[author],
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.metrics.changeResolutions.WithLabelValues(status, "bulk").Add(float64(count))
	s.logger.InfoContext(ctx, "changes bulk resolved",
		"document_id", documentID,
		"status", status,
		"count", count,
	)
	return count, nil
}

type ChangeQuery struct {
	Status string
	Limit  int
	Offset int
}

func (s *Service) ListChanges(ctx context.Context, session Session, documentID string, query ChangeQuery) ([]store.TrackedChange, error) {
	status := strings.ToUpper(strings.TrimSpace(query.Status))
	switch status {
	case "", store.ChangePending, store.ChangeAccepted, store.ChangeRejected:
	default:
		return nil, errInvalidPayload("status must be PENDING, ACCEPTED or REJECTED", map[string]any{"status": query.Status})
	}
	a, err := documentAccess(ctx, s.store, documentID, session.PersonID())
	if err != nil {
		return nil, err
	}
	if err := requireMember(a); err != nil {
		return nil, err
	}
	return s.store.ListChanges(ctx, store.ChangeFilter{
		DocumentID: documentID,
		Status:     status,
		Limit:      query.Limit,
		Offset:     query.Offset,
	})
}

func (s *Service) PendingChangeCount(ctx context.Context, session Session, documentID string) (int, error) {
	a, err := documentAccess(ctx, s.store, documentID, session.PersonID())
	if err != nil {
		return 0, err
	}
	if err := requireMember(a); err != nil {
		return 0, err
	}
	return s.store.CountChanges(ctx, documentID, store.ChangePending)
}
