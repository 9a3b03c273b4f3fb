package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"scriptorium/api/internal/identity"
	"scriptorium/api/internal/notify"
	"scriptorium/api/internal/rbac"
	"scriptorium/api/internal/store"
	"scriptorium/api/internal/util"
)

type CreateInvitationInput struct {
	AccountID string `json:"accountId" validate:"omitempty,max=128"`
	Email     string `json:"email" validate:"omitempty,email,max=320"`
	ORCID     string `json:"orcid" validate:"omitempty,max=64"`
	Role      string `json:"role" validate:"required"`
}

func (in *CreateInvitationInput) Validate() error {
	in.AccountID = strings.TrimSpace(in.AccountID)
	in.Email = strings.TrimSpace(in.Email)
	in.ORCID = strings.TrimSpace(in.ORCID)
	return validate.Struct(in)
}

func (in CreateInvitationInput) keys() identity.Set {
	return identity.NewSet(
		identity.AccountKey(in.AccountID),
		identity.EmailKey(in.Email),
		identity.ExternalKey(in.ORCID),
	)
}

// CreateInvitation issues a PENDING invitation, or refreshes the live one
// already addressed to any of the same keys.
func (s *Service) CreateInvitation(ctx context.Context, session Session, documentID string, input CreateInvitationInput) (store.Invitation, error) {
	if err := input.Validate(); err != nil {
		return store.Invitation{}, validationError(err)
	}
	keys := input.keys()
	if keys.Empty() {
		return store.Invitation{}, errInvalidPayload("An accountId, email or orcid is required", nil)
	}
	role, ok := rbac.Parse(input.Role)
	if !ok || !rbac.Invitable(role) {
		return store.Invitation{}, errInvalidPayload("Role cannot be granted by invitation", map[string]any{"role": input.Role})
	}

	now := s.clock()
	expiresAt := now.Add(s.cfg.InvitationTTL)
	var result store.Invitation
	issue := func(q store.Queries, record func(notify.Message) error) error {
		a, err := documentAccess(ctx, q, documentID, session.PersonID())
		if err != nil {
			return err
		}
		if !a.caps.CanInvite {
			return errNotAuthorized("You cannot invite collaborators to this document", map[string]any{"documentId": documentID})
		}

		target, err := identity.NewResolver(q).Resolve(ctx, keys)
		resolved := err == nil
		if err != nil && !errors.Is(err, identity.ErrNotFound) {
			return fmt.Errorf("resolve invitee: %w", err)
		}
		lookups := []identity.Set{keys}
		if resolved {
			if target.AccountID == a.doc.CreatedBy {
				return errConflict("The document owner cannot be invited", map[string]any{"personId": target.AccountID})
			}
			_, err := q.GetCollaborator(ctx, documentID, target.AccountID)
			if err == nil {
				return errConflict("This person is already a collaborator", map[string]any{"personId": target.AccountID})
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			lookups = append(lookups, target.Keys())
		}

		existing, err := findPending(ctx, q, documentID, lookups)
		switch {
		case err == nil && now.After(existing.ExpiresAt):
			if _, err := q.TransitionInvitation(ctx, existing.ID, store.InvitationExpired, "", now); err != nil {
				return err
			}
			s.metrics.invitationTransitions.WithLabelValues(store.InvitationExpired).Inc()
		case err == nil:
			refreshed, err := q.RefreshPendingInvitation(ctx, existing.ID, string(role), expiresAt)
			if err != nil {
				return err
			}
			if refreshed {
				existing.Role = string(role)
				existing.ExpiresAt = expiresAt
				result = existing
				return nil
			}
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		result = store.Invitation{
			ID:               util.NewID("inv"),
			DocumentID:       documentID,
			InviterID:        session.PersonID(),
			TargetEmail:      keys.Value(identity.KindEmail),
			TargetExternalID: keys.Value(identity.KindExternal),
			TargetAccountID:  keys.Value(identity.KindAccount),
			Role:             string(role),
			Status:           store.InvitationPending,
			CreatedAt:        now,
			ExpiresAt:        expiresAt,
		}
		if resolved {
			result.TargetAccountID = target.AccountID
		}
		if err := q.InsertInvitation(ctx, result); err != nil {
			return err
		}
		if !resolved {
			return nil
		}
		return record(notify.Message{
			RecipientID: target.AccountID,
			Type:        notify.TypeInvitationReceived,
			Title:       "You have been invited to collaborate",
			Message:     fmt.Sprintf("%s invited you to %q as %s", displayName(session.Person), a.doc.Title, role),
			Payload: map[string]any{
				"invitationId": result.ID,
				"documentId":   documentID,
				"role":         string(role),
			},
		})
	}
	// A concurrent issuer can win the pending-target unique index between
	// findPending and the insert. The rerun finds its row and refreshes it.
	err := s.withTx(ctx, issue)
	if errors.Is(err, store.ErrConflict) {
		s.logger.DebugContext(ctx, "pending invitation raced, retrying", "document_id", documentID)
		err = s.withTx(ctx, issue)
	}
	if errors.Is(err, store.ErrConflict) {
		return store.Invitation{}, errConflict("A pending invitation already exists for this person", nil)
	}
	if err != nil {
		return store.Invitation{}, err
	}
	s.logger.InfoContext(ctx, "invitation issued",
		"invitation_id", result.ID,
		"document_id", documentID,
		"role", result.Role,
	)
	return result, nil
}

// RespondInvitation accepts or declines on behalf of the caller. Checks run
// in order: identity, status, expiry. An expired invitation is written as
// EXPIRED before the error is returned.
func (s *Service) RespondInvitation(ctx context.Context, session Session, invitationID string, accept bool) (store.Invitation, error) {
	now := s.clock()
	var (
		result  store.Invitation
		expired bool
	)
	err := s.withTx(ctx, func(q store.Queries, record func(notify.Message) error) error {
		expired = false
		inv, err := q.LockInvitation(ctx, invitationID)
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("invitation")
		}
		if err != nil {
			return err
		}
		if !identity.Matches(session.Person, inv.TargetKeys()) {
			return errNotAuthorized("This invitation was sent to someone else", map[string]any{"invitationId": inv.ID})
		}
		if inv.Status != store.InvitationPending {
			return errAlreadyResolved("Invitation has already been answered", inv.Status)
		}
		if now.After(inv.ExpiresAt) {
			if _, err := q.TransitionInvitation(ctx, inv.ID, store.InvitationExpired, "", now); err != nil {
				return err
			}
			inv.Status = store.InvitationExpired
			result = inv
			expired = true
			return nil
		}

		doc, err := q.GetDocument(ctx, inv.DocumentID)
		if err != nil {
			return err
		}

		status := store.InvitationDeclined
		notifyInviter := true
		if accept {
			status = store.InvitationAccepted
			role := rbac.Role(inv.Role)
			caps := rbac.CapabilitiesFor(role)
			inserted, err := q.InsertCollaborator(ctx, store.Collaborator{
				ID:           util.NewID("col"),
				DocumentID:   inv.DocumentID,
				PersonID:     session.PersonID(),
				Role:         inv.Role,
				CanEdit:      caps.CanEdit,
				CanInvite:    caps.CanInvite,
				CanDelete:    caps.CanDelete,
				InvitationID: inv.ID,
				CreatedAt:    now,
			})
			if err != nil {
				return err
			}
			notifyInviter = inserted
		}

		ok, err := q.TransitionInvitation(ctx, inv.ID, status, session.PersonID(), now)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyResolved("Invitation has already been answered", inv.Status)
		}
		inv.Status = status
		inv.ResponderID = session.PersonID()
		respondedAt := now
		inv.RespondedAt = &respondedAt
		result = inv

		if !notifyInviter || inv.InviterID == "" {
			return nil
		}
		msg := notify.Message{
			RecipientID: inv.InviterID,
			Type:        notify.TypeInvitationDeclined,
			Title:       "Invitation declined",
			Message:     fmt.Sprintf("%s declined your invitation to %q", displayName(session.Person), doc.Title),
			Payload: map[string]any{
				"invitationId": inv.ID,
				"documentId":   inv.DocumentID,
				"personId":     session.PersonID(),
			},
		}
		if accept {
			msg.Type = notify.TypeInvitationAccepted
			msg.Title = "Invitation accepted"
			msg.Message = fmt.Sprintf("%s joined %q as %s", displayName(session.Person), doc.Title, inv.Role)
			msg.Payload["role"] = inv.Role
		}
		return record(msg)
	})
	if err != nil {
		return store.Invitation{}, err
	}
	s.metrics.invitationTransitions.WithLabelValues(result.Status).Inc()
	if expired {
		return result, errExpired("Invitation has expired", map[string]any{
			"invitationId": result.ID,
			"expiresAt":    result.ExpiresAt,
		})
	}
	s.logger.InfoContext(ctx, "invitation answered",
		"invitation_id", result.ID,
		"status", result.Status,
		"person_id", session.PersonID(),
	)
	return result, nil
}

func (s *Service) ListInvitations(ctx context.Context, session Session, documentID string) ([]store.Invitation, error) {
	a, err := documentAccess(ctx, s.store, documentID, session.PersonID())
	if err != nil {
		return nil, err
	}
	if !a.caps.CanInvite {
		return nil, errNotAuthorized("You cannot view invitations for this document", map[string]any{"documentId": documentID})
	}
	return s.store.ListInvitations(ctx, documentID)
}

// MyInvitations lists pending, unexpired invitations addressed to any of the
// caller's identifiers.
func (s *Service) MyInvitations(ctx context.Context, session Session) ([]store.Invitation, error) {
	invitations, err := s.store.ListInvitationsForKeys(ctx, session.Person.Keys(), store.InvitationPending)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	live := make([]store.Invitation, 0, len(invitations))
	for _, inv := range invitations {
		if !now.After(inv.ExpiresAt) {
			live = append(live, inv)
		}
	}
	return live, nil
}

// findPending returns the first PENDING invitation matching any of the key
// sets. A Set holds one value per kind, so the caller's keys and the
// resolved person's keys are searched separately.
func findPending(ctx context.Context, q store.Queries, documentID string, lookups []identity.Set) (store.Invitation, error) {
	for _, keys := range lookups {
		inv, err := q.FindPendingInvitation(ctx, documentID, keys)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		return inv, err
	}
	return store.Invitation{}, sql.ErrNoRows
}

func displayName(p identity.Person) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Email != "" {
		return p.Email
	}
	return p.AccountID
}
