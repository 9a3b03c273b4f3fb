package app

import (
	"time"

	"scriptorium/api/internal/rbac"
	"scriptorium/api/internal/store"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func presentPerson(session Session) map[string]any {
	p := session.Person
	return map[string]any{
		"accountId":   p.AccountID,
		"displayName": p.DisplayName,
		"email":       nullable(p.Email),
		"orcid":       nullable(p.ExternalID),
	}
}

func presentDocument(doc store.Document) map[string]any {
	return map[string]any{
		"id":        doc.ID,
		"title":     doc.Title,
		"createdBy": doc.CreatedBy,
		"createdAt": formatTime(doc.CreatedAt),
		"updatedAt": formatTime(doc.UpdatedAt),
	}
}

func presentCollaborator(c store.Collaborator) map[string]any {
	return map[string]any{
		"personId":     c.PersonID,
		"displayName":  c.PersonName,
		"email":        nullable(c.PersonEmail),
		"role":         c.Role,
		"capabilities": rbac.Capabilities{CanEdit: c.CanEdit, CanInvite: c.CanInvite, CanDelete: c.CanDelete},
		"invitationId": nullable(c.InvitationID),
		"joinedAt":     formatTime(c.CreatedAt),
	}
}

func presentInvitation(inv store.Invitation) map[string]any {
	return map[string]any{
		"id":         inv.ID,
		"documentId": inv.DocumentID,
		"inviterId":  inv.InviterID,
		"target": map[string]any{
			"accountId": nullable(inv.TargetAccountID),
			"email":     nullable(inv.TargetEmail),
			"orcid":     nullable(inv.TargetExternalID),
		},
		"role":        inv.Role,
		"status":      inv.Status,
		"createdAt":   formatTime(inv.CreatedAt),
		"expiresAt":   formatTime(inv.ExpiresAt),
		"respondedAt": formatTimePtr(inv.RespondedAt),
		"responderId": nullable(inv.ResponderID),
	}
}

func presentInvitations(invitations []store.Invitation) []map[string]any {
	items := make([]map[string]any, 0, len(invitations))
	for _, inv := range invitations {
		items = append(items, presentInvitation(inv))
	}
	return items
}

func presentChange(c store.TrackedChange) map[string]any {
	out := map[string]any{
		"id":         c.ID,
		"documentId": c.DocumentID,
		"kind":       c.Kind,
		"content":    c.Content,
		"oldContent": nullable(c.OldContent),
		"authorId":   c.AuthorID,
		"status":     c.Status,
		"createdAt":  formatTime(c.CreatedAt),
		"resolvedAt": formatTimePtr(c.ResolvedAt),
		"resolvedBy": nullable(c.ResolvedBy),
		"position":   nil,
		"style":      nil,
	}
	if c.Position != nil {
		out["position"] = *c.Position
	}
	if len(c.Style) > 0 {
		out["style"] = c.Style
	}
	return out
}

func presentNotification(n store.Notification) map[string]any {
	payload := n.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"id":        n.ID,
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"payload":   payload,
		"read":      n.ReadAt != nil,
		"readAt":    formatTimePtr(n.ReadAt),
		"createdAt": formatTime(n.CreatedAt),
	}
}
