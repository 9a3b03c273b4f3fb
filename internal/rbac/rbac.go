package rbac

import "strings"

type Role string
type Action string

const (
	RoleOwner       Role = "OWNER"
	RoleAdmin       Role = "ADMIN"
	RoleEditor      Role = "EDITOR"
	RoleContributor Role = "CONTRIBUTOR"
	RoleReviewer    Role = "REVIEWER"
)

const (
	ActionEdit   Action = "edit"
	ActionInvite Action = "invite"
	ActionDelete Action = "delete"
)

// Capabilities are the boolean abilities a role implies.
type Capabilities struct {
	CanEdit   bool `json:"canEdit"`
	CanInvite bool `json:"canInvite"`
	CanDelete bool `json:"canDelete"`
}

func CapabilitiesFor(role Role) Capabilities {
	switch role {
	case RoleOwner:
		return Capabilities{CanEdit: true, CanInvite: true, CanDelete: true}
	case RoleAdmin:
		return Capabilities{CanInvite: true}
	case RoleEditor, RoleContributor:
		return Capabilities{CanEdit: true}
	default:
		return Capabilities{}
	}
}

func Can(role Role, action Action) bool {
	caps := CapabilitiesFor(role)
	switch action {
	case ActionEdit:
		return caps.CanEdit
	case ActionInvite:
		return caps.CanInvite
	case ActionDelete:
		return caps.CanDelete
	default:
		return false
	}
}

// Parse returns the role named by value and whether it is known.
func Parse(value string) (Role, bool) {
	role := Role(strings.ToUpper(strings.TrimSpace(value)))
	switch role {
	case RoleOwner, RoleAdmin, RoleEditor, RoleContributor, RoleReviewer:
		return role, true
	default:
		return "", false
	}
}

// Invitable reports whether a role may be granted through an invitation.
// Ownership only comes from creating the document.
func Invitable(role Role) bool {
	_, ok := Parse(string(role))
	return ok && role != RoleOwner
}
