package models

// Actor is the already-authenticated identity attached to each request.
// Coarse authentication happens upstream; the engine enforces only its own
// domain rules (ownership and role preconditions).
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

const (
	RoleAdmin       = "admin"
	RoleProvider    = "provider"
	RoleAssistant   = "assistant"
	RoleParticipant = "participant"
	RoleSystem      = "system"
)

// IsStaff reports whether the actor may operate another participant's entry.
func (a Actor) IsStaff() bool {
	switch a.Role {
	case RoleAdmin, RoleProvider, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleProvider, RoleAssistant, RoleParticipant, RoleSystem:
		return true
	default:
		return false
	}
}
