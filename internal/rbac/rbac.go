// Package rbac decides what a caller may do with a poem based on their
// relationship to it.
package rbac

import "versehub/api/internal/poem"

type Role string
type Action string

const (
	RoleNone         Role = "none"
	RoleReader       Role = "reader"
	RoleCollaborator Role = "collaborator"
	RoleOwner        Role = "owner"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionPropose Action = "propose"
	ActionWrite   Action = "write"
	ActionReview  Action = "review"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return action != ActionPropose
	case RoleCollaborator:
		return action == ActionRead || action == ActionComment || action == ActionPropose
	case RoleReader:
		return action == ActionRead || action == ActionComment
	default:
		return false
	}
}

// RoleFor returns userID's role on p. Published public poems are readable
// by everyone; collaboration additionally lets readers propose changes.
func RoleFor(p *poem.Poem, userID string) Role {
	switch {
	case p.IsOwnedBy(userID):
		return RoleOwner
	case !p.IsPublished() || p.Visibility != poem.VisibilityPublic:
		return RoleNone
	case p.CollaborationEnabled:
		return RoleCollaborator
	default:
		return RoleReader
	}
}
