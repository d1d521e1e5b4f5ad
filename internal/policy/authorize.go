package policy

import (
	"github.com/ent0n29/tasksync/internal/auth"
)

// Relationship is how an identity relates to a workspace.
type Relationship string

const (
	RelationNone   Relationship = "none"
	RelationMember Relationship = "member"
	RelationOwner  Relationship = "owner"
)

// Action names the operation being authorized. Every action currently shares one rule;
// the parameter exists so a per-action role table can be introduced without touching callers.
type Action string

const (
	ActionRead           Action = "read"
	ActionChangeStatus   Action = "change_status"
	ActionComment        Action = "comment"
	ActionAttach         Action = "attach"
	ActionFavorite       Action = "favorite"
	ActionReorder        Action = "reorder"
	ActionCreateTask     Action = "create_task"
	ActionSubscribe      Action = "subscribe"
	ActionManageMembers  Action = "manage_members"
	ActionIssueBroadcast Action = "issue_notification"
)

type Decision struct {
	Allowed bool
	Reason  string
}

// Decide applies the workspace access rule: administrators always pass, otherwise the
// caller must own the workspace or be a member of it. Managing members is owner/admin only,
// and issuing notifications on behalf of background jobs is admin only.
func Decide(id auth.Identity, rel Relationship, action Action) Decision {
	if id.ID == "" {
		return Decision{Reason: "anonymous caller"}
	}
	if id.IsAdmin() {
		return Decision{Allowed: true}
	}
	switch action {
	case ActionIssueBroadcast:
		return Decision{Reason: "admin role required"}
	case ActionManageMembers:
		if rel == RelationOwner {
			return Decision{Allowed: true}
		}
		return Decision{Reason: "workspace owner required"}
	}
	switch rel {
	case RelationOwner, RelationMember:
		return Decision{Allowed: true}
	default:
		return Decision{Reason: "not a workspace member"}
	}
}
