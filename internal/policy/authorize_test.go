package policy

import (
	"testing"

	"github.com/ent0n29/tasksync/internal/auth"
)

func TestDecideWorkspaceRule(t *testing.T) {
	user := auth.Identity{ID: "u1", Role: auth.RoleUser}
	admin := auth.Identity{ID: "a1", Role: auth.RoleAdmin}

	cases := []struct {
		name string
		id   auth.Identity
		rel  Relationship
		want bool
	}{
		{"owner", user, RelationOwner, true},
		{"member", user, RelationMember, true},
		{"stranger", user, RelationNone, false},
		{"admin bypasses membership", admin, RelationNone, true},
		{"anonymous", auth.Identity{}, RelationOwner, false},
	}
	for _, action := range []Action{ActionChangeStatus, ActionComment, ActionAttach, ActionFavorite, ActionReorder, ActionCreateTask, ActionSubscribe, ActionRead} {
		for _, tc := range cases {
			got := Decide(tc.id, tc.rel, action)
			if got.Allowed != tc.want {
				t.Fatalf("%s/%s Allowed = %v, want %v", action, tc.name, got.Allowed, tc.want)
			}
			if !got.Allowed && got.Reason == "" {
				t.Fatalf("%s/%s denied without reason", action, tc.name)
			}
		}
	}
}

func TestDecideManageMembersRequiresOwner(t *testing.T) {
	user := auth.Identity{ID: "u1", Role: auth.RoleUser}
	if Decide(user, RelationMember, ActionManageMembers).Allowed {
		t.Fatalf("member should not manage members")
	}
	if !Decide(user, RelationOwner, ActionManageMembers).Allowed {
		t.Fatalf("owner should manage members")
	}
}

func TestDecideIssueNotificationIsAdminOnly(t *testing.T) {
	if Decide(auth.Identity{ID: "u1"}, RelationOwner, ActionIssueBroadcast).Allowed {
		t.Fatalf("owner should not issue notifications")
	}
	if !Decide(auth.Identity{ID: "a1", Role: auth.RoleAdmin}, RelationNone, ActionIssueBroadcast).Allowed {
		t.Fatalf("admin should issue notifications")
	}
}
