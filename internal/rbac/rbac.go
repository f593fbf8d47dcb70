// Package rbac decides which comment operations a role may perform.
package rbac

import "slices"

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionResolve Action = "resolve"
	ActionBulk    Action = "bulk"
	ActionEdit    Action = "edit"
	ActionAdmin   Action = "admin"
)

// Commenters may resolve threads; bulk transitions and document edits need
// an editor.
var grants = map[Role][]Action{
	RoleViewer:    {ActionRead},
	RoleCommenter: {ActionRead, ActionComment, ActionResolve},
	RoleEditor:    {ActionRead, ActionComment, ActionResolve, ActionBulk, ActionEdit},
	RoleAdmin:     {ActionRead, ActionComment, ActionResolve, ActionBulk, ActionEdit, ActionAdmin},
}

func Can(role Role, action Action) bool {
	return slices.Contains(grants[role], action)
}

// Grants lists the actions role may perform, for clients that hide
// controls the caller cannot use.
func Grants(role Role) []Action {
	return slices.Clone(grants[role])
}

func Normalize(role string) Role {
	if _, ok := grants[Role(role)]; ok {
		return Role(role)
	}
	return RoleViewer
}
