// Package rbac maps the role carried in a bearer token to the actions it
// may perform.
package rbac

import (
	"slices"
	"strings"
)

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionComment  Action = "comment"
	ActionModerate Action = "moderate"
	ActionAdmin    Action = "admin"
)

// grants lists what each non-admin role may do. Admin may do everything.
var grants = map[Role][]Action{
	RoleViewer:    {ActionRead},
	RoleCommenter: {ActionRead, ActionComment},
	RoleModerator: {ActionRead, ActionComment, ActionModerate},
}

func Can(role Role, action Action) bool {
	if role == RoleAdmin {
		return true
	}
	return slices.Contains(grants[role], action)
}

// Normalize maps a raw claim to a known role; anything unrecognised is a
// viewer.
func Normalize(role string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(role)))
	if r == RoleAdmin {
		return r
	}
	if _, ok := grants[r]; ok {
		return r
	}
	return RoleViewer
}
