// Package access resolves what a caller may do with a content type.
package access

import (
	"context"
	"strings"

	"collab/api/internal/rbac"
)

// User is the identity snapshot carried through a collaboration session.
// It is copied into every token, never shared by reference.
type User struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

// Clone returns a copy that shares no memory with u.
func (u User) Clone() User {
	clone := u
	if u.Roles != nil {
		clone.Roles = append([]string(nil), u.Roles...)
	}
	return clone
}

type Grant struct {
	Allowed bool
	Role    rbac.Role
}

func (g Grant) CanEdit() bool {
	return g.Allowed && rbac.Can(g.Role, rbac.ActionWrite)
}

type Gateway interface {
	Resolve(ctx context.Context, user User, contentType string) (Grant, error)
}

// RoleGateway grants the highest collaboration role found among the
// caller's own role claims. Callers without one are denied.
type RoleGateway struct{}

func (RoleGateway) Resolve(_ context.Context, user User, _ string) (Grant, error) {
	roles := make([]rbac.Role, 0, len(user.Roles))
	for _, role := range user.Roles {
		roles = append(roles, rbac.Normalize(strings.ToLower(strings.TrimSpace(role))))
	}
	best := rbac.Highest(roles...)
	if best == rbac.RoleNone {
		return Grant{}, nil
	}
	return Grant{Allowed: true, Role: best}, nil
}

// ContentType extracts the content type a room belongs to. Room ids are
// built as "<contentType>|<entryId>|<field>"; ids without a separator are
// their own content type.
func ContentType(roomID string) string {
	contentType, _, _ := strings.Cut(roomID, "|")
	return contentType
}
