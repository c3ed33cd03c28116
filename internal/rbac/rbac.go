// Package rbac evaluates role-based permissions. Roles are flat, explicit
// permission sets: there is no hierarchy and no inheritance, so a grant to
// one role can never leak into another. Unknown (action, resource) pairs
// are denied.
package rbac

import (
	"fmt"

	"dexd/internal/domain"
)

// permSet is one role's allowed (action, resource class) pairs.
type permSet map[domain.Permission]struct{}

// Engine answers authorize queries against the fixed role table. It only
// evaluates; role assignment belongs to the identity provider.
type Engine struct {
	perms map[domain.Role]permSet
}

func NewEngine() *Engine {
	return &Engine{perms: builtinRoles()}
}

// Authorize returns nil when the role's set contains the pair, and a
// Forbidden error otherwise. Deny-by-default: unknown roles, actions and
// resources all fall through to rejection.
func (e *Engine) Authorize(role domain.Role, action, resource string) error {
	set, ok := e.perms[role]
	if !ok {
		return fmt.Errorf("unknown role %q: %w", role, domain.ErrForbidden)
	}
	if _, ok := set[domain.Permission{Action: action, Resource: resource}]; !ok {
		return fmt.Errorf("role %q may not %s on %s: %w", role, action, resource, domain.ErrForbidden)
	}
	return nil
}

// Roles returns the closed set of built-in roles.
func Roles() []domain.Role {
	return []domain.Role{
		domain.RoleOwner,
		domain.RoleAdmin,
		domain.RoleOperator,
		domain.RoleUser,
		domain.RoleGuest,
	}
}

func set(perms ...domain.Permission) permSet {
	s := make(permSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

func p(action, resource string) domain.Permission {
	return domain.Permission{Action: action, Resource: resource}
}

// builtinRoles is the full permission table. Each role is written out
// explicitly, even where sets overlap, so that changing one role can never
// silently change another.
func builtinRoles() map[domain.Role]permSet {
	return map[domain.Role]permSet{
		domain.RoleOwner: set(
			p(domain.ActionSendMessage, domain.ResourceConversation),
			p(domain.ActionReadMessages, domain.ResourceConversation),
			p(domain.ActionSendMessage, domain.ResourceChannelConfig),
			p(domain.ActionManage, domain.ResourceChannelConfig),
			p(domain.ActionManage, domain.ResourceSession),
			p(domain.ActionManage, domain.ResourcePreferences),
			p(domain.ActionLinkIdentity, domain.ResourceConversation),
			p(domain.ActionView, domain.ResourceAuditLog),
			p(domain.ActionView, domain.ResourceMetrics),
		),
		domain.RoleAdmin: set(
			p(domain.ActionSendMessage, domain.ResourceConversation),
			p(domain.ActionReadMessages, domain.ResourceConversation),
			p(domain.ActionManage, domain.ResourceChannelConfig),
			p(domain.ActionManage, domain.ResourceSession),
			p(domain.ActionManage, domain.ResourcePreferences),
			p(domain.ActionLinkIdentity, domain.ResourceConversation),
			p(domain.ActionView, domain.ResourceAuditLog),
			p(domain.ActionView, domain.ResourceMetrics),
		),
		domain.RoleOperator: set(
			p(domain.ActionSendMessage, domain.ResourceConversation),
			p(domain.ActionReadMessages, domain.ResourceConversation),
			p(domain.ActionView, domain.ResourceMetrics),
		),
		domain.RoleUser: set(
			p(domain.ActionSendMessage, domain.ResourceConversation),
			p(domain.ActionReadMessages, domain.ResourceConversation),
			p(domain.ActionManage, domain.ResourcePreferences),
		),
		domain.RoleGuest: set(
			p(domain.ActionReadMessages, domain.ResourceConversation),
		),
	}
}
