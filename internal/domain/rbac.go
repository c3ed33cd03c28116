package domain

// Role is one of the five built-in roles. Roles carry explicit permission
// sets; there is no hierarchy or inheritance between them.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleUser     Role = "user"
	RoleGuest    Role = "guest"
)

// Permission is one allowed (action, resource class) pair.
type Permission struct {
	Action   string
	Resource string
}

// Resource classes evaluated by the permission engine.
const (
	ResourceConversation  = "conversation"
	ResourceChannelConfig = "channel_config"
	ResourceAuditLog      = "audit_log"
	ResourceSession       = "session"
	ResourcePreferences   = "preferences"
	ResourceMetrics       = "metrics"
)

// Actions evaluated by the permission engine.
const (
	ActionSendMessage  = "send_message"
	ActionReadMessages = "read_messages"
	ActionManage       = "manage"
	ActionView         = "view"
	ActionLinkIdentity = "link_identity"
)
