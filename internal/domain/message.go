package domain

import "time"

// Channel identifies the messaging platform an adapter speaks.
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelDiscord  Channel = "discord"
	ChannelSlack    Channel = "slack"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelWeb      Channel = "web"
	ChannelCLI      Channel = "cli"
)

// Attachment is a single media item carried by a message.
type Attachment struct {
	Kind string `json:"kind"` // image | audio | video | file
	URI  string `json:"uri"`
	Size int64  `json:"size"`
}

// UnifiedMessage is the platform-agnostic form of an inbound message.
// Adapters translate their wire formats into this shape before handing it
// to the router. Immutable once constructed; owned by the inbox after
// acceptance.
type UnifiedMessage struct {
	ID             string
	Channel        Channel
	ExternalUserID string
	ConversationID string
	Body           string
	Attachments    []Attachment
	ReceivedAt     time.Time
}

// ChannelUser links a (channel, externalUserID) pair to an internal user.
// A given pair maps to at most one user; linking is idempotent.
type ChannelUser struct {
	Channel        Channel
	ExternalUserID string
	UserID         int64
	LinkedAt       time.Time
}

// Preferences holds per-user key/value settings resolved by the inbox.
type Preferences struct {
	UserID int64
	Values map[string]string
}
