// Package inbox is the canonical message store front. It persists accepted
// messages exactly once, resolves channel identities to internal users, and
// serves conversation history and preferences to the rest of the pipeline.
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dexd/internal/domain"

	"github.com/google/uuid"
)

// Inbox coordinates message persistence and identity resolution.
type Inbox struct {
	messages     domain.MessageStore
	identities   domain.IdentityStore
	prefs        domain.PreferenceStore
	writeTimeout time.Duration
	logger       *slog.Logger

	// Per-conversation locks keep concurrent accepts for the same
	// conversation ordered at the store; different conversations never
	// contend.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(messages domain.MessageStore, identities domain.IdentityStore, prefs domain.PreferenceStore, writeTimeout time.Duration, logger *slog.Logger) *Inbox {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Inbox{
		messages:     messages,
		identities:   identities,
		prefs:        prefs,
		writeTimeout: writeTimeout,
		logger:       logger,
		locks:        make(map[string]*sync.Mutex),
	}
}

// Accept persists a message into the canonical store. Missing IDs and
// timestamps are filled in; the message is immutable afterwards.
func (i *Inbox) Accept(ctx context.Context, msg domain.UnifiedMessage) (domain.UnifiedMessage, error) {
	if msg.Channel == "" || msg.ExternalUserID == "" || msg.ConversationID == "" {
		return domain.UnifiedMessage{}, fmt.Errorf("message missing channel, sender or conversation: %w", domain.ErrInternal)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	lock := i.convLock(msg.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	// The write is bounded: a wedged store must surface as unavailable
	// instead of holding the conversation lock for the caller's whole
	// deadline.
	saveCtx, cancel := context.WithTimeout(ctx, i.writeTimeout)
	defer cancel()

	if err := i.messages.SaveMessage(saveCtx, msg); err != nil {
		i.logger.Error("message persist failed", "message_id", msg.ID, "conversation_id", msg.ConversationID, "err", err)
		return domain.UnifiedMessage{}, fmt.Errorf("save message %s: %w", msg.ID, domain.ErrStorageUnavailable)
	}

	i.logger.Debug("message accepted", "message_id", msg.ID, "channel", msg.Channel, "conversation_id", msg.ConversationID)
	return msg, nil
}

// Link binds a channel identity to an internal user. Linking is idempotent;
// a pair already bound to a different user is rejected and the existing
// binding is left untouched.
func (i *Inbox) Link(ctx context.Context, channel domain.Channel, externalUserID string, userID int64) (domain.ChannelUser, error) {
	got, err := i.identities.LinkIdentity(ctx, domain.ChannelUser{
		Channel:        channel,
		ExternalUserID: externalUserID,
		UserID:         userID,
		LinkedAt:       time.Now().UTC(),
	})
	if err != nil {
		return domain.ChannelUser{}, fmt.Errorf("link identity: %w", domain.ErrStorageUnavailable)
	}
	if got.UserID != userID {
		return got, fmt.Errorf("identity %s/%s already linked to user %d: %w",
			channel, externalUserID, got.UserID, domain.ErrForbidden)
	}
	return got, nil
}

// Resolve maps a channel identity to an internal user id if linked.
func (i *Inbox) Resolve(ctx context.Context, channel domain.Channel, externalUserID string) (int64, bool, error) {
	return i.identities.ResolveUser(ctx, channel, externalUserID)
}

// Conversation returns the stored messages of one conversation in arrival
// order.
func (i *Inbox) Conversation(ctx context.Context, conversationID string, limit int) ([]domain.UnifiedMessage, error) {
	return i.messages.MessagesByConversation(ctx, conversationID, limit)
}

// History returns recent messages across all channels linked to a user.
func (i *Inbox) History(ctx context.Context, userID int64, limit int) ([]domain.UnifiedMessage, error) {
	return i.messages.MessagesByUser(ctx, userID, limit)
}

// PreferencesFor loads a user's settings; an unlinked or fresh user gets an
// empty set rather than an error.
func (i *Inbox) PreferencesFor(ctx context.Context, userID int64) (domain.Preferences, error) {
	return i.prefs.Preferences(ctx, userID)
}

func (i *Inbox) SetPreference(ctx context.Context, userID int64, key, value string) error {
	return i.prefs.SetPreference(ctx, userID, key, value)
}

func (i *Inbox) convLock(conversationID string) *sync.Mutex {
	i.mu.Lock()
	defer i.mu.Unlock()
	lock, ok := i.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		i.locks[conversationID] = lock
	}
	return lock
}
