package inbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"dexd/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memBackend fakes the three stores the inbox touches.
type memBackend struct {
	mu       sync.Mutex
	messages map[string]domain.UnifiedMessage
	order    []string
	links    map[string]domain.ChannelUser
	prefs    map[int64]map[string]string
	failing  bool
}

func newMemBackend() *memBackend {
	return &memBackend{
		messages: make(map[string]domain.UnifiedMessage),
		links:    make(map[string]domain.ChannelUser),
		prefs:    make(map[int64]map[string]string),
	}
}

func linkKey(ch domain.Channel, ext string) string { return string(ch) + "/" + ext }

func (b *memBackend) SaveMessage(ctx context.Context, msg domain.UnifiedMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errors.New("db locked")
	}
	if _, dup := b.messages[msg.ID]; dup {
		return errors.New("duplicate id")
	}
	b.messages[msg.ID] = msg
	b.order = append(b.order, msg.ID)
	return nil
}

func (b *memBackend) GetMessage(ctx context.Context, id string) (*domain.UnifiedMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg, ok := b.messages[id]; ok {
		return &msg, nil
	}
	return nil, nil
}

func (b *memBackend) MessagesByConversation(ctx context.Context, conversationID string, limit int) ([]domain.UnifiedMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.UnifiedMessage
	for _, id := range b.order {
		if msg := b.messages[id]; msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (b *memBackend) MessagesByUser(ctx context.Context, userID int64, limit int) ([]domain.UnifiedMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.UnifiedMessage
	for _, id := range b.order {
		msg := b.messages[id]
		if link, ok := b.links[linkKey(msg.Channel, msg.ExternalUserID)]; ok && link.UserID == userID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (b *memBackend) LinkIdentity(ctx context.Context, link domain.ChannelUser) (domain.ChannelUser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return domain.ChannelUser{}, errors.New("db locked")
	}
	key := linkKey(link.Channel, link.ExternalUserID)
	if existing, ok := b.links[key]; ok {
		return existing, nil
	}
	b.links[key] = link
	return link, nil
}

func (b *memBackend) ResolveUser(ctx context.Context, channel domain.Channel, externalUserID string) (int64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	link, ok := b.links[linkKey(channel, externalUserID)]
	return link.UserID, ok, nil
}

func (b *memBackend) Preferences(ctx context.Context, userID int64) (domain.Preferences, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	values := make(map[string]string)
	for k, v := range b.prefs[userID] {
		values[k] = v
	}
	return domain.Preferences{UserID: userID, Values: values}, nil
}

func (b *memBackend) SetPreference(ctx context.Context, userID int64, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.prefs[userID] == nil {
		b.prefs[userID] = make(map[string]string)
	}
	b.prefs[userID][key] = value
	return nil
}

func testInbox(t *testing.T) (*Inbox, *memBackend) {
	t.Helper()
	b := newMemBackend()
	return New(b, b, b, time.Second, testLogger()), b
}

// --- accept ---

func TestAccept_FillsIDAndTimestamp(t *testing.T) {
	ib, backend := testInbox(t)

	got, err := ib.Accept(context.Background(), domain.UnifiedMessage{
		Channel:        domain.ChannelWeb,
		ExternalUserID: "w-1",
		ConversationID: "c1",
		Body:           "hi",
	})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got.ID == "" {
		t.Fatal("accepted message must carry an id")
	}
	if got.ReceivedAt.IsZero() {
		t.Fatal("accepted message must carry a timestamp")
	}
	if _, ok := backend.messages[got.ID]; !ok {
		t.Fatal("message not persisted")
	}
}

func TestAccept_RejectsIncomplete(t *testing.T) {
	ib, _ := testInbox(t)

	_, err := ib.Accept(context.Background(), domain.UnifiedMessage{Body: "orphan"})
	if err == nil {
		t.Fatal("message without channel or conversation must be rejected")
	}
}

func TestAccept_StoreFailure(t *testing.T) {
	ib, backend := testInbox(t)
	backend.failing = true

	_, err := ib.Accept(context.Background(), domain.UnifiedMessage{
		Channel: domain.ChannelWeb, ExternalUserID: "w-1", ConversationID: "c1",
	})
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected StorageUnavailable, got %v", err)
	}
}

// stalledStore wedges message writes until the write context expires.
type stalledStore struct {
	*memBackend
}

func (s *stalledStore) SaveMessage(ctx context.Context, msg domain.UnifiedMessage) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestAccept_WriteTimeout(t *testing.T) {
	b := newMemBackend()
	ib := New(&stalledStore{b}, b, b, 25*time.Millisecond, testLogger())

	start := time.Now()
	_, err := ib.Accept(context.Background(), domain.UnifiedMessage{
		Channel: domain.ChannelWeb, ExternalUserID: "w-1", ConversationID: "c1",
	})
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected StorageUnavailable, got %v", err)
	}
	// The caller had no deadline of its own: the inbox must have imposed one.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("write was not bounded, took %v", elapsed)
	}
}

func TestAccept_ConcurrentSameConversation(t *testing.T) {
	ib, backend := testInbox(t)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ib.Accept(context.Background(), domain.UnifiedMessage{
				Channel: domain.ChannelWeb, ExternalUserID: "w-1", ConversationID: "c1",
			})
			if err != nil {
				t.Errorf("Accept: %v", err)
			}
		}()
	}
	wg.Wait()

	msgs, _ := backend.MessagesByConversation(context.Background(), "c1", 0)
	if len(msgs) != 30 {
		t.Fatalf("expected 30 persisted messages, got %d", len(msgs))
	}
}

// --- identity ---

func TestLink_IdempotentAndCommutative(t *testing.T) {
	ib, _ := testInbox(t)
	ctx := context.Background()

	if _, err := ib.Link(ctx, domain.ChannelTelegram, "tg-42", 7); err != nil {
		t.Fatalf("first link: %v", err)
	}
	if _, err := ib.Link(ctx, domain.ChannelTelegram, "tg-42", 7); err != nil {
		t.Fatalf("relink must be a no-op: %v", err)
	}
	// Same user, second channel: both resolve to 7.
	if _, err := ib.Link(ctx, domain.ChannelDiscord, "d-1", 7); err != nil {
		t.Fatalf("second channel link: %v", err)
	}

	for _, tc := range []struct {
		ch  domain.Channel
		ext string
	}{{domain.ChannelTelegram, "tg-42"}, {domain.ChannelDiscord, "d-1"}} {
		id, ok, err := ib.Resolve(ctx, tc.ch, tc.ext)
		if err != nil || !ok || id != 7 {
			t.Fatalf("Resolve(%s, %s) = (%d, %v, %v)", tc.ch, tc.ext, id, ok, err)
		}
	}
}

func TestLink_ConflictRejected(t *testing.T) {
	ib, _ := testInbox(t)
	ctx := context.Background()

	if _, err := ib.Link(ctx, domain.ChannelTelegram, "tg-42", 7); err != nil {
		t.Fatal(err)
	}

	got, err := ib.Link(ctx, domain.ChannelTelegram, "tg-42", 9)
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("conflicting relink must be forbidden, got %v", err)
	}
	if got.UserID != 7 {
		t.Fatalf("existing binding must survive the conflict, got %d", got.UserID)
	}

	id, ok, _ := ib.Resolve(ctx, domain.ChannelTelegram, "tg-42")
	if !ok || id != 7 {
		t.Fatalf("binding changed after rejected relink: (%d, %v)", id, ok)
	}
}

func TestResolve_Unlinked(t *testing.T) {
	ib, _ := testInbox(t)

	_, ok, err := ib.Resolve(context.Background(), domain.ChannelSlack, "U999")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("unlinked identity must not resolve")
	}
}

// --- history + preferences ---

func TestHistory_SpansChannels(t *testing.T) {
	ib, _ := testInbox(t)
	ctx := context.Background()

	if _, err := ib.Link(ctx, domain.ChannelTelegram, "tg-42", 7); err != nil {
		t.Fatal(err)
	}
	if _, err := ib.Link(ctx, domain.ChannelWeb, "w-1", 7); err != nil {
		t.Fatal(err)
	}

	for _, m := range []domain.UnifiedMessage{
		{Channel: domain.ChannelTelegram, ExternalUserID: "tg-42", ConversationID: "c1", Body: "a"},
		{Channel: domain.ChannelWeb, ExternalUserID: "w-1", ConversationID: "c2", Body: "b"},
		{Channel: domain.ChannelWeb, ExternalUserID: "w-other", ConversationID: "c3", Body: "not-ours"},
	} {
		if _, err := ib.Accept(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := ib.History(ctx, 7, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages across channels, got %d", len(msgs))
	}
}

func TestPreferences_FreshUserEmpty(t *testing.T) {
	ib, _ := testInbox(t)

	prefs, err := ib.PreferencesFor(context.Background(), 42)
	if err != nil {
		t.Fatalf("PreferencesFor: %v", err)
	}
	if len(prefs.Values) != 0 {
		t.Fatalf("fresh user must have empty preferences, got %+v", prefs.Values)
	}
}

func TestPreferences_RoundTrip(t *testing.T) {
	ib, _ := testInbox(t)
	ctx := context.Background()

	if err := ib.SetPreference(ctx, 7, "tone", "casual"); err != nil {
		t.Fatal(err)
	}
	prefs, err := ib.PreferencesFor(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if prefs.Values["tone"] != "casual" {
		t.Fatalf("preference lost: %+v", prefs.Values)
	}
}
