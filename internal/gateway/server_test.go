package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dexd/internal/domain"

	"github.com/gorilla/websocket"
)

func testServer(t *testing.T) (*Server, *Hub, string) {
	t.Helper()
	hub := NewHub(16, testLogger())
	srv := NewServer(ServerConfig{Path: "/ws", MaxSendFailures: 3, Logger: testLogger()}, hub)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleUpgrade))
	t.Cleanup(ts.Close)
	t.Cleanup(hub.Close)

	return srv, hub, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev domain.Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		t.Fatalf("decode frame %q: %v", frame, err)
	}
	return ev
}

func TestServer_ConnectHandshake(t *testing.T) {
	_, hub, url := testServer(t)

	conn := dial(t, url)

	ev := readEvent(t, conn)
	if ev.Type != domain.EventConnect {
		t.Fatalf("expected connect frame first, got %s", ev.Type)
	}
	if hub.Observers() != 1 {
		t.Fatalf("expected 1 observer, got %d", hub.Observers())
	}
}

func TestServer_BroadcastReachesClient(t *testing.T) {
	_, hub, url := testServer(t)

	conn := dial(t, url)
	readEvent(t, conn) // direct connect frame
	readEvent(t, conn) // broadcast connect frame

	hub.Broadcast(domain.Event{Type: domain.EventActivity, Data: map[string]string{"message_id": "m1"}})

	ev := readEvent(t, conn)
	if ev.Type != domain.EventActivity {
		t.Fatalf("expected activity event, got %s", ev.Type)
	}
	data, ok := ev.Data.(map[string]any)
	if !ok || data["message_id"] != "m1" {
		t.Fatalf("payload lost: %+v", ev.Data)
	}
}

func TestServer_UpstreamFramesIgnored(t *testing.T) {
	_, hub, url := testServer(t)

	conn := dial(t, url)
	readEvent(t, conn)
	readEvent(t, conn)

	// A chatty client must not feed anything back into the pipeline.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"activity:new","data":"spoofed"}`)); err != nil {
		t.Fatal(err)
	}

	hub.Broadcast(domain.Event{Type: domain.EventMetrics, Data: nil})
	ev := readEvent(t, conn)
	if ev.Type != domain.EventMetrics {
		t.Fatalf("upstream frame leaked into the stream: got %s", ev.Type)
	}
}

func TestServer_DisconnectBroadcast(t *testing.T) {
	_, hub, url := testServer(t)

	first := dial(t, url)
	readEvent(t, first)
	readEvent(t, first)

	second := dial(t, url)
	// First client sees the second connect.
	ev := readEvent(t, first)
	if ev.Type != domain.EventConnect {
		t.Fatalf("expected connect broadcast, got %s", ev.Type)
	}

	second.Close()

	ev = readEvent(t, first)
	if ev.Type != domain.EventDisconnect {
		t.Fatalf("expected disconnect broadcast, got %s", ev.Type)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Observers() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 observer after disconnect, got %d", hub.Observers())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
