package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"dexd/internal/domain"

	"github.com/gorilla/websocket"
)

// ServerConfig configures the WebSocket fan-out server.
type ServerConfig struct {
	Host            string
	Port            int
	Path            string // endpoint path (default: /ws)
	MaxSendFailures int    // consecutive write failures before eviction
	Logger          *slog.Logger
}

// Server accepts WebSocket observers and streams hub events to them.
// The stream is one-way: upstream frames from clients are logged and
// dropped, never fed back into the pipeline.
type Server struct {
	host            string
	port            int
	path            string
	maxSendFailures int
	hub             *Hub
	logger          *slog.Logger
	server          *http.Server

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (configure CORS for production)
	},
}

func NewServer(cfg ServerConfig, hub *Hub) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 8090
	}
	if cfg.MaxSendFailures <= 0 {
		cfg.MaxSendFailures = 3
	}
	return &Server{
		host:            cfg.Host,
		port:            cfg.Port,
		path:            cfg.Path,
		maxSendFailures: cfg.MaxSendFailures,
		hub:             hub,
		logger:          cfg.Logger,
		conns:           make(map[string]*websocket.Conn),
	}
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("gateway server starting", "addr", s.server.Addr, "path", s.path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.closeAllConns()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	observer := s.hub.Subscribe()

	s.mu.Lock()
	s.conns[observer.ID] = conn
	s.mu.Unlock()

	s.logger.Info("gateway client connected", "observer_id", observer.ID, "remote", r.RemoteAddr)

	// Tell the new client it is live, then tell everyone else.
	s.writeEvent(conn, domain.Event{Type: domain.EventConnect, Data: map[string]string{"observer_id": observer.ID}})
	s.hub.Broadcast(domain.Event{Type: domain.EventConnect, Data: map[string]int{"observers": s.hub.Observers()}})

	go s.writePump(observer, conn)
	s.readPump(observer, conn)
}

// readPump consumes upstream frames. The gateway is broadcast-only, so
// anything the client sends is logged at debug and dropped.
func (s *Server) readPump(observer *Observer, conn *websocket.Conn) {
	defer s.evict(observer.ID, conn)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Error("gateway read error", "observer_id", observer.ID, "err", err)
			}
			return
		}
		s.logger.Debug("ignoring upstream frame", "observer_id", observer.ID, "bytes", len(frame))
	}
}

// writePump streams queued events to one client. After maxSendFailures
// consecutive write errors the client is evicted; a dead socket must not
// hold a queue open forever.
func (s *Server) writePump(observer *Observer, conn *websocket.Conn) {
	failures := 0
	for ev := range observer.Events() {
		if err := s.writeEvent(conn, ev); err != nil {
			failures++
			s.logger.Debug("gateway write failed", "observer_id", observer.ID, "failures", failures, "err", err)
			if failures >= s.maxSendFailures {
				s.logger.Warn("evicting unresponsive observer", "observer_id", observer.ID)
				s.evict(observer.ID, conn)
				return
			}
			continue
		}
		failures = 0
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) evict(observerID string, conn *websocket.Conn) {
	s.mu.Lock()
	_, present := s.conns[observerID]
	delete(s.conns, observerID)
	s.mu.Unlock()

	if !present {
		return
	}
	s.hub.Unsubscribe(observerID)
	conn.Close()
	s.logger.Info("gateway client disconnected", "observer_id", observerID)
	s.hub.Broadcast(domain.Event{Type: domain.EventDisconnect, Data: map[string]int{"observers": s.hub.Observers()}})
}

func (s *Server) closeAllConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*websocket.Conn)
	s.mu.Unlock()

	for id, conn := range conns {
		s.hub.Unsubscribe(id)
		conn.Close()
	}
}
