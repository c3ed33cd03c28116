package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"dexd/internal/config"
	"dexd/internal/domain"
	"dexd/internal/gateway"
	"dexd/internal/inbox"
	"dexd/internal/metrics"
	"dexd/internal/router"
	"dexd/internal/session"
)

// ingestServer is the local HTTP surface channel adapters submit canonical
// messages through. Adapters own their protocols; everything entering here
// goes through the router's pipeline, no bypass.
type ingestServer struct {
	cfg      *config.Config
	router   *router.Router
	sessions *session.Manager
	inbox    *inbox.Inbox
	hub      *gateway.Hub
	logger   *slog.Logger
	server   *http.Server
}

func newIngestServer(cfg *config.Config, r *router.Router, sessions *session.Manager, ib *inbox.Inbox, hub *gateway.Hub, logger *slog.Logger) *ingestServer {
	return &ingestServer{
		cfg:      cfg,
		router:   r,
		sessions: sessions,
		inbox:    ib,
		hub:      hub,
		logger:   logger,
	}
}

func (s *ingestServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.handleMessage)
	mux.HandleFunc("POST /v1/sessions", s.handleSessionCreate)
	mux.HandleFunc("DELETE /v1/sessions/{token}", s.handleSessionRevoke)
	mux.HandleFunc("POST /v1/identities", s.handleIdentityLink)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleConversation)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		mux.HandleFunc("GET "+s.cfg.Metrics.Endpoint, metrics.Default.Handler())
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Ingest.Host, s.cfg.Ingest.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("ingest server starting", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type messageRequest struct {
	SessionToken   string              `json:"session_token"`
	Channel        string              `json:"channel"`
	ExternalUserID string              `json:"external_user_id"`
	ConversationID string              `json:"conversation_id"`
	Body           string              `json:"body"`
	Attachments    []domain.Attachment `json:"attachments,omitempty"`
}

type messageResponse struct {
	Accepted     bool    `json:"accepted"`
	MessageID    string  `json:"message_id,omitempty"`
	TraceID      string  `json:"trace_id"`
	Reason       string  `json:"reason,omitempty"`
	Detail       string  `json:"detail,omitempty"`
	RetryAfterMs int64   `json:"retry_after_ms,omitempty"`
	RiskLevel    string  `json:"risk_level,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
}

func (s *ingestServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	out, err := s.router.Submit(r.Context(), router.Submission{
		SessionToken: req.SessionToken,
		Message: domain.UnifiedMessage{
			Channel:        domain.Channel(req.Channel),
			ExternalUserID: req.ExternalUserID,
			ConversationID: req.ConversationID,
			Body:           req.Body,
			Attachments:    req.Attachments,
			ReceivedAt:     time.Now().UTC(),
		},
	})
	metrics.PipelineLatency.Observe(time.Since(start).Seconds())

	resp := messageResponse{TraceID: out.TraceID}
	status := http.StatusOK

	switch {
	case err == nil:
		metrics.MessagesAccepted.Inc()
		resp.Accepted = true
		resp.MessageID = out.Message.ID
		resp.RiskLevel = out.Verdict.RiskLevel.String()
		resp.Confidence = out.Verdict.Confidence

	case errors.Is(err, domain.ErrUnauthenticated):
		metrics.MessagesRejected.Inc()
		resp.Reason = out.Reason
		resp.Detail = "session invalid, re-authenticate"
		status = http.StatusUnauthorized

	case errors.Is(err, domain.ErrRateLimited):
		metrics.MessagesRejected.Inc()
		metrics.RateLimitHits.Inc()
		resp.Reason = out.Reason
		resp.RetryAfterMs = out.RetryAfter.Milliseconds()
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int64(out.RetryAfter.Seconds())+1))
		status = http.StatusTooManyRequests

	case errors.Is(err, domain.ErrBlocked), errors.Is(err, domain.ErrForbidden):
		// Neutral refusal: no detector detail leaves the pipeline.
		metrics.MessagesRejected.Inc()
		if errors.Is(err, domain.ErrBlocked) {
			metrics.SecurityBlocks.Inc()
		}
		resp.Reason = out.Reason
		resp.Detail = "request cannot be processed"
		status = http.StatusForbidden

	case errors.Is(err, domain.ErrStorageUnavailable):
		metrics.MessagesRejected.Inc()
		resp.Reason = out.Reason
		resp.Detail = "temporarily unavailable, retry"
		status = http.StatusServiceUnavailable

	default:
		metrics.MessagesRejected.Inc()
		resp.Reason = "internal"
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, resp)
}

func (s *ingestServer) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.Issue(r.Context(), req.UserID)
	if err != nil {
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	}
	metrics.ActiveSessions.Set(int64(s.sessions.Active()))

	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      sess.Token,
		"expires_at": sess.ExpiresAt,
	})
}

func (s *ingestServer) handleSessionRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Revoke(r.Context(), r.PathValue("token")); err != nil {
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	}
	metrics.ActiveSessions.Set(int64(s.sessions.Active()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *ingestServer) handleIdentityLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel        string `json:"channel"`
		ExternalUserID string `json:"external_user_id"`
		UserID         int64  `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	link, err := s.inbox.Link(r.Context(), domain.Channel(req.Channel), req.ExternalUserID, req.UserID)
	switch {
	case errors.Is(err, domain.ErrForbidden):
		http.Error(w, "identity already linked", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, "identity store unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channel":          link.Channel,
		"external_user_id": link.ExternalUserID,
		"user_id":          link.UserID,
		"linked_at":        link.LinkedAt,
	})
}

func (s *ingestServer) handleConversation(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.inbox.Conversation(r.Context(), r.PathValue("id"), 100)
	if err != nil {
		http.Error(w, "message store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *ingestServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics.GatewayObservers.Set(int64(s.hub.Observers()))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   version,
		"sessions":  s.sessions.Active(),
		"observers": s.hub.Observers(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
