// Package router drives every inbound message through the security pipeline
// in fixed stage order: session, rate limit, sanitize, authorize, audit,
// persist. Rejection at any stage short-circuits the rest, except the audit
// write, which always records the terminal outcome.
package router

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"dexd/internal/audit"
	"dexd/internal/domain"
	"dexd/internal/inbox"
	"dexd/internal/ratelimit"
	"dexd/internal/rbac"
	"dexd/internal/sanitize"
	"dexd/internal/session"

	"github.com/google/uuid"
)

// State names one position in the per-message pipeline.
type State string

const (
	StateReceived       State = "received"
	StateSessionChecked State = "session_checked"
	StateRateChecked    State = "rate_checked"
	StateSanitized      State = "sanitized"
	StateAuthorized     State = "authorized"
	StateAudited        State = "audited"
	StateAccepted       State = "accepted"
	StateRejected       State = "rejected"
)

// Submission is one inbound message plus the credentials it arrived with.
type Submission struct {
	Message      domain.UnifiedMessage
	SessionToken string
}

// Outcome is the terminal result returned to the channel adapter.
type Outcome struct {
	State      State
	TraceID    string
	Message    domain.UnifiedMessage
	Verdict    domain.SecurityVerdict
	Reason     string        // reject taxonomy name, empty when accepted
	RetryAfter time.Duration // set only for rate_limited
	Err        error
}

// RoleResolver maps an authenticated user to a role. Role assignment lives
// with the identity provider; the router only asks.
type RoleResolver interface {
	RoleFor(ctx context.Context, userID int64) (domain.Role, error)
}

// RoleResolverFunc adapts a function to the RoleResolver interface.
type RoleResolverFunc func(ctx context.Context, userID int64) (domain.Role, error)

func (f RoleResolverFunc) RoleFor(ctx context.Context, userID int64) (domain.Role, error) {
	return f(ctx, userID)
}

// Processor is the external core an accepted message is handed to. Events
// it returns are broadcast through the gateway.
type Processor interface {
	Process(ctx context.Context, msg domain.UnifiedMessage, prefs domain.Preferences) ([]domain.Event, error)
}

// Broadcaster is the gateway-facing fan-out surface.
type Broadcaster interface {
	Broadcast(ev domain.Event)
}

// StageObserver receives per-stage timings for metrics aggregation.
type StageObserver func(stage string, elapsed time.Duration)

// Config wires the router's collaborators.
type Config struct {
	Sessions  *session.Manager
	Limiter   *ratelimit.Limiter
	Sanitizer *sanitize.Sanitizer
	RBAC      *rbac.Engine
	Audit     *audit.Logger
	Inbox     *inbox.Inbox

	Roles     RoleResolver // nil: every authenticated user is RoleUser
	Processor Processor    // nil: accept without downstream processing
	Gateway   Broadcaster  // nil: events are dropped
	Observe   StageObserver

	Workers   int
	QueueSize int
	Logger    *slog.Logger
}

type job struct {
	ctx   context.Context
	sub   Submission
	reply chan Outcome
}

// Router owns the worker pool. Jobs are partitioned by conversation id so
// messages of one conversation are processed by one worker in receipt
// order; different conversations spread across the pool.
type Router struct {
	cfg    Config
	logger *slog.Logger

	queues []chan job
	wg     sync.WaitGroup

	closeOnce sync.Once
	doneOnce  sync.Once
	closed    chan struct{} // no new submissions
	done      chan struct{} // workers exited, queues drained
}

func New(cfg Config) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Roles == nil {
		cfg.Roles = RoleResolverFunc(func(context.Context, int64) (domain.Role, error) {
			return domain.RoleUser, nil
		})
	}
	if cfg.Observe == nil {
		cfg.Observe = func(string, time.Duration) {}
	}

	r := &Router{
		cfg:    cfg,
		logger: cfg.Logger,
		queues: make([]chan job, cfg.Workers),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for i := range r.queues {
		r.queues[i] = make(chan job, cfg.QueueSize)
		r.wg.Add(1)
		go r.worker(r.queues[i])
	}
	return r
}

// Submit runs one message through the pipeline and waits for its terminal
// outcome. Safe for concurrent use; submissions sharing a conversation id
// are serialized, everything else proceeds in parallel.
func (r *Router) Submit(ctx context.Context, sub Submission) (Outcome, error) {
	select {
	case <-r.closed:
		return Outcome{}, fmt.Errorf("router closed: %w", domain.ErrInternal)
	default:
	}

	j := job{ctx: ctx, sub: sub, reply: make(chan Outcome, 1)}
	queue := r.queues[partition(sub.Message.ConversationID, len(r.queues))]

	select {
	case queue <- j:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-r.closed:
		return Outcome{}, fmt.Errorf("router closed: %w", domain.ErrInternal)
	}

	select {
	case out := <-j.reply:
		return out, out.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-r.done:
		// The workers have exited. Anything they drained has its reply
		// buffered by now; a job that slipped in after the final drain
		// pass never will, so don't wait for it.
		select {
		case out := <-j.reply:
			return out, out.Err
		default:
			return Outcome{}, fmt.Errorf("router closed: %w", domain.ErrInternal)
		}
	}
}

// Close stops accepting submissions, drains queued work and waits for the
// workers to exit.
func (r *Router) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
	r.wg.Wait()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *Router) worker(queue chan job) {
	defer r.wg.Done()
	for {
		select {
		case j := <-queue:
			j.reply <- r.process(j.ctx, j.sub)
		case <-r.closed:
			// Drain whatever was queued before shutdown so every
			// accepted submission still gets its outcome.
			for {
				select {
				case j := <-queue:
					j.reply <- r.process(j.ctx, j.sub)
				default:
					return
				}
			}
		}
	}
}

// process is the state machine for one message. The stage order is fixed;
// each later stage's audit record reflects the outcome of all earlier
// checks.
func (r *Router) process(ctx context.Context, sub Submission) Outcome {
	traceID := uuid.NewString()
	msg := sub.Message
	actor := fmt.Sprintf("%s:%s", msg.Channel, msg.ExternalUserID)
	out := Outcome{State: StateReceived, TraceID: traceID, Message: msg}

	// Session.
	start := time.Now()
	sess, err := r.cfg.Sessions.Validate(ctx, sub.SessionToken)
	r.cfg.Observe("session", time.Since(start))
	if err != nil {
		return r.reject(ctx, out, actor, err)
	}
	out.State = StateSessionChecked
	actor = fmt.Sprintf("user:%d", sess.UserID)

	// Rate limit. A context already past its deadline counts as an
	// internal failure, not a user-visible limit.
	if ctx.Err() != nil {
		return r.reject(ctx, out, actor, fmt.Errorf("rate stage: %v: %w", ctx.Err(), domain.ErrInternal))
	}
	start = time.Now()
	err = r.cfg.Limiter.Admit(ctx, ratelimit.Identity{UserID: sess.UserID, Channel: msg.Channel}, 1)
	r.cfg.Observe("ratelimit", time.Since(start))
	if err != nil {
		return r.reject(ctx, out, actor, err)
	}
	out.State = StateRateChecked

	// Sanitize.
	if ctx.Err() != nil {
		return r.reject(ctx, out, actor, fmt.Errorf("sanitize stage: %v: %w", ctx.Err(), domain.ErrInternal))
	}
	start = time.Now()
	verdict := r.cfg.Sanitizer.Classify(msg.Body, sanitize.Context{Channel: msg.Channel, Kind: "message"})
	r.cfg.Observe("sanitize", time.Since(start))
	out.Verdict = verdict
	if verdict.Recommendation == domain.RecommendBlock || verdict.Recommendation == domain.RecommendEscalate {
		return r.reject(ctx, out, actor, fmt.Errorf("risk %s: %w", verdict.RiskLevel, domain.ErrBlocked))
	}
	out.State = StateSanitized

	// Authorize.
	role, err := r.cfg.Roles.RoleFor(ctx, sess.UserID)
	if err != nil {
		return r.reject(ctx, out, actor, fmt.Errorf("resolve role: %v: %w", err, domain.ErrInternal))
	}
	start = time.Now()
	err = r.cfg.RBAC.Authorize(role, domain.ActionSendMessage, domain.ResourceConversation)
	r.cfg.Observe("authorize", time.Since(start))
	if err != nil {
		return r.reject(ctx, out, actor, err)
	}
	out.State = StateAuthorized

	// Audit the acceptance before persisting. Audit failure aborts the
	// whole request; an unaudited acceptance must never reach the inbox.
	start = time.Now()
	_, err = r.cfg.Audit.Record(ctx, audit.Fields{
		TraceID:  traceID,
		Actor:    actor,
		Action:   "message.route",
		Resource: "conversation:" + msg.ConversationID,
		Outcome:  string(StateAccepted),
	})
	r.cfg.Observe("audit", time.Since(start))
	if err != nil {
		out.State = StateRejected
		out.Reason = domain.RejectReason(err)
		out.Err = err
		r.logger.Error("audit write failed, aborting request", "trace_id", traceID, "err", err)
		return out
	}
	out.State = StateAudited

	// Persist. A failed write gets its own audit entry so the trail shows
	// the acceptance never completed.
	start = time.Now()
	stored, err := r.cfg.Inbox.Accept(ctx, msg)
	r.cfg.Observe("persist", time.Since(start))
	if err != nil {
		r.auditOutcome(ctx, traceID, actor, msg.ConversationID, "persist_failed")
		out.State = StateRejected
		out.Reason = domain.RejectReason(err)
		out.Err = err
		return out
	}
	out.Message = stored

	out.State = StateAccepted
	r.broadcast(domain.Event{Type: domain.EventActivity, Data: map[string]string{
		"message_id":      stored.ID,
		"conversation_id": stored.ConversationID,
		"channel":         string(stored.Channel),
	}})

	// Hand off to the processing core. Its failures do not un-accept the
	// message; they are logged and surfaced as state events.
	if r.cfg.Processor != nil {
		prefs, perr := r.cfg.Inbox.PreferencesFor(ctx, sess.UserID)
		if perr != nil {
			r.logger.Warn("preferences unavailable, processing with defaults", "trace_id", traceID, "err", perr)
		}
		events, perr := r.cfg.Processor.Process(ctx, stored, prefs)
		if perr != nil {
			r.logger.Error("processor failed", "trace_id", traceID, "message_id", stored.ID, "err", perr)
		}
		for _, ev := range events {
			r.broadcast(ev)
		}
	}

	r.logger.Info("message accepted",
		"trace_id", traceID, "message_id", stored.ID,
		"conversation_id", stored.ConversationID, "channel", stored.Channel)
	return out
}

// reject records the terminal outcome in the audit log and shapes the
// rejection. If even the audit write fails, storage takes precedence as
// the reported reason.
func (r *Router) reject(ctx context.Context, out Outcome, actor string, cause error) Outcome {
	reason := domain.RejectReason(cause)
	out.State = StateRejected
	out.Reason = reason
	out.Err = cause

	var rle *domain.RateLimitError
	if errors.As(cause, &rle) {
		out.RetryAfter = rle.RetryAfter
	}

	if err := r.auditOutcome(ctx, out.TraceID, actor, out.Message.ConversationID, "rejected:"+reason); err != nil {
		out.Reason = domain.RejectReason(err)
		out.Err = err
		return out
	}

	r.logger.Info("message rejected",
		"trace_id", out.TraceID, "reason", reason,
		"conversation_id", out.Message.ConversationID, "channel", out.Message.Channel)
	return out
}

func (r *Router) auditOutcome(ctx context.Context, traceID, actor, conversationID, outcome string) error {
	_, err := r.cfg.Audit.Record(ctx, audit.Fields{
		TraceID:  traceID,
		Actor:    actor,
		Action:   "message.route",
		Resource: "conversation:" + conversationID,
		Outcome:  outcome,
	})
	if err != nil {
		r.logger.Error("audit write failed", "trace_id", traceID, "err", err)
	}
	return err
}

func (r *Router) broadcast(ev domain.Event) {
	if r.cfg.Gateway != nil {
		r.cfg.Gateway.Broadcast(ev)
	}
}

func partition(conversationID string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(workers))
}
