package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dexd/internal/audit"
	"dexd/internal/config"
	"dexd/internal/domain"
	"dexd/internal/gateway"
	"dexd/internal/inbox"
	"dexd/internal/metrics"
	"dexd/internal/ratelimit"
	"dexd/internal/rbac"
	"dexd/internal/router"
	"dexd/internal/sanitize"
	"dexd/internal/session"
	"dexd/internal/store"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the message backbone (pipeline + gateway + ingest)",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.General.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer db.Close()

	sessions := session.NewManager(db,
		time.Duration(cfg.Session.IdleTimeoutMinutes)*time.Minute,
		time.Duration(cfg.Session.TTLHours)*time.Hour,
		logger)
	if err := sessions.Load(ctx); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}

	limiter := ratelimit.NewLimiter(bucketClasses(cfg), channelClasses(cfg), db, logger)

	var extraRules []sanitize.Rule
	if cfg.Sanitizer.RulePack != "" {
		extraRules, err = sanitize.LoadRules(config.ExpandPath(cfg.Sanitizer.RulePack))
		if err != nil {
			return fmt.Errorf("rule pack: %w", err)
		}
		logger.Info("rule pack loaded", "path", cfg.Sanitizer.RulePack, "rules", len(extraRules))
	}
	sanitizer, err := sanitize.New(cfg.Sanitizer.Categories, extraRules)
	if err != nil {
		return fmt.Errorf("sanitizer: %w", err)
	}

	auditLog, err := audit.NewLogger(ctx, db,
		time.Duration(cfg.Storage.WriteTimeoutSeconds)*time.Second, logger)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer auditLog.Close()

	ib := inbox.New(db, db, db,
		time.Duration(cfg.Storage.WriteTimeoutSeconds)*time.Second, logger)

	hub := gateway.NewHub(cfg.Gateway.ObserverQueueSize, logger)
	defer hub.Close()
	if cfg.Gateway.Enabled {
		gw := gateway.NewServer(gateway.ServerConfig{
			Host:            cfg.Gateway.Host,
			Port:            cfg.Gateway.Port,
			Path:            cfg.Gateway.Path,
			MaxSendFailures: cfg.Gateway.MaxSendFailures,
			Logger:          logger,
		}, hub)
		go func() {
			if err := gw.Start(ctx); err != nil {
				logger.Error("gateway server error", "err", err)
			}
		}()
	}

	tracker := metrics.NewTracker(db,
		time.Duration(cfg.Metrics.SlowThresholdMs)*time.Millisecond, logger)
	if cfg.Metrics.Enabled {
		go tracker.Run(ctx, time.Duration(cfg.Metrics.SnapshotIntervalSeconds)*time.Second)
	}

	r := router.New(router.Config{
		Sessions:  sessions,
		Limiter:   limiter,
		Sanitizer: sanitizer,
		RBAC:      rbac.NewEngine(),
		Audit:     auditLog,
		Inbox:     ib,
		Gateway:   hub,
		Processor: stateEcho{},
		Observe:   tracker.Observe,
		Workers:   cfg.General.Concurrency,
		QueueSize: cfg.General.QueueSize,
		Logger:    logger,
	})
	defer r.Close()

	if cfg.Ingest.Enabled {
		ingest := newIngestServer(cfg, r, sessions, ib, hub, logger)
		go func() {
			if err := ingest.Start(ctx); err != nil {
				logger.Error("ingest server error", "err", err)
			}
		}()
	}

	logger.Info("dexd started", "version", version,
		"workers", cfg.General.Concurrency,
		"gateway", cfg.Gateway.Enabled, "ingest", cfg.Ingest.Enabled)

	<-ctx.Done()
	logger.Info("shutting down...")
	return nil
}

// stateEcho is the placeholder processing core: it acknowledges the handoff
// with a state event so observers see accepted traffic move. The real core
// attaches here.
type stateEcho struct{}

func (stateEcho) Process(ctx context.Context, msg domain.UnifiedMessage, prefs domain.Preferences) ([]domain.Event, error) {
	return []domain.Event{{
		Type: domain.EventState,
		Data: map[string]string{"status": "handed_off", "message_id": msg.ID},
	}}, nil
}

func bucketClasses(cfg *config.Config) map[string]ratelimit.Class {
	classes := make(map[string]ratelimit.Class, len(cfg.RateLimit.Classes))
	for name, bc := range cfg.RateLimit.Classes {
		classes[name] = ratelimit.Class{
			Capacity:        bc.Capacity,
			RefillPerSecond: bc.RefillPerSecond,
			UnitCostUSD:     bc.UnitCostUSD,
		}
	}
	return classes
}

func channelClasses(cfg *config.Config) map[domain.Channel]string {
	byChannel := make(map[domain.Channel]string, len(cfg.RateLimit.ClassByChannel))
	for ch, class := range cfg.RateLimit.ClassByChannel {
		byChannel[domain.Channel(ch)] = class
	}
	return byChannel
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
