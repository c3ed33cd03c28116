package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"dexd/internal/audit"
	"dexd/internal/config"
	"dexd/internal/store"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "dexd",
		Short: "dexd: message backbone for the Dex assistant",
		Long:  "dexd routes canonical messages through the security pipeline (session, rate limit, sanitize, authorize, audit) and fans state out to observers.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.dexd/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(verifyAuditCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		return config.Defaults()
	}
	return cfg
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "db", cfg.Storage.DBPath)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			db, err := store.NewSQLiteStore(cfg.Storage.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			counts, err := db.Counts(context.Background())
			if err != nil {
				return err
			}
			logger.Info("store",
				"path", cfg.Storage.DBPath,
				"messages", counts["messages"],
				"identities", counts["channel_users"],
				"sessions", counts["sessions"],
				"audit_entries", counts["audit_log"],
				"cost_records", counts["cost_records"],
			)
			return nil
		},
	}
}

func verifyAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-audit",
		Short: "Recompute the audit hash chain and report tampering",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			db, err := store.NewSQLiteStore(cfg.Storage.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			entries, err := db.AuditEntries(context.Background(), 0)
			if err != nil {
				return fmt.Errorf("load audit log: %w", err)
			}

			if err := audit.VerifyChain(entries); err != nil {
				logger.Error("audit chain verification FAILED", "entries", len(entries), "err", err)
				return err
			}
			logger.Info("audit chain verified", "entries", len(entries))
			return nil
		},
	}
}
