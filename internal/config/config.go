package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the resolved options object for the dexd core.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Session   SessionConfig   `json:"session"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	Sanitizer SanitizerConfig `json:"sanitizer"`
	Storage   StorageConfig   `json:"storage"`
	Gateway   GatewayConfig   `json:"gateway"`
	Ingest    IngestConfig    `json:"ingest"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel    string `json:"logLevel"`
	LogFile     string `json:"logFile,omitempty"`
	Concurrency int    `json:"concurrency"` // router worker count (conversation partitions)
	QueueSize   int    `json:"queueSize"`   // per-worker submission queue depth
}

type SessionConfig struct {
	IdleTimeoutMinutes int `json:"idleTimeoutMinutes"`
	TTLHours           int `json:"ttlHours"`
}

// BucketClass defines the token bucket applied to one identity class.
type BucketClass struct {
	Capacity        float64 `json:"capacity"`
	RefillPerSecond float64 `json:"refillPerSecond"`
	UnitCostUSD     float64 `json:"unitCostUsd,omitempty"`
}

type RateLimitConfig struct {
	// Classes maps identity class names to bucket parameters. The
	// "default" class must exist; channels may override via ClassByChannel.
	Classes        map[string]BucketClass `json:"classes"`
	ClassByChannel map[string]string      `json:"classByChannel,omitempty"`
}

type SanitizerConfig struct {
	// Categories enables detector groups. Empty means all four.
	Categories []string `json:"categories,omitempty"`
	// RulePack optionally points at a YAML file with extra patterns.
	RulePack string `json:"rulePack,omitempty"`
}

type StorageConfig struct {
	DBPath              string `json:"dbPath"`
	WriteTimeoutSeconds int    `json:"writeTimeoutSeconds"`
}

type GatewayConfig struct {
	Enabled           bool   `json:"enabled"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Path              string `json:"path"`
	ObserverQueueSize int    `json:"observerQueueSize"`
	MaxSendFailures   int    `json:"maxSendFailures"`
}

// IngestConfig configures the local HTTP surface adapters submit
// canonical messages through.
type IngestConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

type MetricsConfig struct {
	Enabled                 bool   `json:"enabled"`
	Endpoint                string `json:"endpoint"`
	SnapshotIntervalSeconds int    `json:"snapshotIntervalSeconds"`
	SlowThresholdMs         int    `json:"slowThresholdMs"`
}

// DefaultConfigDir returns the default config directory (~/.dexd).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dexd"
	}
	return filepath.Join(home, ".dexd")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset
// or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.Concurrency < 1 || cfg.General.Concurrency > 256 {
		errs = append(errs, "general.concurrency must be between 1 and 256")
	}
	if cfg.General.QueueSize < 1 {
		errs = append(errs, "general.queueSize must be >= 1")
	}

	if cfg.Session.IdleTimeoutMinutes < 1 {
		errs = append(errs, "session.idleTimeoutMinutes must be >= 1")
	}
	if cfg.Session.TTLHours < 1 {
		errs = append(errs, "session.ttlHours must be >= 1")
	}

	if _, ok := cfg.RateLimit.Classes["default"]; !ok {
		errs = append(errs, "rateLimit.classes must define a \"default\" class")
	}
	for name, bc := range cfg.RateLimit.Classes {
		if bc.Capacity <= 0 {
			errs = append(errs, fmt.Sprintf("rateLimit.classes.%s: capacity must be > 0", name))
		}
		if bc.RefillPerSecond <= 0 {
			errs = append(errs, fmt.Sprintf("rateLimit.classes.%s: refillPerSecond must be > 0", name))
		}
	}
	for channel, class := range cfg.RateLimit.ClassByChannel {
		if _, ok := cfg.RateLimit.Classes[class]; !ok {
			errs = append(errs, fmt.Sprintf("rateLimit.classByChannel.%s references unknown class: %s", channel, class))
		}
	}

	for _, cat := range cfg.Sanitizer.Categories {
		switch cat {
		case "prompt_injection", "jailbreak", "exfiltration", "code_injection":
			// valid
		default:
			errs = append(errs, fmt.Sprintf("sanitizer.categories contains unknown category: %s", cat))
		}
	}

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.dbPath is required")
	}
	if cfg.Storage.WriteTimeoutSeconds < 1 {
		errs = append(errs, "storage.writeTimeoutSeconds must be >= 1")
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 0 and 65535")
	}
	if cfg.Gateway.ObserverQueueSize < 1 {
		errs = append(errs, "gateway.observerQueueSize must be >= 1")
	}
	if cfg.Gateway.MaxSendFailures < 1 {
		errs = append(errs, "gateway.maxSendFailures must be >= 1")
	}
	if cfg.Ingest.Port < 0 || cfg.Ingest.Port > 65535 {
		errs = append(errs, "ingest.port must be between 0 and 65535")
	}
	if cfg.Metrics.SnapshotIntervalSeconds < 1 {
		errs = append(errs, "metrics.snapshotIntervalSeconds must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
