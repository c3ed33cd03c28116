package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:    "info",
			Concurrency: 8,
			QueueSize:   64,
		},
		Session: SessionConfig{
			IdleTimeoutMinutes: 30,
			TTLHours:           24 * 7,
		},
		RateLimit: RateLimitConfig{
			Classes: map[string]BucketClass{
				"default": {
					Capacity:        30,
					RefillPerSecond: 0.5, // 30/min sustained
					UnitCostUSD:     0,
				},
				"interactive": {
					Capacity:        10,
					RefillPerSecond: 0.2,
					UnitCostUSD:     0.001,
				},
			},
			ClassByChannel: map[string]string{
				"web": "interactive",
				"cli": "interactive",
			},
		},
		Sanitizer: SanitizerConfig{
			// empty Categories enables all four detector groups
		},
		Storage: StorageConfig{
			DBPath:              "~/.dexd/dexd.db",
			WriteTimeoutSeconds: 5,
		},
		Gateway: GatewayConfig{
			Enabled:           true,
			Host:              "127.0.0.1",
			Port:              8090,
			Path:              "/ws",
			ObserverQueueSize: 64,
			MaxSendFailures:   3,
		},
		Ingest: IngestConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8091,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			Endpoint:                "/metrics",
			SnapshotIntervalSeconds: 60,
			SlowThresholdMs:         250,
		},
	}
}
