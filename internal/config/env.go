package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnvOverrides layers ORCH_* environment variables on top of whatever the
// YAML file provided. Only variables that are actually set take effect.
func applyEnvOverrides(cfg *Config) {
	setIntFromEnv("ORCH_PORT", func(v int) { cfg.Server.Port = v })
	setToggleFromEnv("ORCH_DEBUG", func(v bool) { cfg.Server.Debug = v })
	setFromEnv("ORCH_LOG_FILE", func(v string) { cfg.Server.LogFile = v })

	setFromEnv("ORCH_MANAGEMENT_KEY", func(v string) { cfg.Security.ManagementKey = v })
	setFromEnv("ORCH_MANAGEMENT_KEY_HASH", func(v string) { cfg.Security.ManagementKeyHash = v })
	setFromEnv("ORCH_ALLOWED_CLIENT_IPS", func(v string) {
		cfg.Security.AllowedClientIPs = splitAndTrim(v, ",")
	})
	setFromEnv("ORCH_CORS_ORIGINS", func(v string) {
		cfg.Security.CORSOrigins = splitAndTrim(v, ",")
	})

	setFromEnv("ORCH_CREDS_ROOT", func(v string) { cfg.Paths.CredsRoot = v })
	setFromEnv("ENCRYPTION_KEY_FILE", func(v string) { cfg.Paths.MasterKeyFile = v })

	setFromEnv("ORCH_VERTEX_BASE_URL", func(v string) { cfg.Upstream.VertexBaseURL = v })
	setFromEnv("ORCH_GEMINI_BASE_URL", func(v string) { cfg.Upstream.GeminiBaseURL = v })
	setFromEnv("ORCH_TOKEN_URL", func(v string) { cfg.Upstream.TokenURL = v })
	setIntFromEnv("ORCH_MAX_RETRIES", func(v int) { cfg.Upstream.MaxRetries = v })
	setIntFromEnv("ORCH_ATTEMPT_TIMEOUT_SEC", func(v int) { cfg.Upstream.AttemptTimeoutSec = v })
	setToggleFromEnv("ORCH_WATCH_CREDENTIALS", func(v bool) { cfg.Upstream.WatchCredentials = v })

	setToggleFromEnv("ORCH_RATE_LIMIT_ENABLED", func(v bool) { cfg.RateLimit.Enabled = v })
	setIntFromEnv("ORCH_RATE_LIMIT_RPS", func(v int) { cfg.RateLimit.RPS = v })
	setIntFromEnv("ORCH_RATE_LIMIT_BURST", func(v int) { cfg.RateLimit.Burst = v })

	setFromEnv("ORCH_REDIS_ADDR", func(v string) { cfg.Redis.Addr = v })
	setFromEnv("ORCH_REDIS_PASSWORD", func(v string) { cfg.Redis.Password = v })
	setIntFromEnv("ORCH_REDIS_DB", func(v int) { cfg.Redis.DB = v })
	setFromEnv("ORCH_REDIS_PREFIX", func(v string) { cfg.Redis.Prefix = v })

	setFromEnv("ORCH_USAGE_BACKEND", func(v string) { cfg.Usage.Backend = v })
	setFromEnv("ORCH_USAGE_BASE_DIR", func(v string) { cfg.Usage.BaseDir = v })
	setFromEnv("ORCH_POSTGRES_DSN", func(v string) { cfg.Usage.PostgresDSN = v })
	setFromEnv("ORCH_MONGO_URI", func(v string) { cfg.Usage.MongoURI = v })
	setFromEnv("ORCH_MONGO_DATABASE", func(v string) { cfg.Usage.MongoDatabase = v })
	setIntFromEnv("ORCH_USAGE_PERSIST_INTERVAL_SEC", func(v int) { cfg.Usage.PersistIntervalSec = v })
}

func setFromEnv(key string, setter func(string)) {
	if v := os.Getenv(key); v != "" {
		setter(v)
	}
}

func setIntFromEnv(key string, setter func(int)) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			setter(n)
		}
	}
}

func setToggleFromEnv(key string, setter func(bool)) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return
	}
	switch v {
	case "1", "true", "yes", "on":
		setter(true)
	case "0", "false", "no", "off":
		setter(false)
	}
}

func splitAndTrim(input, sep string) []string {
	parts := strings.Split(input, sep)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
