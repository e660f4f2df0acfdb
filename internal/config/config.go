package config

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Values are loaded from an optional
// YAML file, then overridden from the environment.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Paths     PathsConfig     `yaml:"paths"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Redis     RedisConfig     `yaml:"redis"`
	Usage     UsageConfig     `yaml:"usage"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port    int    `yaml:"port"`
	Debug   bool   `yaml:"debug"`
	LogFile string `yaml:"log_file"`
}

// SecurityConfig holds management auth and client gating settings.
type SecurityConfig struct {
	ManagementKey     string   `yaml:"management_key"`
	ManagementKeyHash string   `yaml:"management_key_hash"`
	AllowedClientIPs  []string `yaml:"allowed_client_ips"`
	CORSOrigins       []string `yaml:"cors_origins"`
}

// PathsConfig holds credential file locations.
type PathsConfig struct {
	CredsRoot     string `yaml:"creds_root"`
	MasterKeyFile string `yaml:"master_key_file"`
}

// VertexDir is the directory scanned for service-account JSON files.
func (p PathsConfig) VertexDir() string { return filepath.Join(p.CredsRoot, "vertex") }

// GeminiKeysFile is the JSON file holding the API key list.
func (p PathsConfig) GeminiKeysFile() string {
	return filepath.Join(p.CredsRoot, "gemini", "api_keys.json")
}

// UpstreamConfig holds upstream endpoints and the retry policy.
type UpstreamConfig struct {
	VertexBaseURL     string `yaml:"vertex_base_url"`
	GeminiBaseURL     string `yaml:"gemini_base_url"`
	TokenURL          string `yaml:"token_url"` // blank = Google's token endpoint
	MaxRetries        int    `yaml:"max_retries"`
	AttemptTimeoutSec int    `yaml:"attempt_timeout_sec"`
	WatchCredentials  bool   `yaml:"watch_credentials"`
}

// RateLimitConfig throttles inbound clients.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	RPS     int  `yaml:"rps"`
	Burst   int  `yaml:"burst"`
}

// RedisConfig is shared by the operation-affinity store and the redis usage backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// UsageConfig selects where usage statistics are persisted.
type UsageConfig struct {
	Backend            string `yaml:"backend"` // file, redis, postgres, mongodb
	BaseDir            string `yaml:"base_dir"`
	PostgresDSN        string `yaml:"postgres_dsn"`
	MongoURI           string `yaml:"mongo_uri"`
	MongoDatabase      string `yaml:"mongo_database"`
	PersistIntervalSec int    `yaml:"persist_interval_sec"`
}

// Default returns the configuration used when no file and no env overrides exist.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8000,
		},
		Security: SecurityConfig{
			AllowedClientIPs: []string{"*"},
			CORSOrigins:      []string{"*"},
		},
		Paths: PathsConfig{
			CredsRoot:     "credentials",
			MasterKeyFile: filepath.Join("secrets", "master.key"),
		},
		Upstream: UpstreamConfig{
			VertexBaseURL:     "https://us-central1-aiplatform.googleapis.com",
			GeminiBaseURL:     "https://generativelanguage.googleapis.com",
			MaxRetries:        10,
			AttemptTimeoutSec: 120,
			WatchCredentials:  true,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			RPS:     50,
			Burst:   100,
		},
		Redis: RedisConfig{
			Prefix: "orchestrator",
		},
		Usage: UsageConfig{
			Backend:            "file",
			BaseDir:            "data",
			MongoDatabase:      "orchestrator",
			PersistIntervalSec: 60,
		},
	}
}

// Load reads the YAML file at path (if present) over the defaults, then applies
// environment overrides. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			log.WithField("path", path).Debug("Config file not found, using defaults")
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Upstream.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", c.Upstream.MaxRetries)
	}
	if c.Upstream.AttemptTimeoutSec <= 0 {
		return fmt.Errorf("attempt_timeout_sec must be positive, got %d", c.Upstream.AttemptTimeoutSec)
	}
	if c.Upstream.VertexBaseURL == "" || c.Upstream.GeminiBaseURL == "" {
		return fmt.Errorf("upstream base URLs must not be empty")
	}
	switch c.Usage.Backend {
	case "file", "redis", "postgres", "mongodb", "none":
	default:
		return fmt.Errorf("unknown usage backend %q", c.Usage.Backend)
	}
	return nil
}

// EnsureDirectories creates the credential layout on first start so operators
// have an obvious place to drop key material.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Paths.CredsRoot,
		c.Paths.VertexDir(),
		filepath.Dir(c.Paths.GeminiKeysFile()),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	// Empty template for the Gemini key list keeps first-run logs quiet.
	if _, err := os.Stat(c.Paths.GeminiKeysFile()); os.IsNotExist(err) {
		if err := os.WriteFile(c.Paths.GeminiKeysFile(), []byte("[]\n"), 0o600); err != nil {
			return fmt.Errorf("create key template %s: %w", c.Paths.GeminiKeysFile(), err)
		}
		log.WithField("path", c.Paths.GeminiKeysFile()).Warn("Created empty Gemini key template")
	}
	return nil
}
