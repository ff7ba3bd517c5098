// Package config provides configuration management for the crawler.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	Proxy        ProxyConfig
	Session      SessionConfig
	Browser      BrowserConfig
	Throttle     ThrottleConfig
	Orchestrator OrchestratorConfig
	Sink         SinkConfig
	Intake       IntakeConfig
	Operator     OperatorConfig
	Log          LogConfig
}

// ProxyConfig holds proxy pool configuration.
type ProxyConfig struct {
	// Addresses is a comma-separated host:port list seeded into the pool.
	Addresses    []string
	Username     string
	Password     string
	ProbeURL     string
	ProbeTimeout time.Duration
	LeaseTTL     time.Duration
	FailCooldown time.Duration
	ScoreFloor   int
	InitialScore int
}

// SessionConfig holds session store configuration.
type SessionConfig struct {
	Backend       string // memory or redis
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

// BrowserConfig holds browser session manager configuration.
type BrowserConfig struct {
	Headless       bool
	UserAgent      string
	DebugPort      int
	AttachTimeout  time.Duration
	RequestTimeout time.Duration
	UserDataDir    string
	SaveLoginState bool
	WindowWidth    int
	WindowHeight   int
}

// ThrottleConfig holds per-platform request throttling configuration.
type ThrottleConfig struct {
	RequestsPerSecond float64
	Burst             int
	MaxJitter         time.Duration
	Cooldown          time.Duration
}

// OrchestratorConfig holds worker pool configuration.
type OrchestratorConfig struct {
	GlobalWorkers      int
	PerPlatformWorkers int
	MaxRetries         int
	RetryDelay         time.Duration
	ItemTimeout        time.Duration
	LoginTimeout       time.Duration
	MaxPages           int
}

// SinkConfig holds persistence configuration.
type SinkConfig struct {
	Backends []string // jsonl, postgres

	JSONLPath string

	PGHost         string
	PGPort         int
	PGUser         string
	PGPassword     string
	PGDatabase     string
	PGSSLMode      string
	PGMaxOpenConns int
	PGMaxIdleConns int

	ArchiveEndpoint  string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveBucket    string
	ArchiveUseSSL    bool
}

// IntakeConfig holds work intake configuration.
type IntakeConfig struct {
	NATSURL         string
	Subject         string
	ProgressSubject string
}

// OperatorConfig holds the operator-facing login channel configuration.
type OperatorConfig struct {
	ListenAddr string
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Proxy: ProxyConfig{
			Addresses:    getEnvAsList("PROXY_ADDRESSES", nil),
			Username:     getEnv("PROXY_USERNAME", ""),
			Password:     getEnv("PROXY_PASSWORD", ""),
			ProbeURL:     getEnv("PROXY_PROBE_URL", "https://www.baidu.com"),
			ProbeTimeout: getEnvAsDuration("PROXY_PROBE_TIMEOUT", 10*time.Second),
			LeaseTTL:     getEnvAsDuration("PROXY_LEASE_TTL", 10*time.Minute),
			FailCooldown: getEnvAsDuration("PROXY_FAIL_COOLDOWN", 30*time.Second),
			ScoreFloor:   getEnvAsInt("PROXY_SCORE_FLOOR", 1),
			InitialScore: getEnvAsInt("PROXY_INITIAL_SCORE", 10),
		},
		Session: SessionConfig{
			Backend:       getEnv("SESSION_BACKEND", "memory"),
			RedisHost:     getEnv("REDIS_HOST", "localhost"),
			RedisPort:     getEnvAsInt("REDIS_PORT", 6379),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvAsInt("REDIS_DB", 0),
			TTL:           getEnvAsDuration("SESSION_TTL", 30*24*time.Hour),
		},
		Browser: BrowserConfig{
			Headless:       getEnvAsBool("BROWSER_HEADLESS", true),
			UserAgent:      getEnv("BROWSER_USER_AGENT", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
			DebugPort:      getEnvAsInt("BROWSER_DEBUG_PORT", 9222),
			AttachTimeout:  getEnvAsDuration("BROWSER_ATTACH_TIMEOUT", 5*time.Second),
			RequestTimeout: getEnvAsDuration("BROWSER_REQUEST_TIMEOUT", 60*time.Second),
			UserDataDir:    getEnv("BROWSER_USER_DATA_DIR", ""),
			SaveLoginState: getEnvAsBool("BROWSER_SAVE_LOGIN_STATE", true),
			WindowWidth:    getEnvAsInt("BROWSER_WINDOW_WIDTH", 1920),
			WindowHeight:   getEnvAsInt("BROWSER_WINDOW_HEIGHT", 1080),
		},
		Throttle: ThrottleConfig{
			RequestsPerSecond: getEnvAsFloat("THROTTLE_RPS", 1),
			Burst:             getEnvAsInt("THROTTLE_BURST", 1),
			MaxJitter:         getEnvAsDuration("THROTTLE_MAX_JITTER", 500*time.Millisecond),
			Cooldown:          getEnvAsDuration("THROTTLE_COOLDOWN", 60*time.Second),
		},
		Orchestrator: OrchestratorConfig{
			GlobalWorkers:      getEnvAsInt("ORCH_GLOBAL_WORKERS", 4),
			PerPlatformWorkers: getEnvAsInt("ORCH_PLATFORM_WORKERS", 2),
			MaxRetries:         getEnvAsInt("ORCH_MAX_RETRIES", 3),
			RetryDelay:         getEnvAsDuration("ORCH_RETRY_DELAY", 5*time.Second),
			ItemTimeout:        getEnvAsDuration("ORCH_ITEM_TIMEOUT", 5*time.Minute),
			LoginTimeout:       getEnvAsDuration("ORCH_LOGIN_TIMEOUT", 2*time.Minute),
			MaxPages:           getEnvAsInt("ORCH_MAX_PAGES", 20),
		},
		Sink: SinkConfig{
			Backends:       getEnvAsList("SINK_BACKENDS", []string{"jsonl"}),
			JSONLPath:      getEnv("SINK_JSONL_PATH", "data/records.jsonl"),
			PGHost:         getEnv("DB_HOST", "localhost"),
			PGPort:         getEnvAsInt("DB_PORT", 5432),
			PGUser:         getEnv("DB_USER", "postgres"),
			PGPassword:     getEnv("DB_PASSWORD", ""),
			PGDatabase:     getEnv("DB_NAME", "mediaspider"),
			PGSSLMode:      getEnv("DB_SSL_MODE", "disable"),
			PGMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			PGMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),

			ArchiveEndpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
			ArchiveAccessKey: getEnv("ARCHIVE_ACCESS_KEY", ""),
			ArchiveSecretKey: getEnv("ARCHIVE_SECRET_KEY", ""),
			ArchiveBucket:    getEnv("ARCHIVE_BUCKET", "mediaspider-payloads"),
			ArchiveUseSSL:    getEnvAsBool("ARCHIVE_USE_SSL", false),
		},
		Intake: IntakeConfig{
			NATSURL:         getEnv("NATS_URL", ""),
			Subject:         getEnv("NATS_SUBJECT", "mediaspider.work"),
			ProgressSubject: getEnv("NATS_PROGRESS_SUBJECT", "mediaspider.progress"),
		},
		Operator: OperatorConfig{
			ListenAddr: getEnv("OPERATOR_LISTEN_ADDR", "127.0.0.1:8750"),
		},
		Log: LogConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "json"),
			AddSource: getEnvAsBool("LOG_ADD_SOURCE", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, b := range c.Sink.Backends {
		switch b {
		case "jsonl", "postgres":
		default:
			return fmt.Errorf("unknown sink backend %q", b)
		}
	}
	switch c.Session.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown session backend %q", c.Session.Backend)
	}
	if c.Orchestrator.GlobalWorkers < 1 || c.Orchestrator.PerPlatformWorkers < 1 {
		return fmt.Errorf("worker counts must be at least 1")
	}
	return nil
}

// DSN returns the Postgres connection string.
func (c *SinkConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PGHost, c.PGPort, c.PGUser, c.PGPassword, c.PGDatabase, c.PGSSLMode,
	)
}

// RedisAddr returns the Redis host:port address.
func (c *SessionConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return defaultValue
}
