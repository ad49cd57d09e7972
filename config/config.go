package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is assembled once at startup and shared read-only by every component.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Stream    StreamConfig    `yaml:"stream"`
	Forwarder ForwarderConfig `yaml:"forwarder"`
	Notify    NotifyConfig    `yaml:"notify"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Features  Features        `yaml:"features"`
}

// ServerConfig controls the HTTP listener of the monitor.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// DatabaseConfig selects the window store backend.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// MonitorConfig holds window arithmetic parameters.
type MonitorConfig struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeatIntervalSeconds"`
	WindowDurationSeconds    int `yaml:"windowDurationSeconds"`
}

// SweepConfig controls the scheduled reconciler.
type SweepConfig struct {
	Schedule string `yaml:"schedule"`
}

// StreamConfig names the durable report log and the consumer group reading it.
type StreamConfig struct {
	URL               string `yaml:"url"`
	Name              string `yaml:"name"`
	Subject           string `yaml:"subject"`
	DeadLetterSubject string `yaml:"deadLetterSubject"`
	Group             string `yaml:"group"`
	Consumer          string `yaml:"consumer"`
}

// ForwarderConfig controls reading and retry behaviour of the forwarder.
type ForwarderConfig struct {
	MonitorURL        string        `yaml:"monitorURL"`
	BlockTimeout      time.Duration `yaml:"blockTimeout"`
	BatchSize         int           `yaml:"batchSize"`
	MaxRetries        int           `yaml:"maxRetries"`
	RetryCapSeconds   int           `yaml:"retryCapSeconds"`
	JitterStep        time.Duration `yaml:"jitterStep"`
	ConnectivityPause time.Duration `yaml:"connectivityPause"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	AckWait           time.Duration `yaml:"ackWait"`
}

// NotifyConfig configures alert channels for windows that close in ALERT.
type NotifyConfig struct {
	SendGridAPIKey  string `yaml:"sendgridAPIKey"`
	AlertEmail      string `yaml:"alertEmail"`
	SlackWebhookURL string `yaml:"slackWebhookURL"`
}

// AuthConfig configures service tokens between forwarder and monitor.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwtSecret"`
	TokenTTL  time.Duration `yaml:"tokenTTL"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("HEARTBEAT_MONITOR_CONFIG")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing else is supplied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "5001",
			GracefulTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "postgres",
		},
		Monitor: MonitorConfig{
			HeartbeatIntervalSeconds: 10,
			WindowDurationSeconds:    300,
		},
		Sweep: SweepConfig{
			Schedule: "@every 30s",
		},
		Stream: StreamConfig{
			URL:               "nats://localhost:4222",
			Name:              "reports",
			Subject:           "reports.heartbeat",
			DeadLetterSubject: "reports.dead",
			Group:             "monitor-queue-group",
			Consumer:          "worker-1",
		},
		Forwarder: ForwarderConfig{
			MonitorURL:        "http://localhost:5001/api/monitor/heartbeats",
			BlockTimeout:      5 * time.Second,
			BatchSize:         10,
			MaxRetries:        12,
			RetryCapSeconds:   300,
			JitterStep:        100 * time.Millisecond,
			ConnectivityPause: 5 * time.Second,
			RequestTimeout:    10 * time.Second,
			AckWait:           10 * time.Minute,
		},
		Auth: AuthConfig{
			TokenTTL: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Features: Features{
			ScheduledSweepEnabled: true,
			DeadLetterEnabled:     true,
		},
	}
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Monitor.HeartbeatIntervalSeconds <= 0 {
		problems = append(problems, "monitor.heartbeatIntervalSeconds must be positive")
	}
	if c.Stream.Name == "" || c.Stream.Group == "" || c.Stream.Consumer == "" {
		problems = append(problems, "stream name, group and consumer are required")
	}
	if c.Forwarder.BatchSize < 1 {
		problems = append(problems, "forwarder.batchSize must be at least 1")
	}
	if c.Forwarder.MaxRetries < 1 {
		problems = append(problems, "forwarder.maxRetries must be at least 1")
	}
	if c.Forwarder.AckWait <= c.Forwarder.BlockTimeout {
		problems = append(problems, "forwarder.ackWait must exceed forwarder.blockTimeout")
	}
	if c.Forwarder.RetryCapSeconds < 1 {
		problems = append(problems, "forwarder.retryCapSeconds must be at least 1")
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Features.AuthEnabled && c.Auth.JWTSecret == "" {
		problems = append(problems, "auth.jwtSecret is required when auth is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// HeartbeatInterval returns the configured interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Monitor.HeartbeatIntervalSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	setInt(&cfg.Monitor.HeartbeatIntervalSeconds, "HEARTBEAT_INTERVAL_SECONDS")
	setInt(&cfg.Monitor.WindowDurationSeconds, "WINDOW_DURATION_SECONDS")
	if v := os.Getenv("SWEEP_SCHEDULE"); v != "" {
		cfg.Sweep.Schedule = v
	}

	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Stream.URL = v
	}
	if v := os.Getenv("STREAM_NAME"); v != "" {
		cfg.Stream.Name = v
	}
	if v := os.Getenv("STREAM_SUBJECT"); v != "" {
		cfg.Stream.Subject = v
	}
	if v := os.Getenv("DEAD_LETTER_SUBJECT"); v != "" {
		cfg.Stream.DeadLetterSubject = v
	}
	if v := os.Getenv("CONSUMER_GROUP"); v != "" {
		cfg.Stream.Group = v
	}
	if v := os.Getenv("CONSUMER_NAME"); v != "" {
		cfg.Stream.Consumer = v
	}

	if v := os.Getenv("MONITOR_URL"); v != "" {
		cfg.Forwarder.MonitorURL = v
	}
	if v := os.Getenv("BLOCK_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Forwarder.BlockTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	setInt(&cfg.Forwarder.BatchSize, "BATCH_SIZE")
	setInt(&cfg.Forwarder.MaxRetries, "MAX_RETRIES")
	setInt(&cfg.Forwarder.RetryCapSeconds, "RETRY_CAP_SECONDS")

	if v := os.Getenv("SENDGRID_API_KEY"); v != "" {
		cfg.Notify.SendGridAPIKey = v
	}
	if v := os.Getenv("ALERT_EMAIL"); v != "" {
		cfg.Notify.AlertEmail = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notify.SlackWebhookURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.Logging.JSON = parseBool(v)
	}

	applyFeatureOverrides(&cfg.Features)
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
