package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	pmcp "github.com/rendis/pulse/pkg/mcp"
	"github.com/rendis/pulse/pkg/schema"
)

// Config holds all pulse configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath      string `json:"db_path" validate:"required"`
	Definitions string `json:"definitions,omitempty"` // directory applied on serve
	LogLevel    string `json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string `json:"log_format" validate:"oneof=text json"`

	Workers      int    `json:"workers" validate:"gte=1"`
	PollInterval string `json:"poll_interval" validate:"duration"`
	StaleAfter   string `json:"stale_after" validate:"duration"`
	LeaseTTL     string `json:"lease_ttl" validate:"duration"`

	// Transport is "memory" (in-process channel) or "kafka".
	Transport     string   `json:"transport" validate:"oneof=memory kafka"`
	KafkaBrokers  []string `json:"kafka_brokers,omitempty" validate:"required_if=Transport kafka,dive,hostname_port"`
	ConsumerGroup string   `json:"consumer_group,omitempty"`
	SignalsTopic  string   `json:"signals_topic,omitempty"`
	EventsTopic   string   `json:"events_topic,omitempty"`

	// RedisAddr switches the lease table to Redis so several pulse processes
	// can share one database.
	RedisAddr string `json:"redis_addr,omitempty" validate:"omitempty,hostname_port"`

	Tracing bool `json:"tracing"`

	WebhookSecret string            `json:"webhook_secret,omitempty"`
	Channels      map[string]string `json:"channels,omitempty" validate:"dive,url"`

	MCPServers     []pmcp.ServerConfig `json:"mcp_servers,omitempty" validate:"dive"`
	ApprovalServer string              `json:"approval_server,omitempty"` // name of an MCP server
	ApprovalTool   string              `json:"approval_tool,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       filepath.Join(pulseDir(), "pulse.db"),
		LogLevel:     "info",
		LogFormat:    "text",
		Workers:      8,
		PollInterval: "1s",
		StaleAfter:   "5m",
		LeaseTTL:     "30s",
		Transport:    "memory",
	}
}

func pulseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pulse"
	}
	return filepath.Join(home, ".pulse")
}

func defaultSettingsPath() string {
	return filepath.Join(pulseDir(), "settings.json")
}

// loadConfig layers settings.json and PULSE_* env vars over the defaults. A
// missing settings file is not an error; a malformed one is.
func loadConfig(settingsPath string) (Config, error) {
	cfg := defaultConfig()

	if settingsPath == "" {
		settingsPath = defaultSettingsPath()
	}
	data, err := os.ReadFile(settingsPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", settingsPath, err)
	}

	applyEnv(&cfg, os.Getenv)
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("PULSE_DB_PATH", &cfg.DBPath)
	str("PULSE_DEFINITIONS", &cfg.Definitions)
	str("PULSE_LOG_LEVEL", &cfg.LogLevel)
	str("PULSE_LOG_FORMAT", &cfg.LogFormat)
	str("PULSE_POLL_INTERVAL", &cfg.PollInterval)
	str("PULSE_STALE_AFTER", &cfg.StaleAfter)
	str("PULSE_LEASE_TTL", &cfg.LeaseTTL)
	str("PULSE_TRANSPORT", &cfg.Transport)
	str("PULSE_CONSUMER_GROUP", &cfg.ConsumerGroup)
	str("PULSE_SIGNALS_TOPIC", &cfg.SignalsTopic)
	str("PULSE_EVENTS_TOPIC", &cfg.EventsTopic)
	str("PULSE_REDIS_ADDR", &cfg.RedisAddr)
	str("PULSE_WEBHOOK_SECRET", &cfg.WebhookSecret)

	if v := getenv("PULSE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := getenv("PULSE_KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	if v := getenv("PULSE_TRACING"); v != "" {
		cfg.Tracing = v == "true" || v == "1"
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var validate = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := schema.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints and cross-field references.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if c.ApprovalServer != "" && c.mcpServer(c.ApprovalServer) == nil {
		return fmt.Errorf("invalid config: approval_server %q is not among mcp_servers", c.ApprovalServer)
	}
	return nil
}

func (c Config) mcpServer(name string) *pmcp.ServerConfig {
	for i := range c.MCPServers {
		if c.MCPServers[i].Name == name {
			return &c.MCPServers[i]
		}
	}
	return nil
}

func (c Config) durations() (poll, stale, leaseTTL time.Duration) {
	poll, _ = schema.ParseDuration(c.PollInterval)
	stale, _ = schema.ParseDuration(c.StaleAfter)
	leaseTTL, _ = schema.ParseDuration(c.LeaseTTL)
	return poll, stale, leaseTTL
}
