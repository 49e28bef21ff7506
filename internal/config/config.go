package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nidhogg/storyloom/internal/orchestrator"
	"github.com/nidhogg/storyloom/internal/provider"
	"github.com/nidhogg/storyloom/internal/workers"
)

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig       `json:"server"`
	Orchestrator  OrchestratorConfig `json:"orchestrator"`
	Providers     []ProviderConfig   `json:"providers" validate:"dive"`
	Workers       []workers.Config   `json:"workers" validate:"dive"`
	Database      DatabaseConfig     `json:"database"`
	Notify        NotifyConfig       `json:"notify"`
	TemplatesDir  string             `json:"templates_dir"`
	MigrationsDir string             `json:"migrations_dir"`
}

type ServerConfig struct {
	Port     int    `json:"port" validate:"gte=1,lte=65535"`
	LogLevel string `json:"log_level" validate:"oneof=debug info warn error"`
}

// OrchestratorConfig mirrors orchestrator.Config with durations as strings.
type OrchestratorConfig struct {
	MaxConcurrent      int    `json:"max_concurrent" validate:"gte=1"`
	PollInterval       string `json:"poll_interval"`
	ErrorBackoff       string `json:"error_backoff"`
	StaleAfter         string `json:"stale_after"`
	DefaultTaskTimeout string `json:"default_task_timeout"`
	QueueCapacity      int    `json:"queue_capacity" validate:"gte=0"`
	Ordering           string `json:"ordering" validate:"oneof=fifo priority"`
	InboxSize          int    `json:"inbox_size" validate:"gte=1"`
}

type ProviderConfig struct {
	ID        string   `json:"id" validate:"required"`
	Type      string   `json:"type" validate:"omitempty,oneof=openai anthropic ollama"`
	Endpoint  string   `json:"endpoint"`
	APIKey    string   `json:"api_key"`
	Models    []string `json:"models,omitempty"`
	PathModel bool     `json:"path_model,omitempty"`
	Timeout   string   `json:"timeout,omitempty"`
	Default   bool     `json:"default,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type NotifyConfig struct {
	Slack   ChannelConfig `json:"slack"`
	Discord ChannelConfig `json:"discord"`
}

// ChannelConfig configures one announcement channel. It is active only when
// enabled and both token and channel are set.
type ChannelConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

func (c ChannelConfig) Active() bool {
	return c.Enabled && c.BotToken != "" && c.Channel != ""
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads a JSON config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a JSON config document.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field with the stock value.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.MigrationsDir == "" {
		c.MigrationsDir = "migrations"
	}

	d := orchestrator.DefaultConfig()
	o := &c.Orchestrator
	if o.MaxConcurrent == 0 {
		o.MaxConcurrent = d.MaxConcurrent
	}
	if o.PollInterval == "" {
		o.PollInterval = d.PollInterval.String()
	}
	if o.ErrorBackoff == "" {
		o.ErrorBackoff = d.ErrorBackoff.String()
	}
	if o.StaleAfter == "" {
		o.StaleAfter = d.StaleAfter.String()
	}
	if o.DefaultTaskTimeout == "" {
		o.DefaultTaskTimeout = d.DefaultTaskTimeout.String()
	}
	if o.Ordering == "" {
		o.Ordering = string(d.Ordering)
	}
	if o.InboxSize == 0 {
		o.InboxSize = d.InboxSize
	}
}

// Validate checks field constraints and that every duration parses.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Orchestrator.Build(); err != nil {
		return err
	}
	for _, p := range c.Providers {
		if _, err := p.Build(); err != nil {
			return err
		}
	}
	return nil
}

// Build converts the section into an orchestrator.Config.
func (o OrchestratorConfig) Build() (orchestrator.Config, error) {
	cfg := orchestrator.Config{
		MaxConcurrent: o.MaxConcurrent,
		QueueCapacity: o.QueueCapacity,
		Ordering:      orchestrator.Ordering(o.Ordering),
		InboxSize:     o.InboxSize,
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"poll_interval", o.PollInterval, &cfg.PollInterval},
		{"error_backoff", o.ErrorBackoff, &cfg.ErrorBackoff},
		{"stale_after", o.StaleAfter, &cfg.StaleAfter},
		{"default_task_timeout", o.DefaultTaskTimeout, &cfg.DefaultTaskTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("orchestrator.%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return cfg, nil
}

// Build converts the entry into a provider.Config.
func (p ProviderConfig) Build() (provider.Config, error) {
	cfg := provider.Config{
		ID: p.ID, Kind: p.Type,
		Endpoint: p.Endpoint, APIKey: p.APIKey,
		Models: p.Models, PathModel: p.PathModel,
	}
	if p.Timeout != "" {
		d, err := time.ParseDuration(p.Timeout)
		if err != nil {
			return cfg, fmt.Errorf("provider %s timeout: %w", p.ID, err)
		}
		cfg.Timeout = d
	}
	return cfg, nil
}
