// ABOUTME: Configuration loading and parsing for chatrelay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chatrelay configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	WhatsApp      WhatsAppConfig      `yaml:"whatsapp"`
	Bot           BotConfig           `yaml:"bot"`
	Conversations ConversationsConfig `yaml:"conversations"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// WhatsAppConfig holds Cloud API credentials and phone number routing
type WhatsAppConfig struct {
	APIURL             string `yaml:"api_url"`
	AccessToken        string `yaml:"access_token"`
	AppSecret          string `yaml:"app_secret"`
	VerifyToken        string `yaml:"verify_token"`
	BotPhoneNumberID   string `yaml:"bot_phone_number_id"`
	HumanPhoneNumberID string `yaml:"human_phone_number_id"`
}

// BotConfig holds the external bot backend configuration
type BotConfig struct {
	WebhookURL         string   `yaml:"webhook_url"`
	WelcomeMessage     string   `yaml:"welcome_message"`
	FallbackMessage    string   `yaml:"fallback_message"`
	EscalationKeywords []string `yaml:"escalation_keywords"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// ConversationsConfig holds session lifecycle policy
type ConversationsConfig struct {
	ClosureNotice string `yaml:"closure_notice"`

	ExpiryWindow    time.Duration `yaml:"-"`
	ExpiryWindowRaw string        `yaml:"expiry_window"`
}

// IngestConfig tunes the webhook processing pool
type IngestConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	DedupeTTL    time.Duration `yaml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.WhatsApp.VerifyToken == "" {
		return fmt.Errorf("whatsapp.verify_token is required")
	}
	if c.WhatsApp.BotPhoneNumberID == "" {
		return fmt.Errorf("whatsapp.bot_phone_number_id is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Bot.TimeoutRaw != "" {
		cfg.Bot.Timeout, err = time.ParseDuration(cfg.Bot.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing bot.timeout %q: %w", cfg.Bot.TimeoutRaw, err)
		}
	}

	if cfg.Conversations.ExpiryWindowRaw != "" {
		cfg.Conversations.ExpiryWindow, err = time.ParseDuration(cfg.Conversations.ExpiryWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing conversations.expiry_window %q: %w", cfg.Conversations.ExpiryWindowRaw, err)
		}
	}

	if cfg.Ingest.DedupeTTLRaw != "" {
		cfg.Ingest.DedupeTTL, err = time.ParseDuration(cfg.Ingest.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing ingest.dedupe_ttl %q: %w", cfg.Ingest.DedupeTTLRaw, err)
		}
	}

	return nil
}
