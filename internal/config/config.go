// Package config provides YAML-based configuration loading for onco.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level onco configuration, loaded from onco.yaml.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	FrontendURL string           `yaml:"frontend_url"`
	Chat        ChatConfig       `yaml:"chat"`
	LLM         LLMConfig        `yaml:"llm"`
	Transcribe  TranscribeConfig `yaml:"transcribe"`
	Assistant   AssistantConfig  `yaml:"assistant"`
	Sessions    SessionsConfig   `yaml:"sessions"`
	Database    DatabaseConfig   `yaml:"database"`
	History     HistoryConfig    `yaml:"history"`
	Delivery    DeliveryConfig   `yaml:"delivery"`
	Log         LogConfig        `yaml:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr          string `yaml:"addr"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// ChatConfig selects the chat platform and tunes the connection supervisor.
type ChatConfig struct {
	Platform             string        `yaml:"platform"` // bridge, discord, slack
	Bridge               BridgeConfig  `yaml:"bridge"`
	Discord              DiscordConfig `yaml:"discord"`
	Slack                SlackConfig   `yaml:"slack"`
	ReconnectBackoff     time.Duration `yaml:"reconnect_backoff"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // negative = unlimited
	TypingDelay          time.Duration `yaml:"typing_delay"`
	LogoutOnShutdown     bool          `yaml:"logout_on_shutdown"`
	CredsDir             string        `yaml:"creds_dir"`
}

// BridgeConfig points at the WhatsApp bridge sidecar.
type BridgeConfig struct {
	URL       string `yaml:"url"`
	AuthToken string `yaml:"auth_token"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	AppToken  string `yaml:"app_token"`
	ChannelID string `yaml:"channel_id"`
}

// LLMConfig selects the text-generation backend.
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // openai, anthropic, gemini, ark
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Region      string        `yaml:"region"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature *float32      `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
}

// TranscribeConfig controls voice-note transcription.
type TranscribeConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
	APIKey   string `yaml:"api_key"`
}

// AssistantConfig holds prompt override settings.
type AssistantConfig struct {
	PromptsFile string `yaml:"prompts_file"`
}

// SessionsConfig controls the session token store.
type SessionsConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Store         string        `yaml:"store"` // file, sql, memory
	Path          string        `yaml:"path"`
}

// DatabaseConfig holds SQL connection settings.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql
	DSN    string `yaml:"dsn"`
}

// HistoryConfig bounds the in-memory conversation transcripts.
type HistoryConfig struct {
	MaxEntries    int           `yaml:"max_entries"`
	MaxOwners     int           `yaml:"max_owners"`
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// DeliveryConfig tunes result delivery pacing.
type DeliveryConfig struct {
	SettleDelay  time.Duration `yaml:"settle_delay"`
	ExplainDelay time.Duration `yaml:"explain_delay"`
	Audit        bool          `yaml:"audit"`
	DisableCard  bool          `yaml:"disable_card"` // skip the result image
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"` // text, json, auto
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to the working directory is loaded first when present.
// An empty path yields a config built from defaults and the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides secrets and deployment-specific values from the
// environment.
func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	if port, ok := os.LookupEnv("PORT"); ok && port != "" {
		c.Server.Addr = ":" + strings.TrimPrefix(port, ":")
	}
	setString(&c.Server.WebhookSecret, "WEBHOOK_SECRET")
	setString(&c.FrontendURL, "FRONTEND_URL")
	setString(&c.Chat.Platform, "CHAT_PLATFORM")
	setString(&c.Chat.Bridge.URL, "BRIDGE_URL")
	setString(&c.Chat.Bridge.AuthToken, "BRIDGE_AUTH_TOKEN")
	setString(&c.Chat.Discord.BotToken, "DISCORD_BOT_TOKEN")
	setString(&c.Chat.Slack.BotToken, "SLACK_BOT_TOKEN")
	setString(&c.Chat.Slack.AppToken, "SLACK_APP_TOKEN")
	setString(&c.LLM.Provider, "LLM_PROVIDER")
	setString(&c.LLM.Model, "LLM_MODEL")
	setString(&c.Database.DSN, "DATABASE_DSN")
	setString(&c.Log.Level, "LOG_LEVEL")

	if c.LLM.APIKey == "" {
		if key := os.Getenv(providerKeyEnv(c.LLM.Provider)); key != "" {
			c.LLM.APIKey = key
		}
	}
	if c.Transcribe.APIKey == "" {
		c.Transcribe.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if v := os.Getenv("TRANSCRIBE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Transcribe.Enabled = b
		}
	}
}

// providerKeyEnv returns the conventional API key variable for a provider.
func providerKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	case "ark":
		return "ARK_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":3001"
	}
	if c.FrontendURL == "" {
		c.FrontendURL = "http://localhost:3000"
	}
	c.FrontendURL = strings.TrimRight(c.FrontendURL, "/")

	if c.Chat.Platform == "" {
		c.Chat.Platform = "bridge"
	}
	if c.Chat.Bridge.URL == "" {
		c.Chat.Bridge.URL = "ws://127.0.0.1:8765/rpc"
	}
	if c.Chat.ReconnectBackoff == 0 {
		c.Chat.ReconnectBackoff = 3 * time.Second
	}
	if c.Chat.MaxReconnectAttempts == 0 {
		c.Chat.MaxReconnectAttempts = 10
	}
	if c.Chat.TypingDelay == 0 {
		c.Chat.TypingDelay = 1500 * time.Millisecond
	}
	if c.Chat.CredsDir == "" {
		c.Chat.CredsDir = "auth"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = defaultModel(c.LLM.Provider)
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 30 * time.Second
	}
	if c.LLM.Temperature == nil {
		t := float32(0.7)
		c.LLM.Temperature = &t
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 500
	}

	if c.Transcribe.Model == "" {
		c.Transcribe.Model = "whisper-1"
	}
	if c.Transcribe.Language == "" {
		c.Transcribe.Language = "pt"
	}

	if c.Sessions.TTL == 0 {
		c.Sessions.TTL = 24 * time.Hour
	}
	if c.Sessions.FlushInterval == 0 {
		c.Sessions.FlushInterval = 30 * time.Second
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = time.Hour
	}
	if c.Sessions.Store == "" {
		c.Sessions.Store = "file"
	}
	if c.Sessions.Path == "" {
		c.Sessions.Path = "sessions.json"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "onco.db"
	}

	if c.History.MaxEntries == 0 {
		c.History.MaxEntries = 20
	}
	if c.History.MaxOwners == 0 {
		c.History.MaxOwners = 10000
	}
	if c.History.IdleTTL == 0 {
		c.History.IdleTTL = 7 * 24 * time.Hour
	}
	if c.History.PruneInterval == 0 {
		c.History.PruneInterval = 10 * time.Minute
	}

	if c.Delivery.SettleDelay == 0 {
		c.Delivery.SettleDelay = 2 * time.Second
	}
	if c.Delivery.ExplainDelay == 0 {
		c.Delivery.ExplainDelay = 1500 * time.Millisecond
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
}

// defaultModel returns the model used when none is configured.
func defaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-3-5-haiku-latest"
	case "gemini":
		return "gemini-2.0-flash"
	case "ark":
		return ""
	default:
		return "gpt-4o-mini"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	if u, err := url.Parse(c.FrontendURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("frontend_url %q is not an absolute URL", c.FrontendURL))
	}

	switch c.Chat.Platform {
	case "bridge":
		if c.Chat.Bridge.URL == "" {
			errs = append(errs, "chat.bridge.url is required")
		}
	case "discord":
		if c.Chat.Discord.BotToken == "" {
			errs = append(errs, "chat.discord.bot_token is required")
		}
	case "slack":
		if c.Chat.Slack.BotToken == "" {
			errs = append(errs, "chat.slack.bot_token is required")
		}
		if c.Chat.Slack.AppToken == "" {
			errs = append(errs, "chat.slack.app_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("chat.platform %q is not supported (bridge, discord, slack)", c.Chat.Platform))
	}
	if c.Chat.ReconnectBackoff < 0 {
		errs = append(errs, "chat.reconnect_backoff must be positive")
	}

	switch c.LLM.Provider {
	case "openai", "anthropic", "gemini", "ark":
	default:
		errs = append(errs, fmt.Sprintf("llm.provider %q is not supported (openai, anthropic, gemini, ark)", c.LLM.Provider))
	}
	if c.LLM.Provider == "ark" && c.LLM.Model == "" {
		errs = append(errs, "llm.model is required for the ark provider")
	}
	if c.LLM.Timeout < 0 {
		errs = append(errs, "llm.timeout must be positive")
	}

	switch c.Sessions.Store {
	case "file", "memory":
	case "sql":
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required when sessions.store is sql")
		}
	default:
		errs = append(errs, fmt.Sprintf("sessions.store %q is not supported (file, sql, memory)", c.Sessions.Store))
	}
	if c.Sessions.TTL < time.Minute {
		errs = append(errs, "sessions.ttl must be at least 1m")
	}

	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}
	if c.Delivery.Audit && c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required when delivery.audit is enabled")
	}

	if c.History.MaxEntries < 1 {
		errs = append(errs, "history.max_entries must be positive")
	}

	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not supported (auto, text, json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// UsesDatabase reports whether any component needs a SQL connection.
func (c *Config) UsesDatabase() bool {
	return c.Sessions.Store == "sql" || c.Delivery.Audit
}
