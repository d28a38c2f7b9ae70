package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	envConfigPath          = "ROOMRELAY_CONFIG"
	envRoomURL             = "ROOMRELAY_ROOM_URL"
	envAlertWebhooks       = "ROOMRELAY_ALERT_WEBHOOKS"
	envTelegramBotToken    = "TELEGRAM_BOT_TOKEN"
	envTelegramAlertChatID = "TELEGRAM_ALERT_CHAT_ID"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Rooms      []RoomConfig     `json:"rooms"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Classifier ClassifierConfig `json:"classifier"`
	Responder  ResponderConfig  `json:"responder"`
	Alerts     AlertsConfig     `json:"alerts"`
	Gateway    GatewayConfig    `json:"gateway"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// RoomConfig describes one live room connection. Pipeline values set here
// override the top-level pipeline block for this room only.
type RoomConfig struct {
	ID       string            `json:"id"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
	Pipeline PipelineConfig    `json:"pipeline,omitempty"`
}

// ClassifierConfig overrides keyword sets and non-chat priorities.
// Empty lists keep the built-in defaults.
type ClassifierConfig struct {
	ComplaintKeywords  []string          `json:"complaint_keywords,omitempty"`
	EscalationKeywords []string          `json:"escalation_keywords,omitempty"`
	PriceKeywords      []string          `json:"price_keywords,omitempty"`
	StockKeywords      []string          `json:"stock_keywords,omitempty"`
	GreetingKeywords   []string          `json:"greeting_keywords,omitempty"`
	KindPriorities     map[string]string `json:"kind_priorities,omitempty"`
}

// ResponderConfig selects and configures the reply generator.
type ResponderConfig struct {
	Provider     string                 `json:"provider"`
	Model        string                 `json:"model"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	MaxTokens    int                    `json:"max_tokens,omitempty"`
	Temperature  float64                `json:"temperature,omitempty"`
	OpenCode     OpenCodeProviderConfig `json:"opencode"`
	OpenAI       OpenAIProviderConfig   `json:"openai"`
}

// OpenCodeProviderConfig configures the OpenCode responder client.
type OpenCodeProviderConfig struct {
	BaseURL               string `json:"base_url"`
	Username              string `json:"username"`
	PasswordEnv           string `json:"password_env"`
	Agent                 string `json:"agent,omitempty"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// OpenAIProviderConfig configures the OpenAI responder client.
type OpenAIProviderConfig struct {
	BaseURL               string `json:"base_url"`
	APIKeyEnv             string `json:"api_key_env"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// AlertsConfig configures operator notifications.
type AlertsConfig struct {
	CooldownSeconds  int                 `json:"cooldown_seconds"`
	NotifyComplaints bool                `json:"notify_complaints"`
	Telegram         TelegramAlertConfig `json:"telegram"`
	Webhooks         []string            `json:"webhooks,omitempty"`
}

// TelegramAlertConfig configures the Telegram alert sink.
type TelegramAlertConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
}

// GatewayConfig configures the status and metrics HTTP bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// RoomPipeline resolves the effective pipeline settings for one room.
func (c *Config) RoomPipeline(room RoomConfig) PipelineConfig {
	return c.Pipeline.Merge(room.Pipeline).WithDefaults()
}

// Validate checks the settings required to run rooms.
func (c *Config) Validate() error {
	if len(c.Rooms) == 0 {
		return fmt.Errorf("at least one room is required")
	}

	seen := make(map[string]struct{}, len(c.Rooms))
	for i, room := range c.Rooms {
		id := strings.TrimSpace(room.ID)
		if id == "" {
			return fmt.Errorf("rooms[%d].id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("rooms[%d].id %q is duplicated", i, id)
		}
		seen[id] = struct{}{}

		if strings.TrimSpace(room.URL) == "" {
			return fmt.Errorf("rooms[%d].url is required", i)
		}
		if err := c.RoomPipeline(room).Validate(); err != nil {
			return fmt.Errorf("room %s: %w", id, err)
		}
	}

	return nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if roomURL := strings.TrimSpace(os.Getenv(envRoomURL)); roomURL != "" && len(cfg.Rooms) > 0 {
		cfg.Rooms[0].URL = roomURL
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Alerts.Telegram.Token = token
	}

	if rawChatID := strings.TrimSpace(os.Getenv(envTelegramAlertChatID)); rawChatID != "" {
		if chatID, err := strconv.ParseInt(rawChatID, 10, 64); err == nil {
			cfg.Alerts.Telegram.ChatID = chatID
		}
	}

	if rawWebhooks := strings.TrimSpace(os.Getenv(envAlertWebhooks)); rawWebhooks != "" {
		cfg.Alerts.Webhooks = parseCSV(rawWebhooks)
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is ROOMRELAY_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
