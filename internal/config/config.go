package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultModel              = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens          = 4096
	DefaultTimeoutSeconds     = 120
	DefaultBufSize            = 100
	DefaultStateCheckInterval = 3
	DefaultUserModelInterval  = 5
	DefaultWorkingMemoryTTL   = 72
	DefaultHistoryWindow      = 20
	DefaultReplyMaxLength     = 4000
	DefaultCounselTimeout     = 10
	DefaultCounselSource      = "claudicle"
	DefaultSweepEveryMinutes  = 60
	DefaultWebSocketAddr      = "127.0.0.1:18790"

	PipelineModeUnified = "unified"
	PipelineModeSplit   = "split"
)

// Step names recognised by the split-mode router.
const (
	StepMonologue       = "monologue"
	StepReply           = "reply"
	StepUserModelCheck  = "user_model_check"
	StepUserModelUpdate = "user_model_update"
	StepStateCheck      = "state_check"
	StepStateUpdate     = "state_update"
)

type Config struct {
	Agent    AgentConfig    `json:"agent" yaml:"agent"`
	Provider ProviderConfig `json:"provider" yaml:"provider"`
	Memory   MemoryConfig   `json:"memory" yaml:"memory"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Counsel  CounselConfig  `json:"counsel" yaml:"counsel"`
	Reply    ReplyConfig    `json:"reply" yaml:"reply"`
	Inbox    InboxConfig    `json:"inbox" yaml:"inbox"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

type AgentConfig struct {
	Name           string `json:"name" yaml:"name"`
	Workspace      string `json:"workspace" yaml:"workspace"`
	Model          string `json:"model" yaml:"model"`
	MaxTokens      int    `json:"maxTokens" yaml:"maxTokens"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty" yaml:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey" yaml:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
}

type MemoryConfig struct {
	DBPath                string `json:"dbPath,omitempty" yaml:"dbPath,omitempty"`
	WorkingMemoryTTLHours int    `json:"workingMemoryTTLHours" yaml:"workingMemoryTTLHours"`
	StateCheckInterval    int    `json:"stateCheckInterval" yaml:"stateCheckInterval"`
	UserModelInterval     int    `json:"userModelInterval" yaml:"userModelInterval"`
	HistoryWindow         int    `json:"historyWindow" yaml:"historyWindow"`
	SweepEveryMinutes     int    `json:"sweepEveryMinutes" yaml:"sweepEveryMinutes"`
}

type PipelineConfig struct {
	Mode     string                `json:"mode" yaml:"mode"`
	Provider *ProviderConfig       `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model    string                `json:"model,omitempty" yaml:"model,omitempty"`
	Steps    map[string]StepConfig `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// StepConfig overrides provider and model for one split-mode step.
type StepConfig struct {
	Provider *ProviderConfig `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model    string          `json:"model,omitempty" yaml:"model,omitempty"`
}

type CounselConfig struct {
	Enabled        bool            `json:"enabled" yaml:"enabled"`
	URL            string          `json:"url,omitempty" yaml:"url,omitempty"`
	AuthToken      string          `json:"authToken,omitempty" yaml:"authToken,omitempty"`
	Source         string          `json:"source,omitempty" yaml:"source,omitempty"`
	ModelEnabled   bool            `json:"modelEnabled" yaml:"modelEnabled"`
	Model          string          `json:"model,omitempty" yaml:"model,omitempty"`
	Provider       *ProviderConfig `json:"provider,omitempty" yaml:"provider,omitempty"`
	Schedule       string          `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

type ReplyConfig struct {
	MaxLength int `json:"maxLength" yaml:"maxLength"`
}

type InboxConfig struct {
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	OutboxPath string `json:"outboxPath,omitempty" yaml:"outboxPath,omitempty"`
	Watch      bool   `json:"watch" yaml:"watch"`
}

type ChannelsConfig struct {
	Telegram  TelegramConfig  `json:"telegram" yaml:"telegram"`
	WebSocket WebSocketConfig `json:"websocket" yaml:"websocket"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

type WebSocketConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Addr      string   `json:"addr,omitempty" yaml:"addr,omitempty"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom"`
}

type LoggingConfig struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
	JSON  bool   `json:"json" yaml:"json"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:           "Claudicle",
			Workspace:      filepath.Join(ConfigDir(), "workspace"),
			Model:          DefaultModel,
			MaxTokens:      DefaultMaxTokens,
			TimeoutSeconds: DefaultTimeoutSeconds,
		},
		Memory: MemoryConfig{
			WorkingMemoryTTLHours: DefaultWorkingMemoryTTL,
			StateCheckInterval:    DefaultStateCheckInterval,
			UserModelInterval:     DefaultUserModelInterval,
			HistoryWindow:         DefaultHistoryWindow,
			SweepEveryMinutes:     DefaultSweepEveryMinutes,
		},
		Pipeline: PipelineConfig{Mode: PipelineModeUnified},
		Counsel: CounselConfig{
			Source:         DefaultCounselSource,
			TimeoutSeconds: DefaultCounselTimeout,
		},
		Reply: ReplyConfig{MaxLength: DefaultReplyMaxLength},
		Channels: ChannelsConfig{
			WebSocket: WebSocketConfig{Addr: DefaultWebSocketAddr},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("CLAUDICLE_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".claudicle")
}

func ConfigPath() string {
	if p := os.Getenv("CLAUDICLE_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

// LoadConfigFrom reads path (JSON, or YAML by extension), applies env overrides and
// fills zero values with defaults. A missing file is not an error.
func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	normalize(cfg)
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("CLAUDICLE_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_AUTH_TOKEN"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("CLAUDICLE_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("CLAUDICLE_MODEL"); model != "" {
		cfg.Agent.Model = model
	}
	if ws := os.Getenv("CLAUDICLE_WORKSPACE"); ws != "" {
		cfg.Agent.Workspace = ws
	}
	if dbPath := os.Getenv("CLAUDICLE_DB_PATH"); dbPath != "" {
		cfg.Memory.DBPath = dbPath
	}
	if mode := os.Getenv("CLAUDICLE_PIPELINE_MODE"); mode != "" {
		cfg.Pipeline.Mode = mode
	}
	setInt("CLAUDICLE_STATE_CHECK_INTERVAL", &cfg.Memory.StateCheckInterval)
	setInt("CLAUDICLE_USER_MODEL_INTERVAL", &cfg.Memory.UserModelInterval)
	setInt("CLAUDICLE_MEMORY_TTL_HOURS", &cfg.Memory.WorkingMemoryTTLHours)
	setInt("CLAUDICLE_REPLY_MAX_LENGTH", &cfg.Reply.MaxLength)
	setInt("CLAUDICLE_TIMEOUT_SECONDS", &cfg.Agent.TimeoutSeconds)
	setBool("CLAUDICLE_COUNSEL_ENABLED", &cfg.Counsel.Enabled)
	setBool("CLAUDICLE_COUNSEL_MODEL_ENABLED", &cfg.Counsel.ModelEnabled)
	if url := os.Getenv("CLAUDICLE_COUNSEL_URL"); url != "" {
		cfg.Counsel.URL = url
	}
	if token := os.Getenv("CLAUDICLE_COUNSEL_TOKEN"); token != "" {
		cfg.Counsel.AuthToken = token
	}
	if token := os.Getenv("CLAUDICLE_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if addr := os.Getenv("CLAUDICLE_WS_ADDR"); addr != "" {
		cfg.Channels.WebSocket.Addr = addr
	}
	if path := os.Getenv("CLAUDICLE_INBOX"); path != "" {
		cfg.Inbox.Path = path
	}
	if level := os.Getenv("CLAUDICLE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

func setInt(env string, dst *int) {
	if v := os.Getenv(env); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setBool(env string, dst *bool) {
	if v := os.Getenv(env); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func normalize(cfg *Config) {
	def := DefaultConfig()
	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = def.Agent.Workspace
	}
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = def.Agent.Name
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = DefaultModel
	}
	if cfg.Agent.MaxTokens <= 0 {
		cfg.Agent.MaxTokens = DefaultMaxTokens
	}
	if cfg.Agent.TimeoutSeconds <= 0 {
		cfg.Agent.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if cfg.Memory.WorkingMemoryTTLHours <= 0 {
		cfg.Memory.WorkingMemoryTTLHours = DefaultWorkingMemoryTTL
	}
	if cfg.Memory.StateCheckInterval <= 0 {
		cfg.Memory.StateCheckInterval = DefaultStateCheckInterval
	}
	if cfg.Memory.UserModelInterval <= 0 {
		cfg.Memory.UserModelInterval = DefaultUserModelInterval
	}
	if cfg.Memory.HistoryWindow <= 0 {
		cfg.Memory.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.Memory.SweepEveryMinutes <= 0 {
		cfg.Memory.SweepEveryMinutes = DefaultSweepEveryMinutes
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Pipeline.Mode)) {
	case PipelineModeSplit:
		cfg.Pipeline.Mode = PipelineModeSplit
	default:
		cfg.Pipeline.Mode = PipelineModeUnified
	}
	if cfg.Counsel.Source == "" {
		cfg.Counsel.Source = DefaultCounselSource
	}
	if cfg.Counsel.TimeoutSeconds <= 0 {
		cfg.Counsel.TimeoutSeconds = DefaultCounselTimeout
	}
	if cfg.Reply.MaxLength <= 0 {
		cfg.Reply.MaxLength = DefaultReplyMaxLength
	}
	if cfg.Channels.WebSocket.Addr == "" {
		cfg.Channels.WebSocket.Addr = DefaultWebSocketAddr
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
}

// DBPath resolves the memory database location.
func (c *Config) DBPath() string {
	if p := strings.TrimSpace(c.Memory.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "memory.db")
}

// InboxPath resolves the ingress JSONL file.
func (c *Config) InboxPath() string {
	if p := strings.TrimSpace(c.Inbox.Path); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "inbox.jsonl")
}

// OutboxPath resolves the reply JSONL file for inbox-sourced messages.
func (c *Config) OutboxPath() string {
	if p := strings.TrimSpace(c.Inbox.OutboxPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "outbox.jsonl")
}

func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSeconds) * time.Second
}

func (c *Config) CounselTimeout() time.Duration {
	return time.Duration(c.Counsel.TimeoutSeconds) * time.Second
}

func (c *Config) WorkingMemoryTTL() time.Duration {
	return time.Duration(c.Memory.WorkingMemoryTTLHours) * time.Hour
}

func (c *Config) SweepEvery() time.Duration {
	return time.Duration(c.Memory.SweepEveryMinutes) * time.Minute
}

// CounselActive reports whether any counsel provider is switched on.
func (c *Config) CounselActive() bool {
	return (c.Counsel.Enabled && strings.TrimSpace(c.Counsel.URL) != "") || c.Counsel.ModelEnabled
}

func SaveConfig(cfg *Config) error {
	return SaveConfigTo(cfg, ConfigPath())
}

// SaveConfigTo writes cfg to path as YAML or JSON, by extension.
func SaveConfigTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
