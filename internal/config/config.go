package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultModel            = "claude-sonnet-4-5-20250929"
	DefaultSummarizerModel  = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens        = 8192
	DefaultSummaryMaxTokens = 1000
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 18790
	DefaultBufSize          = 100

	// Tier limits mirror the product defaults: a 6h conversation session,
	// 50 hot messages, 200 mid-term messages.
	DefaultShortTermWindow = 6 * time.Hour
	DefaultShortTermCap    = 50
	DefaultMidTermCap      = 200

	DefaultProbeInterval     = 60 * time.Second
	DefaultFailureThreshold  = 3
	DefaultReconcileInterval = time.Hour
	DefaultSummaryInterval   = 24 * time.Hour

	DefaultTempAccountTTL = 30 * 24 * time.Hour

	DefaultRemoteTimeout = 5 * time.Second
)

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Provider ProviderConfig `json:"provider"`
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Storage  StorageConfig  `json:"storage"`
	Memory   MemoryConfig   `json:"memory"`
}

type AgentConfig struct {
	Model           string `json:"model"`
	SummarizerModel string `json:"summarizerModel,omitempty"`
	MaxTokens       int    `json:"maxTokens"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WebUI    WebUIConfig    `json:"webui"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type WebUIConfig struct {
	Enabled   bool     `json:"enabled"`
	AllowFrom []string `json:"allowFrom"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StorageConfig configures the two backends and the failover behavior
// between them.
type StorageConfig struct {
	RemoteDSN        string `json:"remoteDsn,omitempty"`
	RemoteTimeoutMs  int    `json:"remoteTimeoutMs,omitempty"`
	DataDir          string `json:"dataDir,omitempty"`
	FailureThreshold int    `json:"failureThreshold,omitempty"`
	ProbeIntervalSec int    `json:"probeIntervalSec,omitempty"`
}

// MemoryConfig configures tier limits and summary scheduling.
type MemoryConfig struct {
	ShortTermWindowSec   int `json:"shortTermWindowSec,omitempty"`
	ShortTermCap         int `json:"shortTermCap,omitempty"`
	MidTermCap           int `json:"midTermCap,omitempty"`
	SummaryIntervalSec   int `json:"summaryIntervalSec,omitempty"`
	ReconcileIntervalSec int `json:"reconcileIntervalSec,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:           DefaultModel,
			SummarizerModel: DefaultSummarizerModel,
			MaxTokens:       DefaultMaxTokens,
		},
		Provider: ProviderConfig{},
		Channels: ChannelsConfig{
			WebUI: WebUIConfig{Enabled: true},
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Storage: StorageConfig{
			DataDir:          filepath.Join(ConfigDir(), "data"),
			FailureThreshold: DefaultFailureThreshold,
			ProbeIntervalSec: int(DefaultProbeInterval / time.Second),
		},
		Memory: MemoryConfig{
			ShortTermWindowSec:   int(DefaultShortTermWindow / time.Second),
			ShortTermCap:         DefaultShortTermCap,
			MidTermCap:           DefaultMidTermCap,
			SummaryIntervalSec:   int(DefaultSummaryInterval / time.Second),
			ReconcileIntervalSec: int(DefaultReconcileInterval / time.Second),
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".recall")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	// Optional .env next to the working dir, same as the original deployment.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("RECALL_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("RECALL_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
		cfg.Channels.Telegram.Enabled = true
	}
	if dsn := os.Getenv("RECALL_REMOTE_DSN"); dsn != "" {
		cfg.Storage.RemoteDSN = dsn
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" && cfg.Storage.RemoteDSN == "" {
		cfg.Storage.RemoteDSN = dsn
	}
	if dir := os.Getenv("RECALL_DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if v := os.Getenv("RECALL_FAILURE_THRESHOLD"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Storage.FailureThreshold = parsed
		}
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = DefaultConfig().Storage.DataDir
	}
	if cfg.Storage.FailureThreshold <= 0 {
		cfg.Storage.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Storage.ProbeIntervalSec <= 0 {
		cfg.Storage.ProbeIntervalSec = int(DefaultProbeInterval / time.Second)
	}
	if cfg.Storage.RemoteTimeoutMs <= 0 {
		cfg.Storage.RemoteTimeoutMs = int(DefaultRemoteTimeout / time.Millisecond)
	}
	if cfg.Memory.ShortTermWindowSec <= 0 {
		cfg.Memory.ShortTermWindowSec = int(DefaultShortTermWindow / time.Second)
	}
	if cfg.Memory.ShortTermCap <= 0 {
		cfg.Memory.ShortTermCap = DefaultShortTermCap
	}
	if cfg.Memory.MidTermCap <= 0 {
		cfg.Memory.MidTermCap = DefaultMidTermCap
	}
	if cfg.Memory.SummaryIntervalSec <= 0 {
		cfg.Memory.SummaryIntervalSec = int(DefaultSummaryInterval / time.Second)
	}
	if cfg.Memory.ReconcileIntervalSec <= 0 {
		cfg.Memory.ReconcileIntervalSec = int(DefaultReconcileInterval / time.Second)
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// Typed accessors for duration-valued settings.

func (c *Config) ShortTermWindow() time.Duration {
	return time.Duration(c.Memory.ShortTermWindowSec) * time.Second
}

func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Storage.ProbeIntervalSec) * time.Second
}

func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Storage.RemoteTimeoutMs) * time.Millisecond
}

func (c *Config) SummaryInterval() time.Duration {
	return time.Duration(c.Memory.SummaryIntervalSec) * time.Second
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Memory.ReconcileIntervalSec) * time.Second
}
