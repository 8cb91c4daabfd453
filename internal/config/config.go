// Package config handles kestrel configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kestrel-bot/kestrel/pkg/protocol"
)

// Environment variables that override credentials from the config file.
const (
	EnvAppID        = "KESTREL_APP_ID"
	EnvClientSecret = "KESTREL_CLIENT_SECRET"
)

// Config is the top-level configuration.
type Config struct {
	Gateway GatewayConfig `json:"gateway" toml:"gateway"`
	Plugins PluginsConfig `json:"plugins" toml:"plugins"`
	Runtime RuntimeConfig `json:"runtime" toml:"runtime"`
	Admin   AdminConfig   `json:"admin" toml:"admin"`
}

// GatewayConfig defines how the bot authenticates and connects to the gateway.
type GatewayConfig struct {
	AppID        string   `json:"app_id" toml:"app_id"`
	ClientSecret string   `json:"client_secret" toml:"client_secret"`
	TokenURL     string   `json:"token_url,omitempty" toml:"token_url"`
	APIBase      string   `json:"api_base,omitempty" toml:"api_base"`
	Intents      []string `json:"intents,omitempty" toml:"intents"`
	ShardID      int      `json:"shard_id,omitempty" toml:"shard_id"`
	ShardCount   int      `json:"shard_count,omitempty" toml:"shard_count"`

	TLSSkipVerify bool `json:"tls_skip_verify,omitempty" toml:"tls_skip_verify"` // dev only

	HandshakeTimeout    Duration `json:"handshake_timeout,omitempty" toml:"handshake_timeout"`
	RequestTimeout      Duration `json:"request_timeout,omitempty" toml:"request_timeout"`
	ConnectRetryDelay   Duration `json:"connect_retry_delay,omitempty" toml:"connect_retry_delay"`
	CloseReconnectDelay Duration `json:"close_reconnect_delay,omitempty" toml:"close_reconnect_delay"`
	ErrorReconnectDelay Duration `json:"error_reconnect_delay,omitempty" toml:"error_reconnect_delay"`
	SessionMaxAge       Duration `json:"session_max_age,omitempty" toml:"session_max_age"`
	TokenRefreshMargin  Duration `json:"token_refresh_margin,omitempty" toml:"token_refresh_margin"`

	SendRate  float64 `json:"send_rate,omitempty" toml:"send_rate"` // replies per second
	SendBurst int     `json:"send_burst,omitempty" toml:"send_burst"`
}

// PluginsConfig defines where plugins live and how reloads behave.
type PluginsConfig struct {
	Dir          string   `json:"dir" toml:"dir"`
	DisableWatch bool     `json:"disable_watch,omitempty" toml:"disable_watch"`
	Debounce     Duration `json:"debounce,omitempty" toml:"debounce"`
	FailureReply string   `json:"failure_reply,omitempty" toml:"failure_reply"`
	CallTimeout  Duration `json:"call_timeout,omitempty" toml:"call_timeout"`
}

// RuntimeConfig holds process-wide settings.
type RuntimeConfig struct {
	LogLevel  string `json:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format,omitempty" toml:"log_format"` // "json" (default) or "text"
}

// AdminConfig configures the local HTTP admin endpoint. Empty Listen disables it.
type AdminConfig struct {
	Listen string `json:"listen,omitempty" toml:"listen"`
}

// MinDebounce is the smallest accepted reload debounce window.
const MinDebounce = 500 * time.Millisecond

// DefaultFailureReply is sent when a plugin handler fails.
const DefaultFailureReply = "handler failed"

// Duration is a JSON/TOML-friendly time.Duration (accepts strings like "30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalText lets TOML files use duration strings.
func (d *Duration) UnmarshalText(b []byte) error {
	dur, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Load reads and validates a config file. Files ending in .toml are parsed
// as TOML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	// A relative plugin directory is relative to the config file.
	if !filepath.IsAbs(cfg.Plugins.Dir) {
		cfg.Plugins.Dir = filepath.Join(filepath.Dir(path), cfg.Plugins.Dir)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAppID); v != "" {
		c.Gateway.AppID = v
	}
	if v := os.Getenv(EnvClientSecret); v != "" {
		c.Gateway.ClientSecret = v
	}
}

func (c *Config) validate() error {
	if c.Gateway.AppID == "" {
		return fmt.Errorf("gateway.app_id is required")
	}
	if c.Gateway.ClientSecret == "" {
		return fmt.Errorf("gateway.client_secret is required")
	}
	if _, err := protocol.ParseIntents(c.Gateway.Intents); err != nil {
		return fmt.Errorf("gateway.intents: %w", err)
	}
	if c.Gateway.ShardCount < 0 || c.Gateway.ShardID < 0 {
		return fmt.Errorf("gateway shard values must not be negative")
	}
	if c.Gateway.ShardCount > 0 && c.Gateway.ShardID >= c.Gateway.ShardCount {
		return fmt.Errorf("gateway.shard_id must be less than gateway.shard_count")
	}
	if c.Plugins.Debounce.Duration != 0 && c.Plugins.Debounce.Duration < MinDebounce {
		return fmt.Errorf("plugins.debounce must be at least %s", MinDebounce)
	}
	switch c.Runtime.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("runtime.log_level must be debug, info, warn, or error")
	}
	switch c.Runtime.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("runtime.log_format must be json or text")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Gateway.TokenURL == "" {
		c.Gateway.TokenURL = "https://bots.qq.com/app/getAppAccessToken"
	}
	if c.Gateway.APIBase == "" {
		c.Gateway.APIBase = "https://api.sgroup.qq.com"
	}
	if len(c.Gateway.Intents) == 0 {
		c.Gateway.Intents = append([]string(nil), protocol.DefaultIntents...)
	}
	if c.Gateway.ShardCount == 0 {
		c.Gateway.ShardCount = 1
	}
	if c.Gateway.HandshakeTimeout.Duration == 0 {
		c.Gateway.HandshakeTimeout.Duration = 10 * time.Second
	}
	if c.Gateway.RequestTimeout.Duration == 0 {
		c.Gateway.RequestTimeout.Duration = 10 * time.Second
	}
	if c.Gateway.ConnectRetryDelay.Duration == 0 {
		c.Gateway.ConnectRetryDelay.Duration = 5 * time.Second
	}
	if c.Gateway.CloseReconnectDelay.Duration == 0 {
		c.Gateway.CloseReconnectDelay.Duration = 3 * time.Second
	}
	if c.Gateway.ErrorReconnectDelay.Duration == 0 {
		c.Gateway.ErrorReconnectDelay.Duration = 5 * time.Second
	}
	if c.Gateway.SessionMaxAge.Duration == 0 {
		c.Gateway.SessionMaxAge.Duration = time.Hour
	}
	if c.Gateway.TokenRefreshMargin.Duration == 0 {
		c.Gateway.TokenRefreshMargin.Duration = 60 * time.Second
	}
	if c.Gateway.SendRate == 0 {
		c.Gateway.SendRate = 5
	}
	if c.Gateway.SendBurst == 0 {
		c.Gateway.SendBurst = 10
	}
	if c.Plugins.Dir == "" {
		c.Plugins.Dir = "./plugins"
	}
	if c.Plugins.Debounce.Duration == 0 {
		c.Plugins.Debounce.Duration = MinDebounce
	}
	if c.Plugins.FailureReply == "" {
		c.Plugins.FailureReply = DefaultFailureReply
	}
	if c.Plugins.CallTimeout.Duration == 0 {
		c.Plugins.CallTimeout.Duration = 30 * time.Second
	}
	if c.Runtime.LogLevel == "" {
		c.Runtime.LogLevel = "info"
	}
	if c.Runtime.LogFormat == "" {
		c.Runtime.LogFormat = "json"
	}
}
