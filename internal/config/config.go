// Package config loads ghostsync settings.
//
// Settings come from ghostsync.yaml, .toml or .json, searched in the working
// directory and $HOME/.config/ghostsync, with GHOSTSYNC_ environment
// variables taking precedence (GHOSTSYNC_RETRY_MAX_RETRIES for
// retry.max_retries). Library packages never read this package; cmd/ghostsync
// copies the values into their Config structs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "GHOSTSYNC"

// DefaultURLFormat builds the socket URL from the app id.
const DefaultURLFormat = "wss://api.simperium.com/sock/1/%s/websocket"

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageBolt   = "bolt"
	StorageMemory = "memory"
)

// Config holds every ghostsync setting.
type Config struct {
	AppID         string        `mapstructure:"app_id" yaml:"app_id" toml:"app_id"`
	Token         string        `mapstructure:"token" yaml:"token" toml:"token"`
	URL           string        `mapstructure:"url" yaml:"url,omitempty" toml:"url,omitempty"`
	ClientID      string        `mapstructure:"client_id" yaml:"client_id,omitempty" toml:"client_id,omitempty"`
	Buckets       []string      `mapstructure:"buckets" yaml:"buckets" toml:"buckets"`
	DataDir       string        `mapstructure:"data_dir" yaml:"data_dir" toml:"data_dir"`
	Storage       string        `mapstructure:"storage" yaml:"storage" toml:"storage"`
	PageSize      int           `mapstructure:"page_size" yaml:"page_size" toml:"page_size"`
	Retry         RetryConfig   `mapstructure:"retry" yaml:"retry" toml:"retry"`
	Heartbeat     time.Duration `mapstructure:"heartbeat" yaml:"heartbeat" toml:"heartbeat"`
	MirrorDir     string        `mapstructure:"mirror_dir" yaml:"mirror_dir,omitempty" toml:"mirror_dir,omitempty"`
	DashboardPort int           `mapstructure:"dashboard_port" yaml:"dashboard_port" toml:"dashboard_port"`
	Log           LogConfig     `mapstructure:"log" yaml:"log" toml:"log"`

	// Source is the file the config was read from, if any.
	Source string `mapstructure:"-" yaml:"-" toml:"-"`
}

// RetryConfig controls how rejected changes are retried.
type RetryConfig struct {
	MaxRetries      int `mapstructure:"max_retries" yaml:"max_retries" toml:"max_retries"`
	FullObjectAfter int `mapstructure:"full_object_after" yaml:"full_object_after" toml:"full_object_after"`
}

// LogConfig controls logging.
type LogConfig struct {
	File    string `mapstructure:"file" yaml:"file,omitempty" toml:"file,omitempty"`
	Verbose bool   `mapstructure:"verbose" yaml:"verbose" toml:"verbose"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		DataDir:  ".ghostsync",
		Storage:  StorageSQLite,
		PageSize: 50,
		Retry: RetryConfig{
			MaxRetries:      3,
			FullObjectAfter: 1,
		},
		Heartbeat: 20 * time.Second,
	}
}

// setDefaults registers every key so environment overrides apply to it.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("app_id", d.AppID)
	v.SetDefault("token", d.Token)
	v.SetDefault("url", d.URL)
	v.SetDefault("client_id", d.ClientID)
	v.SetDefault("buckets", d.Buckets)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("storage", d.Storage)
	v.SetDefault("page_size", d.PageSize)
	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.full_object_after", d.Retry.FullObjectAfter)
	v.SetDefault("heartbeat", d.Heartbeat)
	v.SetDefault("mirror_dir", d.MirrorDir)
	v.SetDefault("dashboard_port", d.DashboardPort)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.verbose", d.Log.Verbose)
}

// Load reads the config file at path, or searches for ghostsync.* when path
// is empty. A missing file is not an error when searching.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ghostsync")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "ghostsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()
	cfg.Buckets = splitBuckets(cfg.Buckets)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitBuckets accepts "a,b" as well as ["a","b"], as environment
// variables can only carry the former.
func splitBuckets(in []string) []string {
	var out []string
	for _, item := range in {
		for _, name := range strings.Split(item, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

// Validate checks values that would make the client misbehave.
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageSQLite, StorageBolt, StorageMemory:
	default:
		return fmt.Errorf("unknown storage %q (want sqlite, bolt or memory)", c.Storage)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive (got %d)", c.PageSize)
	}
	if c.Retry.MaxRetries < 0 || c.Retry.FullObjectAfter < 0 {
		return fmt.Errorf("retry counts cannot be negative")
	}
	if c.Heartbeat <= 0 {
		return fmt.Errorf("heartbeat must be positive (got %s)", c.Heartbeat)
	}
	if c.DashboardPort < 0 || c.DashboardPort > 65535 {
		return fmt.Errorf("dashboard_port out of range (got %d)", c.DashboardPort)
	}
	seen := make(map[string]bool, len(c.Buckets))
	for _, b := range c.Buckets {
		if seen[b] {
			return fmt.Errorf("bucket %s listed twice", b)
		}
		seen[b] = true
	}
	return nil
}

// SocketURL returns the configured url, or the default one for the app.
func (c *Config) SocketURL() (string, error) {
	if c.URL != "" {
		return c.URL, nil
	}
	if c.AppID == "" {
		return "", fmt.Errorf("app_id or url must be set")
	}
	return fmt.Sprintf(DefaultURLFormat, c.AppID), nil
}

// StorePath returns the file the configured storage backend lives in.
func (c *Config) StorePath() string {
	switch c.Storage {
	case StorageBolt:
		return filepath.Join(c.DataDir, "ghostsync.bolt")
	case StorageMemory:
		return ""
	default:
		return filepath.Join(c.DataDir, "ghostsync.db")
	}
}

// MirrorPath returns the directory bucket is mirrored into, or "" when
// mirroring is off.
func (c *Config) MirrorPath(bucket string) string {
	if c.MirrorDir == "" {
		return ""
	}
	return filepath.Join(c.MirrorDir, bucket)
}

// YAML renders c as YAML.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode yaml: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes c to path as YAML.
func (c *Config) Save(path string) error {
	data, err := c.YAML()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// tomlConfig mirrors Config with the heartbeat as a string.
type tomlConfig struct {
	AppID         string      `toml:"app_id"`
	Token         string      `toml:"token"`
	URL           string      `toml:"url,omitempty"`
	ClientID      string      `toml:"client_id,omitempty"`
	Buckets       []string    `toml:"buckets"`
	DataDir       string      `toml:"data_dir"`
	Storage       string      `toml:"storage"`
	PageSize      int         `toml:"page_size"`
	Heartbeat     string      `toml:"heartbeat"`
	MirrorDir     string      `toml:"mirror_dir,omitempty"`
	DashboardPort int         `toml:"dashboard_port"`
	Retry         RetryConfig `toml:"retry"`
	Log           LogConfig   `toml:"log"`
}

// RenderTOML writes c to w as TOML.
func (c *Config) RenderTOML(w io.Writer) error {
	t := tomlConfig{
		AppID:         c.AppID,
		Token:         c.Token,
		URL:           c.URL,
		ClientID:      c.ClientID,
		Buckets:       c.Buckets,
		DataDir:       c.DataDir,
		Storage:       c.Storage,
		PageSize:      c.PageSize,
		Heartbeat:     c.Heartbeat.String(),
		MirrorDir:     c.MirrorDir,
		DashboardPort: c.DashboardPort,
		Retry:         c.Retry,
		Log:           c.Log,
	}
	if err := toml.NewEncoder(w).Encode(t); err != nil {
		return fmt.Errorf("failed to encode toml: %w", err)
	}
	return nil
}
