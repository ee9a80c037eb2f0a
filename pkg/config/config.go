package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvPrefix       = "CHATSTREAM"
	SettingsDirName = ".chatstream"
	SettingsFile    = "settings.yaml"
)

// Config represents the application configuration
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Session SessionConfig `mapstructure:"session"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	LogFile  string `mapstructure:"log_file"`
	Preserve bool   `mapstructure:"preserve"`
	Level    string `mapstructure:"level"`
	Pretty   bool   `mapstructure:"pretty"`
}

// ServerConfig points at the chat backend
type ServerConfig struct {
	URL        string        `mapstructure:"url"`
	ChatPath   string        `mapstructure:"chat_path"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"-"`
	TimeoutStr string        `mapstructure:"timeout"`
}

// StoreConfig selects the conversation store
type StoreConfig struct {
	Type string `mapstructure:"type"` // memory, sqlite, http
	Path string `mapstructure:"path"`
	URL  string `mapstructure:"url"`
}

// SessionConfig tunes exchange behaviour
type SessionConfig struct {
	CancelMarker string         `mapstructure:"cancel_marker"` // empty keeps the session default
	Mirror       bool           `mapstructure:"mirror"`
	HistoryLimit int            `mapstructure:"history_limit"`
	Context      map[string]any `mapstructure:"context"`
}

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreHTTP   = "http"
)

// Global config instance
var cfg *Config

// Get returns the global config instance
func Get() *Config {
	if cfg == nil {
		panic("config not initialized")
	}
	return cfg
}

// Set installs c as the global config. Tests use it to skip Load.
func Set(c *Config) {
	cfg = c
}

// Load loads configuration from file, .env and the environment
func Load(cfgFile string) (*Config, error) {
	// A missing .env is the common case.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome == "" {
			xdgConfigHome = filepath.Join(home, ".config")
		}

		viper.AddConfigPath("./" + SettingsDirName)
		viper.AddConfigPath(filepath.Join(xdgConfigHome, SettingsDirName))
		viper.SetConfigType("yaml")
		viper.SetConfigName(strings.TrimSuffix(SettingsFile, filepath.Ext(SettingsFile)))
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	c := &Config{}
	if err := viper.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := processDurations(c); err != nil {
		return nil, fmt.Errorf("failed to process durations: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg = c
	return cfg, nil
}

// setDefaults sets all default configuration values
func setDefaults() {
	viper.SetDefault("logging.log_file", "./"+SettingsDirName+"/chatstream.log")
	viper.SetDefault("logging.preserve", false)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.pretty", false)

	viper.SetDefault("server.url", "http://localhost:3000")
	viper.SetDefault("server.chat_path", "/api/chat/stream")
	viper.SetDefault("server.api_key", "")
	viper.SetDefault("server.timeout", "0s")

	viper.SetDefault("store.type", StoreMemory)
	viper.SetDefault("store.path", "./"+SettingsDirName+"/conversations.db")
	viper.SetDefault("store.url", "")

	viper.SetDefault("session.cancel_marker", "")
	viper.SetDefault("session.mirror", false)
	viper.SetDefault("session.history_limit", 0)
	viper.SetDefault("session.context", map[string]any{})
}

// processDurations converts string durations to time.Duration
func processDurations(c *Config) error {
	if c.Server.TimeoutStr != "" {
		d, err := time.ParseDuration(c.Server.TimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid server.timeout: %w", err)
		}
		c.Server.Timeout = d
	}
	return nil
}

// Validate checks the settings that cannot be defaulted away
func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreMemory, StoreSQLite:
	case StoreHTTP:
		if c.Store.URL == "" && c.Server.URL == "" {
			return errors.New("store.type http requires store.url or server.url")
		}
	default:
		return fmt.Errorf("unknown store.type %q", c.Store.Type)
	}
	if c.Session.HistoryLimit < 0 {
		return fmt.Errorf("session.history_limit must not be negative, got %d", c.Session.HistoryLimit)
	}
	if c.Server.Timeout < 0 {
		return fmt.Errorf("server.timeout must not be negative, got %s", c.Server.Timeout)
	}
	return nil
}

// ChatURL joins the server url and chat path
func (c *Config) ChatURL() string {
	return strings.TrimRight(c.Server.URL, "/") + "/" + strings.TrimLeft(c.Server.ChatPath, "/")
}

// StoreURL is the base url of the http store, defaulting to the chat server
func (c *Config) StoreURL() string {
	if c.Store.URL != "" {
		return c.Store.URL
	}
	return c.Server.URL
}
