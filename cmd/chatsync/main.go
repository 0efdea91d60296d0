package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/onlyfriends-app/chatsync"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
}

// ConfigAuth holds the signed-in identity.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	UserName string `toml:"user_name"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with environment overrides applied.
// A .env file in the working directory is loaded first if present.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	applyEnv(cfg)
	return cfg, nil
}

// envOverrides maps environment variables onto config keys.
var envOverrides = []struct {
	Env string
	Key string
}{
	{"CHATSYNC_BASE_URL", "default.base_url"},
	{"CHATSYNC_TOKEN", "auth.token"},
	{"CHATSYNC_USER_ID", "auth.user_id"},
}

// applyEnv overlays set environment variables and returns the keys they
// replaced.
func applyEnv(cfg *Config) map[string]string {
	applied := make(map[string]string)
	for _, o := range envOverrides {
		v := os.Getenv(o.Env)
		if v == "" {
			continue
		}
		if err := setConfigValue(cfg, o.Key, v); err == nil {
			applied[o.Key] = o.Env
		}
	}
	return applied
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// configKeys lists every settable key in display order.
var configKeys = []string{"default.base_url", "auth.token", "auth.user_id", "auth.user_name"}

// configField returns a pointer to the field named by a dot-notation key.
func configField(cfg *Config, key string) (*string, error) {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return nil, fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			return &cfg.Default.BaseURL, nil
		}
		return nil, fmt.Errorf("unknown field %q in section [default]", field)
	case "auth":
		switch field {
		case "token":
			return &cfg.Auth.Token, nil
		case "user_id":
			return &cfg.Auth.UserID, nil
		case "user_name":
			return &cfg.Auth.UserName, nil
		}
		return nil, fmt.Errorf("unknown field %q in section [auth]", field)
	}
	return nil, fmt.Errorf("unknown config section %q (valid: default, auth)", section)
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	ptr, err := configField(cfg, key)
	if err != nil {
		return err
	}
	if key == "default.base_url" {
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("base_url must be an absolute http(s) URL, got %q", value)
		}
		value = strings.TrimRight(value, "/")
	}
	*ptr = value
	return nil
}

// setting is one resolved config value and where it came from.
type setting struct {
	Key    string
	Value  string
	Source string
}

// resolveConfig reports the effective value of every key. Sources are
// "env:<NAME>", "file", "default" or "unset".
func resolveConfig(file *Config) []setting {
	eff := *file
	applied := applyEnv(&eff)

	out := make([]setting, 0, len(configKeys))
	for _, key := range configKeys {
		ptr, _ := configField(&eff, key)
		fromFile, _ := configField(file, key)
		s := setting{Key: key, Value: *ptr}
		switch {
		case applied[key] != "":
			s.Source = "env:" + applied[key]
		case *fromFile != "":
			s.Source = "file"
		case key == "default.base_url":
			s.Value, s.Source = chatsync.DefaultBaseURL, "default"
		default:
			s.Source = "unset"
		}
		if key == "auth.token" && s.Value != "" {
			s.Value = maskToken(s.Value)
		}
		out = append(out, s)
	}
	return out
}

// ============================================================================
// Logging
// ============================================================================

var (
	logJSON  bool
	logLevel string

	logger = zerolog.Nop()
)

func setupLogger() error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	if logJSON {
		logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
		return nil
	}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "OnlyFriends chat sync CLI",
	Long:  "Command-line client for the OnlyFriends realtime messaging core.\nBrowse conversations, send messages, manage notifications and watch a live session.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
