package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wholexale/chatsync"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Sync    ConfigSync    `toml:"sync"`
}

// ConfigDefault holds identity and endpoints.
type ConfigDefault struct {
	UserID      string `toml:"user_id"`
	BaseURL     string `toml:"base_url"`
	RealtimeURL string `toml:"realtime_url"`
	Token       string `toml:"token"`
	Transport   string `toml:"transport"`
	NATSURL     string `toml:"nats_url"`
}

// ConfigSync holds engine tuning. Durations use Go syntax ("15s").
type ConfigSync struct {
	SendTimeout          string `toml:"send_timeout,omitempty"`
	RequestTimeout       string `toml:"request_timeout,omitempty"`
	PollInterval         string `toml:"poll_interval,omitempty"`
	PageSize             int    `toml:"page_size,omitempty"`
	AutoReconnect        *bool  `toml:"auto_reconnect,omitempty"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync (or $CHATSYNC_HOME), creating
// it if needed.
func configDir() (string, error) {
	dir := os.Getenv("CHATSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync")
	}
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

// setConfigValue sets a config field using dot notation (e.g. "default.user_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.user_id)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "user_id":
			cfg.Default.UserID = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "realtime_url":
			cfg.Default.RealtimeURL = value
		case "token":
			cfg.Default.Token = value
		case "transport":
			switch value {
			case "ws", "nats", "sim":
			default:
				return fmt.Errorf("transport must be one of ws, nats, sim")
			}
			cfg.Default.Transport = value
		case "nats_url":
			cfg.Default.NATSURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "sync":
		switch field {
		case "send_timeout", "request_timeout", "poll_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			switch field {
			case "send_timeout":
				cfg.Sync.SendTimeout = value
			case "request_timeout":
				cfg.Sync.RequestTimeout = value
			default:
				cfg.Sync.PollInterval = value
			}
		case "page_size", "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			if field == "page_size" {
				cfg.Sync.PageSize = n
			} else {
				cfg.Sync.MaxReconnectAttempts = n
			}
		case "auto_reconnect":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.Sync.AutoReconnect = &b
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, sync)", section)
	}
	return nil
}

// applyEnv overrides file values with CHATSYNC_* environment variables.
func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"CHATSYNC_USER_ID":      &cfg.Default.UserID,
		"CHATSYNC_BASE_URL":     &cfg.Default.BaseURL,
		"CHATSYNC_REALTIME_URL": &cfg.Default.RealtimeURL,
		"CHATSYNC_TOKEN":        &cfg.Default.Token,
		"CHATSYNC_TRANSPORT":    &cfg.Default.Transport,
		"CHATSYNC_NATS_URL":     &cfg.Default.NATSURL,
	}
	for name, dst := range overrides {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
}

// engineConfig converts the file configuration into the engine's Config.
func (c *Config) engineConfig() (chatsync.Config, error) {
	out := chatsync.Config{
		UserID:               c.Default.UserID,
		BaseURL:              c.Default.BaseURL,
		RealtimeURL:          c.Default.RealtimeURL,
		Token:                c.Default.Token,
		Transport:            c.Default.Transport,
		NATSURL:              c.Default.NATSURL,
		PageSize:             c.Sync.PageSize,
		AutoReconnect:        true,
		MaxReconnectAttempts: c.Sync.MaxReconnectAttempts,
	}
	if c.Sync.AutoReconnect != nil {
		out.AutoReconnect = *c.Sync.AutoReconnect
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"sync.send_timeout", c.Sync.SendTimeout, &out.SendTimeout},
		{"sync.request_timeout", c.Sync.RequestTimeout, &out.RequestTimeout},
		{"sync.poll_interval", c.Sync.PollInterval, &out.PollInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return chatsync.Config{}, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}
	out = out.WithDefaults()
	if out.RealtimeURL == "" {
		out.RealtimeURL = realtimeURLFor(out.BaseURL)
	}
	return out, nil
}

// realtimeURLFor derives the WebSocket endpoint served next to an API root:
// http://host:8000/api becomes http://host:8000/ws.
func realtimeURLFor(baseURL string) string {
	return strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/api") + "/ws"
}

// ============================================================================
// Root command
// ============================================================================

var (
	logLevel string
	devLog   bool
	logger   = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Marketplace chat sync CLI",
	Long:  "Command-line interface for the marketplace chat synchronization engine.\nList conversations, send messages, watch realtime traffic, and run the mock service.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(logLevel, devLog)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&devLog, "dev", false, "human-readable colored logs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
