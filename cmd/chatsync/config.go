package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wholexale/chatsync"
)

var configShowPath bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowPath, "path", false, "print only the config file location")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "Inspect the effective configuration or change values in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration after CHATSYNC_* overrides and defaults are applied. The token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowPath {
			fmt.Println(path)
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyEnv(cfg)
		eff, err := cfg.engineConfig()
		if err != nil {
			return err
		}

		fmt.Printf("# %s\n", path)
		for _, line := range effectiveLines(eff) {
			fmt.Println(line)
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one value stored in the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		val, err := configValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a value using section.field notation.\nExample: chatsync config set sync.send_timeout 10s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		before, err := configValue(cfg, args[0])
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		after, _ := configValue(cfg, args[0])
		fmt.Printf("%s: %s -> %s\n", args[0], valueOrDefault(before, "(unset)"), after)
		return nil
	},
}

// configValue reads a file value by section.field. The token is masked.
func configValue(cfg *Config, key string) (string, error) {
	switch key {
	case "default.user_id":
		return cfg.Default.UserID, nil
	case "default.base_url":
		return cfg.Default.BaseURL, nil
	case "default.realtime_url":
		return cfg.Default.RealtimeURL, nil
	case "default.token":
		return maskToken(cfg.Default.Token), nil
	case "default.transport":
		return cfg.Default.Transport, nil
	case "default.nats_url":
		return cfg.Default.NATSURL, nil
	case "sync.send_timeout":
		return cfg.Sync.SendTimeout, nil
	case "sync.request_timeout":
		return cfg.Sync.RequestTimeout, nil
	case "sync.poll_interval":
		return cfg.Sync.PollInterval, nil
	case "sync.page_size":
		return intOrEmpty(cfg.Sync.PageSize), nil
	case "sync.max_reconnect_attempts":
		return intOrEmpty(cfg.Sync.MaxReconnectAttempts), nil
	case "sync.auto_reconnect":
		if cfg.Sync.AutoReconnect == nil {
			return "", nil
		}
		return strconv.FormatBool(*cfg.Sync.AutoReconnect), nil
	}
	return "", fmt.Errorf("unknown config key %q", key)
}

func intOrEmpty(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// effectiveLines renders the engine configuration as TOML-like lines.
func effectiveLines(c chatsync.Config) []string {
	token := "(not set)"
	if c.Token != "" {
		token = maskToken(c.Token)
	}
	lines := []string{
		"[default]",
		"user_id = " + strconv.Quote(c.UserID),
		"base_url = " + strconv.Quote(c.BaseURL),
		"realtime_url = " + strconv.Quote(c.RealtimeURL),
		"token = " + token,
		"transport = " + strconv.Quote(c.Transport),
	}
	if c.Transport == "nats" {
		lines = append(lines, "nats_url = "+strconv.Quote(c.NATSURL))
	}
	attempts := strconv.Itoa(c.MaxReconnectAttempts)
	if c.MaxReconnectAttempts < 0 {
		attempts = "unlimited"
	}
	lines = append(lines,
		"",
		"[sync]",
		"send_timeout = "+c.SendTimeout.String(),
		"request_timeout = "+c.RequestTimeout.String(),
		"poll_interval = "+c.PollInterval.String(),
		"page_size = "+strconv.Itoa(c.PageSize),
		"auto_reconnect = "+strconv.FormatBool(c.AutoReconnect),
		"max_reconnect_attempts = "+attempts,
	)
	return lines
}
