package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initBaseURL   string
	initToken     string
	initTransport string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API root, e.g. http://localhost:8000/api")
	initCmd.Flags().StringVar(&initToken, "token", "", "bearer token for the chat service")
	initCmd.Flags().StringVar(&initTransport, "transport", "", "realtime transport: ws, nats or sim")
}

var initCmd = &cobra.Command{
	Use:   "init <user-id>",
	Short: "Store user id and endpoints in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing the acting user id and service endpoints in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.UserID = args[0]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initToken != "" {
			cfg.Default.Token = initToken
		}
		if initTransport != "" {
			if err := setConfigValue(cfg, "default.transport", initTransport); err != nil {
				return err
			}
		}
		if cfg.Default.Transport == "" {
			cfg.Default.Transport = "ws"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
