package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wholexale/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and service reachability",
	Long:  "Display the effective configuration, then check the REST API and the realtime channel.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := engineSettings()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  User ID:      %s\n", cfg.UserID)
		fmt.Printf("  Base URL:     %s\n", cfg.BaseURL)
		fmt.Printf("  Transport:    %s\n", cfg.Transport)
		switch cfg.Transport {
		case "nats":
			fmt.Printf("  NATS URL:     %s\n", valueOrDefault(cfg.NATSURL, "(not set)"))
		case "ws":
			fmt.Printf("  Realtime URL: %s\n", cfg.RealtimeURL)
		}
		if cfg.Token != "" {
			fmt.Printf("  Token:        %s\n", maskToken(cfg.Token))
		} else {
			fmt.Println("  Token:        (not set)")
		}

		fmt.Println()
		fmt.Println("REST API:")
		ctx, cancel := requestContext(cfg)
		defer cancel()
		start := time.Now()
		convs, err := newBackend(cfg).ListConversations(ctx, "")
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
		} else {
			store := chatsync.NewStore(cfg.UserID)
			store.ReplaceConversations(convs)
			fmt.Printf("  Reachable in %s\n", time.Since(start).Round(time.Millisecond))
			fmt.Printf("  Conversations: %d\n", len(convs))
			fmt.Printf("  Unread:        %d\n", store.UnreadTotal())
		}

		fmt.Println()
		fmt.Println("Realtime:")
		transport, err := newTransport(cfg)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		rtCtx, rtCancel := requestContext(cfg)
		defer rtCancel()
		handle, err := transport.Connect(rtCtx, cfg.UserID)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		fmt.Printf("  Connected (session %s)\n", valueOrDefault(handle.SessionID, "-"))
		return transport.Disconnect()
	},
}
