package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wholexale/chatsync"
)

var (
	convFilter string
	convSearch string
	convJSON   bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().StringVarP(&convFilter, "filter", "f", "all", "category: all, unread, offers-received, offers-sent, deals-closed, support, archived")
	conversationsCmd.Flags().StringVarP(&convSearch, "search", "s", "", "only conversations whose vendor name or messages contain this text")
	conversationsCmd.Flags().BoolVar(&convJSON, "json", false, "print JSON instead of a table")
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations",
	Long:    "Fetch the conversation list and print it filtered and sorted by most recent activity.",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := chatsync.ParseFilter(convFilter)
		if err != nil {
			return err
		}
		cfg, err := engineSettings()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext(cfg)
		defer cancel()
		convs, err := newBackend(cfg).ListConversations(ctx, "")
		if err != nil {
			return fmt.Errorf("failed to list conversations: %w", err)
		}

		store := chatsync.NewStore(cfg.UserID, chatsync.WithStoreLogger(logger))
		store.ReplaceConversations(convs)
		view := chatsync.Project(store.Snapshot(), filter, convSearch)

		if convJSON {
			return printJSON(view)
		}
		printConversations(view)
		fmt.Printf("\n%d of %d conversations, %d unread\n", len(view), len(convs), store.UnreadTotal())
		return nil
	},
}
