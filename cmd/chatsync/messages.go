package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wholexale/chatsync"
)

var (
	msgPage   int
	msgLimit  int
	msgSearch string
	msgJSON   bool
)

func init() {
	rootCmd.AddCommand(messagesCmd)
	messagesCmd.Flags().IntVar(&msgPage, "page", 1, "page number, 1 is the newest")
	messagesCmd.Flags().IntVar(&msgLimit, "limit", 0, "page size (default from config)")
	messagesCmd.Flags().StringVarP(&msgSearch, "search", "s", "", "search the conversation instead of paging it")
	messagesCmd.Flags().BoolVar(&msgJSON, "json", false, "print JSON instead of lines")
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print one page of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		cfg, err := engineSettings()
		if err != nil {
			return err
		}
		if msgPage < 1 {
			return fmt.Errorf("--page must be at least 1")
		}
		limit := msgLimit
		if limit <= 0 {
			limit = cfg.PageSize
		}

		ctx, cancel := requestContext(cfg)
		defer cancel()
		backend := newBackend(cfg)

		var msgs []chatsync.Message
		if msgSearch != "" {
			msgs, err = backend.Search(ctx, conversationID, msgSearch)
		} else {
			msgs, err = backend.FetchMessages(ctx, conversationID, msgPage, limit)
		}
		if err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}

		// Merge through a store so the output is ordered and de-duplicated.
		store := chatsync.NewStore(cfg.UserID, chatsync.WithStoreLogger(logger))
		store.MergeMessages(conversationID, msgs)
		conv, _ := store.Conversation(conversationID)

		if msgJSON {
			return printJSON(conv.Messages)
		}
		if len(conv.Messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range conv.Messages {
			printMessage(m)
		}
		fmt.Printf("\n%d messages, %d unread\n", len(conv.Messages), conv.UnreadCount)
		return nil
	},
}
