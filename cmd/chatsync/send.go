package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/wholexale/chatsync"
)

var (
	sendOffer    string
	sendValidity string
	sendDiscount string
	sendImage    string
	sendLocation string
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendOffer, "offer", "", "send a price offer, e.g. ₹40,000")
	sendCmd.Flags().StringVar(&sendValidity, "validity", "", "offer validity, e.g. \"7 days\"")
	sendCmd.Flags().StringVar(&sendDiscount, "discount", "", "offer discount note")
	sendCmd.Flags().StringVar(&sendImage, "image", "", "send an image by URL")
	sendCmd.Flags().StringVar(&sendLocation, "location", "", "send a location by address")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a message",
	Long:  "Connect, send one message with optimistic delivery and print the confirmed record.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		draft := chatsync.Draft{Content: strings.Join(args[1:], " ")}
		switch {
		case sendOffer != "":
			draft.Payload = chatsync.OfferPayload{
				Price:    sendOffer,
				Validity: sendValidity,
				Discount: sendDiscount,
				Status:   chatsync.OfferPending,
			}
		case sendImage != "":
			draft.Payload = chatsync.ImagePayload{URL: sendImage, Caption: draft.Content}
		case sendLocation != "":
			draft.Payload = chatsync.LocationPayload{Address: sendLocation}
		}

		cfg, err := engineSettings()
		if err != nil {
			return err
		}
		coord, err := newEngine(cfg, nil)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		if err := coord.Start(ctx); err != nil {
			_ = coord.Stop()
			return err
		}
		defer func() { _ = coord.Stop() }()

		msg, err := coord.Send(ctx, conversationID, draft)
		if err != nil {
			if msg.ID != "" {
				printMessage(msg)
			}
			return err
		}
		printMessage(msg)
		return nil
	},
}
