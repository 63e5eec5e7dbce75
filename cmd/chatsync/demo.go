package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wholexale/chatsync"
	"github.com/wholexale/chatsync/chattest"
)

var (
	demoDuration time.Duration
	demoMessage  string
)

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().DurationVar(&demoDuration, "duration", 6*time.Second, "how long to wait for scripted vendor activity")
	demoCmd.Flags().StringVar(&demoMessage, "message", "Hello, I'm interested in a bulk order.", "message to send to the vendor")
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the engine against an in-process mock service and simulator",
	Long: "Start the mock chat service on a loopback port, connect through the realtime simulator, " +
		"send a message to Tech Solutions and print the conversation after the scripted vendor reply and offer.",
	RunE: func(cmd *cobra.Command, args []string) error {
		const buyer = "buyer-demo"

		mock := chattest.NewServer(buyer, chattest.WithFixtures(), chattest.WithLogger(logger.Named("mock")))
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		srv := &http.Server{Handler: mock, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("mock service failed", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Close() }()

		cfg := chatsync.Config{
			UserID:    buyer,
			BaseURL:   "http://" + ln.Addr().String() + "/api",
			Transport: "sim",
		}.WithDefaults()

		conv := chattest.ChatID(chattest.VendorTechSolutions)
		sim := chatsync.NewSimulator(
			chatsync.WithSimulatorLogger(logger),
			chatsync.WithEchoSends(),
			chatsync.WithScript(chatsync.DemoScript(conv, chattest.VendorTechSolutions, "Tech Solutions Ltd")...),
		)
		store := chatsync.NewStore(buyer, chatsync.WithStoreLogger(logger))
		coord := chatsync.NewCoordinator(store, sim, newBackend(cfg), cfg, chatsync.WithLogger(logger))

		ctx, cancel := signalContext()
		defer cancel()

		if err := coord.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = coord.Stop() }()

		fmt.Printf("Mock service on %s, %d conversations, %d unread\n", ln.Addr(), len(store.Snapshot().Conversations), store.UnreadTotal())
		if err := coord.OpenConversation(ctx, conv); err != nil {
			return err
		}
		if _, err := coord.MarkRead(ctx, conv); err != nil {
			return err
		}
		sent, err := coord.Send(ctx, conv, chatsync.Draft{Content: demoMessage})
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s (%s)\n", sent.ID, sent.Status)

		wait, stop := context.WithTimeout(ctx, demoDuration)
		defer stop()
		<-wait.Done()

		c, _ := store.Conversation(conv)
		fmt.Printf("\n%s (%s), unread %d\n", c.CounterpartyName, c.ID, c.UnreadCount)
		for _, m := range c.Messages {
			printMessage(m)
		}

		fmt.Println()
		for _, f := range chatsync.Filters() {
			fmt.Printf("%-16s %d\n", f, len(coord.Project(f, "")))
		}
		return store.Verify()
	},
}
