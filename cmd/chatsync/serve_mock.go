package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wholexale/chatsync/chattest"
)

var (
	mockAddr  string
	mockUser  string
	mockToken string
)

func init() {
	rootCmd.AddCommand(serveMockCmd)
	serveMockCmd.Flags().StringVar(&mockAddr, "addr", ":8000", "listen address")
	serveMockCmd.Flags().StringVar(&mockUser, "user", "buyer-1", "buyer id the fixtures are built for")
	serveMockCmd.Flags().StringVar(&mockToken, "token", "", "require this bearer token")
}

var serveMockCmd = &cobra.Command{
	Use:   "serve-mock",
	Short: "Serve the mock chat service with canned vendor conversations",
	Long:  "Serve the REST API under /api/chat and the realtime channel under /ws for local development.",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := []chattest.Option{chattest.WithFixtures(), chattest.WithLogger(logger.Named("mock"))}
		if mockToken != "" {
			opts = append(opts, chattest.WithToken(mockToken))
		}
		srv := &http.Server{
			Addr:              mockAddr,
			Handler:           chattest.NewServer(mockUser, opts...),
			ReadHeaderTimeout: 5 * time.Second,
		}

		ctx, cancel := signalContext()
		defer cancel()

		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		fmt.Printf("Mock chat service for %s listening on %s\n", mockUser, mockAddr)

		select {
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down mock service")
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
			return srv.Close()
		}
		return nil
	},
}
