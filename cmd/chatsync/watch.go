package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wholexale/chatsync"
)

var (
	watchOpen        []string
	watchMetricsAddr string
	watchMarkRead    bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringSliceVar(&watchOpen, "open", nil, "conversation ids to open (join the room and load history)")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	watchCmd.Flags().BoolVar(&watchMarkRead, "mark-read", false, "mark inbound messages in open conversations read as they arrive")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print changes until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := engineSettings()
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		coord, err := newEngine(cfg, reg)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		if watchMetricsAddr != "" {
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				_ = srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving metrics on %s/metrics\n", watchMetricsAddr)
		}

		store := coord.Store()
		printer := newChangePrinter(store)
		unsubscribe := store.OnChange(func(ch chatsync.Change) {
			printer.print(ch)
			if watchMarkRead && ch.Kind == chatsync.ChangeMessages && isOpen(coord, ch.ConversationID) {
				go func() { _, _ = coord.MarkRead(ctx, ch.ConversationID) }()
			}
		})
		defer unsubscribe()

		if err := coord.Start(ctx); err != nil {
			logger.Warn("initial conversation list failed", zap.Error(err))
		}
		defer func() { _ = coord.Stop() }()

		for _, id := range watchOpen {
			if err := coord.OpenConversation(ctx, id); err != nil {
				fmt.Printf("open %s: %v\n", id, err)
			}
		}

		snap := store.Snapshot()
		fmt.Printf("Watching %d conversations (%d unread). Press Ctrl-C to stop.\n", len(snap.Conversations), store.UnreadTotal())
		<-ctx.Done()
		return nil
	},
}

func isOpen(coord *chatsync.Coordinator, id string) bool {
	for _, open := range coord.OpenConversations() {
		if open == id {
			return true
		}
	}
	return false
}

// changePrinter prints one line per store change. Listeners may run on
// several goroutines, so printed state is guarded.
type changePrinter struct {
	store *chatsync.Store

	mu     sync.Mutex
	seen   map[string]bool
	errors int
}

func newChangePrinter(store *chatsync.Store) *changePrinter {
	return &changePrinter{store: store, seen: make(map[string]bool)}
}

func (p *changePrinter) print(ch chatsync.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()

	store := p.store
	switch ch.Kind {
	case chatsync.ChangeConnection:
		if store.Connected() {
			fmt.Println("* connected")
		} else {
			fmt.Println("* disconnected")
		}
	case chatsync.ChangeMessages, chatsync.ChangeStatus:
		for _, id := range ch.MessageIDs {
			m, ok := store.Message(ch.ConversationID, id)
			if !ok {
				continue
			}
			key := ch.ConversationID + "/" + m.ID + "/" + string(m.Status)
			if p.seen[key] {
				continue
			}
			p.seen[key] = true
			fmt.Printf("%s ", ch.ConversationID)
			printMessage(m)
		}
	case chatsync.ChangeRead:
		fmt.Printf("%s read %d (unread total %d)\n", ch.ConversationID, len(ch.MessageIDs), store.UnreadTotal())
	case chatsync.ChangePresence:
		if c, ok := store.Conversation(ch.ConversationID); ok {
			state := "offline"
			if c.Online {
				state = "online"
			}
			fmt.Printf("%s %s is %s\n", ch.ConversationID, c.CounterpartyName, state)
		}
	case chatsync.ChangeConversations:
		if ch.ConversationID == "" {
			fmt.Printf("* %d conversations\n", len(store.Snapshot().Conversations))
		} else if c, ok := store.Conversation(ch.ConversationID); ok {
			fmt.Printf("%s status %s\n", ch.ConversationID, c.Status)
		}
	case chatsync.ChangeError:
		errs := store.Snapshot().Errors
		if len(errs) > p.errors {
			for key, err := range errs {
				fmt.Printf("! %s: %v\n", key, err)
			}
		}
		p.errors = len(errs)
	}
}
