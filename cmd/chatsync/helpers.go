package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wholexale/chatsync"
)

// engineSettings loads the config file, applies environment overrides and
// returns the engine configuration. A user id is required.
func engineSettings() (chatsync.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return chatsync.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)
	out, err := cfg.engineConfig()
	if err != nil {
		return chatsync.Config{}, err
	}
	if out.UserID == "" {
		return chatsync.Config{}, fmt.Errorf("no user id. Run 'chatsync init <user-id>' or set CHATSYNC_USER_ID")
	}
	return out, nil
}

func newBackend(cfg chatsync.Config) *chatsync.RESTBackend {
	opts := []chatsync.BackendOption{
		chatsync.WithBaseURL(cfg.BaseURL),
		chatsync.WithTimeout(cfg.RequestTimeout),
	}
	if cfg.Token != "" {
		opts = append(opts, chatsync.WithToken(cfg.Token))
	}
	return chatsync.NewRESTBackend(cfg.UserID, opts...)
}

// newTransport selects the realtime implementation named by cfg.Transport.
func newTransport(cfg chatsync.Config) (chatsync.Transport, error) {
	switch cfg.Transport {
	case "ws", "":
		return chatsync.NewWSTransport(cfg.RealtimeURL, cfg, chatsync.WithWSLogger(logger)), nil
	case "nats":
		if cfg.NATSURL == "" {
			return nil, fmt.Errorf("transport nats requires default.nats_url")
		}
		return chatsync.NewNATSTransport(cfg.NATSURL, cfg, chatsync.WithNATSLogger(logger)), nil
	case "sim":
		return chatsync.NewSimulator(chatsync.WithSimulatorLogger(logger), chatsync.WithEchoSends()), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (valid: ws, nats, sim)", cfg.Transport)
	}
}

// newEngine builds a coordinator for cfg. reg may be nil.
func newEngine(cfg chatsync.Config, reg prometheus.Registerer) (*chatsync.Coordinator, error) {
	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	store := chatsync.NewStore(cfg.UserID, chatsync.WithStoreLogger(logger))
	opts := []chatsync.Option{chatsync.WithLogger(logger)}
	if reg != nil {
		opts = append(opts, chatsync.WithMetrics(chatsync.NewMetrics(reg)))
	}
	return chatsync.NewCoordinator(store, transport, newBackend(cfg), cfg, opts...), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ============================================================================
// Output
// ============================================================================

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printConversations(convs []chatsync.Conversation) {
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, c := range convs {
		flags := []string{string(c.Status)}
		if c.Online {
			flags = append(flags, "online")
		}
		if c.Offers.HasNewOffers {
			flags = append(flags, "new offer")
		}
		if c.Offers.HasSentOffers {
			flags = append(flags, "offer sent")
		}
		fmt.Printf("%-32s %-26s unread=%-3d [%s]\n", c.ID, truncate(c.CounterpartyName, 26), c.UnreadCount, strings.Join(flags, ", "))
		if last, ok := c.LastMessage(); ok {
			fmt.Printf("    %s  %s\n", last.Timestamp.Local().Format("Jan 02 15:04"), preview(last))
		}
	}
}

func printMessage(m chatsync.Message) {
	fmt.Printf("[%s] %-12s %-10s %s\n",
		m.Timestamp.Local().Format("15:04:05"),
		truncate(m.SenderID, 12),
		m.Status,
		preview(m),
	)
}

func preview(m chatsync.Message) string {
	switch p := m.Payload.(type) {
	case chatsync.OfferPayload:
		return fmt.Sprintf("offer %s (%s) %s", p.Price, valueOrDefault(string(p.Status), "pending"), p.Discount)
	case chatsync.ImagePayload:
		return "image " + p.URL
	case chatsync.FilePayload:
		return "file " + p.Name
	case chatsync.LocationPayload:
		return "location " + p.Address
	case chatsync.SystemPayload:
		return "notice " + valueOrDefault(p.FinancialType, m.Content)
	}
	return truncate(m.Content, 80)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// maskToken shows the first and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func requestContext(cfg chatsync.Config) (context.Context, context.CancelFunc) {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
