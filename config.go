package chatsync

import "time"

// Config configures the synchronization engine.
type Config struct {
	UserID      string
	BaseURL     string
	RealtimeURL string
	Token       string

	// Transport selects the realtime implementation: "ws", "nats" or "sim".
	Transport string
	NATSURL   string

	SendTimeout    time.Duration
	RequestTimeout time.Duration
	PollInterval   time.Duration
	TypingTimeout  time.Duration
	TypingInterval time.Duration
	PageSize       int

	MaxMessageLength int
	MinQueryLength   int
	MaxQueryLength   int

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

const (
	DefaultBaseURL        = "http://localhost:8000/api"
	DefaultSendTimeout    = 15 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

func (c *Config) defaults() {
	if c.Transport == "" {
		c.Transport = "ws"
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = 20 * time.Second
	}
	if c.TypingTimeout == 0 {
		c.TypingTimeout = 3 * time.Second
	}
	if c.TypingInterval == 0 {
		c.TypingInterval = 2 * time.Second
	}
	if c.PageSize == 0 {
		c.PageSize = 50
	}
	if c.MaxMessageLength == 0 {
		c.MaxMessageLength = 4000
	}
	if c.MinQueryLength == 0 {
		c.MinQueryLength = 2
	}
	if c.MaxQueryLength == 0 {
		c.MaxQueryLength = 100
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	c.defaults()
	return c
}
