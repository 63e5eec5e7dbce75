package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wholexale/chatsync"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "user id", key: "default.user_id", value: "buyer-9",
			check: func(t *testing.T, cfg *Config) { require.Equal(t, "buyer-9", cfg.Default.UserID) },
		},
		{
			name: "transport", key: "default.transport", value: "nats",
			check: func(t *testing.T, cfg *Config) { require.Equal(t, "nats", cfg.Default.Transport) },
		},
		{name: "bad transport", key: "default.transport", value: "carrier-pigeon", wantErr: true},
		{
			name: "duration", key: "sync.send_timeout", value: "5s",
			check: func(t *testing.T, cfg *Config) { require.Equal(t, "5s", cfg.Sync.SendTimeout) },
		},
		{name: "bad duration", key: "sync.poll_interval", value: "soon", wantErr: true},
		{
			name: "int", key: "sync.page_size", value: "20",
			check: func(t *testing.T, cfg *Config) { require.Equal(t, 20, cfg.Sync.PageSize) },
		},
		{name: "bad int", key: "sync.max_reconnect_attempts", value: "many", wantErr: true},
		{
			name: "bool", key: "sync.auto_reconnect", value: "false",
			check: func(t *testing.T, cfg *Config) {
				require.NotNil(t, cfg.Sync.AutoReconnect)
				require.False(t, *cfg.Sync.AutoReconnect)
			},
		},
		{name: "no dot", key: "user_id", value: "x", wantErr: true},
		{name: "unknown section", key: "server.port", value: "1", wantErr: true},
		{name: "unknown field", key: "default.color", value: "red", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			err := setConfigValue(cfg, tt.key, tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CHATSYNC_HOME", home)

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, &Config{}, cfg)

	require.NoError(t, setConfigValue(cfg, "default.user_id", "buyer-1"))
	require.NoError(t, setConfigValue(cfg, "default.base_url", "http://localhost:8000/api"))
	require.NoError(t, setConfigValue(cfg, "sync.request_timeout", "10s"))
	require.NoError(t, setConfigValue(cfg, "sync.auto_reconnect", "false"))
	require.NoError(t, saveConfig(cfg))

	info, err := os.Stat(filepath.Join(home, "config.toml"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestLoadConfigRejectsGarbage(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CHATSYNC_HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"), []byte("[default\nuser_id ="), 0o600))

	_, err := loadConfig()
	require.ErrorContains(t, err, "cannot parse config")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CHATSYNC_USER_ID", "buyer-env")
	t.Setenv("CHATSYNC_TRANSPORT", "sim")
	t.Setenv("CHATSYNC_BASE_URL", "")
	t.Setenv("CHATSYNC_REALTIME_URL", "")
	t.Setenv("CHATSYNC_TOKEN", "")
	t.Setenv("CHATSYNC_NATS_URL", "")

	cfg := &Config{Default: ConfigDefault{UserID: "buyer-file", BaseURL: "http://file/api", Transport: "ws"}}
	applyEnv(cfg)

	require.Equal(t, "buyer-env", cfg.Default.UserID)
	require.Equal(t, "sim", cfg.Default.Transport)
	require.Equal(t, "http://file/api", cfg.Default.BaseURL)
}

func TestEngineConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := &Config{Default: ConfigDefault{UserID: "buyer-1"}}
		out, err := cfg.engineConfig()
		require.NoError(t, err)
		require.Equal(t, chatsync.DefaultBaseURL, out.BaseURL)
		require.Equal(t, "http://localhost:8000/ws", out.RealtimeURL)
		require.Equal(t, "ws", out.Transport)
		require.Equal(t, chatsync.DefaultSendTimeout, out.SendTimeout)
		require.Equal(t, 50, out.PageSize)
		require.True(t, out.AutoReconnect)
	})

	t.Run("overrides", func(t *testing.T) {
		off := false
		cfg := &Config{
			Default: ConfigDefault{UserID: "buyer-1", RealtimeURL: "wss://rt.example.com/socket"},
			Sync:    ConfigSync{SendTimeout: "2s", PollInterval: "1m", PageSize: 10, AutoReconnect: &off},
		}
		out, err := cfg.engineConfig()
		require.NoError(t, err)
		require.Equal(t, 2*time.Second, out.SendTimeout)
		require.Equal(t, time.Minute, out.PollInterval)
		require.Equal(t, 10, out.PageSize)
		require.False(t, out.AutoReconnect)
		require.Equal(t, "wss://rt.example.com/socket", out.RealtimeURL)
	})

	t.Run("bad duration names the key", func(t *testing.T) {
		cfg := &Config{Sync: ConfigSync{RequestTimeout: "ten seconds"}}
		_, err := cfg.engineConfig()
		require.ErrorContains(t, err, "sync.request_timeout")
	})
}

func TestConfigValue(t *testing.T) {
	on := true
	cfg := &Config{
		Default: ConfigDefault{UserID: "buyer-1", Token: "tok-1234567890"},
		Sync:    ConfigSync{PageSize: 25, AutoReconnect: &on},
	}

	got, err := configValue(cfg, "default.token")
	require.NoError(t, err)
	require.Equal(t, "tok-...7890", got)

	got, err = configValue(cfg, "sync.page_size")
	require.NoError(t, err)
	require.Equal(t, "25", got)

	got, err = configValue(cfg, "sync.max_reconnect_attempts")
	require.NoError(t, err)
	require.Equal(t, "", got)

	got, err = configValue(cfg, "sync.auto_reconnect")
	require.NoError(t, err)
	require.Equal(t, "true", got)

	_, err = configValue(cfg, "default.password")
	require.ErrorContains(t, err, "unknown config key")
}

func TestEffectiveLines(t *testing.T) {
	cfg := &Config{Default: ConfigDefault{UserID: "buyer-1", Token: "tok-1234567890"}}
	eff, err := cfg.engineConfig()
	require.NoError(t, err)
	eff.MaxReconnectAttempts = -1

	out := strings.Join(effectiveLines(eff), "\n")
	require.NotContains(t, out, "tok-1234567890")
	require.Contains(t, out, "token = tok-...7890")
	require.Contains(t, out, "max_reconnect_attempts = unlimited")
	require.Contains(t, out, `user_id = "buyer-1"`)
	require.NotContains(t, out, "nats_url")

	eff.Token = ""
	eff.Transport = "nats"
	eff.NATSURL = "nats://bus:4222"
	out = strings.Join(effectiveLines(eff), "\n")
	require.Contains(t, out, "token = (not set)")
	require.Contains(t, out, `nats_url = "nats://bus:4222"`)
}

func TestEngineSettingsRequiresUser(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	t.Setenv("CHATSYNC_USER_ID", "")

	_, err := engineSettings()
	require.ErrorContains(t, err, "no user id")

	t.Setenv("CHATSYNC_USER_ID", "buyer-2")
	cfg, err := engineSettings()
	require.NoError(t, err)
	require.Equal(t, "buyer-2", cfg.UserID)
}

func TestRealtimeURLFor(t *testing.T) {
	require.Equal(t, "http://localhost:8000/ws", realtimeURLFor("http://localhost:8000/api"))
	require.Equal(t, "http://localhost:8000/ws", realtimeURLFor("http://localhost:8000/api/"))
	require.Equal(t, "https://chat.example.com/ws", realtimeURLFor("https://chat.example.com"))
}

func TestNewTransport(t *testing.T) {
	base := chatsync.Config{UserID: "buyer-1"}.WithDefaults()

	tr, err := newTransport(base)
	require.NoError(t, err)
	require.IsType(t, &chatsync.WSTransport{}, tr)

	sim := base
	sim.Transport = "sim"
	tr, err = newTransport(sim)
	require.NoError(t, err)
	require.IsType(t, &chatsync.Simulator{}, tr)

	nc := base
	nc.Transport = "nats"
	_, err = newTransport(nc)
	require.ErrorContains(t, err, "nats_url")
	nc.NATSURL = "nats://127.0.0.1:4222"
	tr, err = newTransport(nc)
	require.NoError(t, err)
	require.IsType(t, &chatsync.NATSTransport{}, tr)

	bad := base
	bad.Transport = "smoke"
	_, err = newTransport(bad)
	require.Error(t, err)
}

func TestOutputHelpers(t *testing.T) {
	require.Equal(t, "abc…", truncate("abcdef", 4))
	require.Equal(t, "abc", truncate("abc", 4))
	require.Equal(t, "secr...-123", maskToken("secret-token-123"))
	require.Equal(t, "*****", maskToken("short"))
	require.Equal(t, "fallback", valueOrDefault("", "fallback"))

	offer := chatsync.Message{Payload: chatsync.OfferPayload{Price: "₹45,000", Discount: "15%"}}
	require.Equal(t, "offer ₹45,000 (pending) 15%", preview(offer))
	require.Equal(t, "image https://cdn/x.png", preview(chatsync.Message{Payload: chatsync.ImagePayload{URL: "https://cdn/x.png"}}))
	require.Equal(t, "hello", preview(chatsync.Message{Content: "hello"}))
}
