package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadPriority(t *testing.T) {
	t.Setenv("ROOM_DISPLAY_NAME", "from-env")
	t.Setenv("ROOM_STUN_SERVER", "stun:a:1, stun:b:2")
	t.Setenv("ROOM_RECONNECT_ATTEMPTS", "3")
	t.Setenv("ROOM_STREAM_GRACE", "750ms")

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.DisplayName)
	assert.Equal(t, []string{"stun:a:1", "stun:b:2"}, cfg.STUNServers)
	assert.Equal(t, 3, cfg.Backoff.Attempts)
	assert.Equal(t, 750*time.Millisecond, cfg.StreamGrace)

	cfg, err = Load(Options{DisplayName: "from-flag", MaxAttempts: 9, StreamGrace: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.DisplayName)
	assert.Equal(t, 9, cfg.Backoff.Attempts)
	assert.Equal(t, time.Second, cfg.StreamGrace)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("ROOM_RECONNECT_ATTEMPTS", "many")
	_, err := Load(Options{})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero attempts", func(c *Config) { c.Backoff.Attempts = 0 }},
		{"max below initial", func(c *Config) { c.Backoff.Max = c.Backoff.Initial / 2 }},
		{"shrinking multiplier", func(c *Config) { c.Backoff.Multiplier = 0.5 }},
		{"jitter out of range", func(c *Config) { c.Backoff.Jitter = 1 }},
		{"empty send queue", func(c *Config) { c.SendQueueSize = 0 }},
		{"negative grace", func(c *Config) { c.StreamGrace = -time.Second }},
		{"empty dedup window", func(c *Config) { c.DedupWindow = 0 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTURNURLs(t *testing.T) {
	cfg := Default()
	cfg.TURNServers = []string{"relay.example", "turns:other:443"}
	assert.Equal(t, []string{
		"turn:relay.example:3478?transport=udp",
		"turn:relay.example:3478?transport=tcp",
		"turns:relay.example:5349?transport=tcp",
		"turns:other:443",
	}, cfg.TURNURLs())
}
