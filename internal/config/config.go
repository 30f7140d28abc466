// Package config holds the tunables of the room session core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default values. Durations are seconds-scale so transient network flaps
// are absorbed without hiding real failures for long.
const (
	DefaultSTUN              = "stun:stun.l.google.com:19302"
	DefaultBackoffInitial    = 500 * time.Millisecond
	DefaultBackoffMax        = 10 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultBackoffJitter     = 0.5
	DefaultMaxAttempts       = 6
	DefaultSendQueueSize     = 128
	DefaultEventQueueSize    = 256
	DefaultStreamGrace       = 2 * time.Second
	DefaultRenegotiateWindow = 50 * time.Millisecond
	DefaultDedupWindow       = 1024
)

// Backoff describes the reconnect policy of the signaling transport.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // randomization factor in [0, 1)
	Attempts   int     // reconnect attempts before giving up; must be > 0
}

// Config holds every tunable of a room session.
type Config struct {
	// DisplayName is announced in join.request.
	DisplayName string

	// Endpoint overrides the signaling WebSocket URL derived from the room URL.
	Endpoint string

	// ICE servers for peer transports.
	STUNServers []string
	TURNServers []string
	TURNUser    string
	TURNPass    string

	Backoff Backoff

	SendQueueSize     int
	EventQueueSize    int
	StreamGrace       time.Duration
	RenegotiateWindow time.Duration
	DedupWindow       int
}

// Options for loading config with CLI flag overrides. Zero values mean
// "not set on the command line".
type Options struct {
	DisplayName string
	Endpoint    string
	STUNServer  string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	MaxAttempts int
	StreamGrace time.Duration
}

// Default returns a Config populated with the package defaults.
func Default() *Config {
	return &Config{
		STUNServers: []string{DefaultSTUN},
		Backoff: Backoff{
			Initial:    DefaultBackoffInitial,
			Max:        DefaultBackoffMax,
			Multiplier: DefaultBackoffMultiplier,
			Jitter:     DefaultBackoffJitter,
			Attempts:   DefaultMaxAttempts,
		},
		SendQueueSize:     DefaultSendQueueSize,
		EventQueueSize:    DefaultEventQueueSize,
		StreamGrace:       DefaultStreamGrace,
		RenegotiateWindow: DefaultRenegotiateWindow,
		DedupWindow:       DefaultDedupWindow,
	}
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables (ROOM_*)
// 3. Defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := Default()

	cfg.DisplayName = pick(opts.DisplayName, os.Getenv("ROOM_DISPLAY_NAME"), "")
	cfg.Endpoint = pick(opts.Endpoint, os.Getenv("ROOM_SIGNALING_URL"), "")

	if stun := pick(opts.STUNServer, os.Getenv("ROOM_STUN_SERVER"), ""); stun != "" {
		cfg.STUNServers = splitList(stun)
	}
	if turn := pick(opts.TURNServer, os.Getenv("ROOM_TURN_SERVER"), ""); turn != "" {
		cfg.TURNServers = splitList(turn)
	}
	cfg.TURNUser = pick(opts.TURNUser, os.Getenv("ROOM_TURN_USERNAME"), "")
	cfg.TURNPass = pick(opts.TURNPass, os.Getenv("ROOM_TURN_PASSWORD"), "")

	if opts.MaxAttempts > 0 {
		cfg.Backoff.Attempts = opts.MaxAttempts
	} else if v := os.Getenv("ROOM_RECONNECT_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("ROOM_RECONNECT_ATTEMPTS: %w", err)
		}
		cfg.Backoff.Attempts = n
	}

	if opts.StreamGrace > 0 {
		cfg.StreamGrace = opts.StreamGrace
	} else if v := os.Getenv("ROOM_STREAM_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("ROOM_STREAM_GRACE: %w", err)
		}
		cfg.StreamGrace = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Backoff.Attempts <= 0:
		return fmt.Errorf("reconnect attempts must be positive, got %d", c.Backoff.Attempts)
	case c.Backoff.Initial <= 0 || c.Backoff.Max < c.Backoff.Initial:
		return fmt.Errorf("invalid backoff interval %s..%s", c.Backoff.Initial, c.Backoff.Max)
	case c.Backoff.Multiplier < 1:
		return fmt.Errorf("backoff multiplier must be >= 1, got %v", c.Backoff.Multiplier)
	case c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1:
		return fmt.Errorf("backoff jitter must be in [0, 1), got %v", c.Backoff.Jitter)
	case c.SendQueueSize <= 0:
		return fmt.Errorf("send queue size must be positive, got %d", c.SendQueueSize)
	case c.EventQueueSize <= 0:
		return fmt.Errorf("event queue size must be positive, got %d", c.EventQueueSize)
	case c.StreamGrace < 0 || c.RenegotiateWindow < 0:
		return fmt.Errorf("timer windows must not be negative")
	case c.DedupWindow <= 0:
		return fmt.Errorf("dedup window must be positive, got %d", c.DedupWindow)
	}
	return nil
}

// TURNURLs expands each configured TURN host into udp, tcp and tls URLs.
// Entries that already carry a scheme are passed through.
func (c *Config) TURNURLs() []string {
	var urls []string
	for _, host := range c.TURNServers {
		if strings.HasPrefix(host, "turn:") || strings.HasPrefix(host, "turns:") {
			urls = append(urls, host)
			continue
		}
		urls = append(urls,
			fmt.Sprintf("turn:%s:3478?transport=udp", host),
			fmt.Sprintf("turn:%s:3478?transport=tcp", host),
			fmt.Sprintf("turns:%s:5349?transport=tcp", host),
		)
	}
	return urls
}

func pick(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
