package push

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Endpoint is the push path served by the dashboard backend.
const Endpoint = "/api/notifications/ws"

const (
	DefaultBaseDelay         = 1 * time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultMaxRetries        = 5
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 5 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
)

// Config controls the transport client. Zero fields take the defaults above.
type Config struct {
	URL string

	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// NextDelay returns the wait before reconnect attempt n (1-based):
// min(base*2^(n-1), max). ok is false once n exceeds MaxRetries.
func NextDelay(cfg Config, attempt int) (d time.Duration, ok bool) {
	cfg = cfg.withDefaults()
	if attempt < 1 || attempt > cfg.MaxRetries {
		return 0, false
	}
	d = cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.MaxDelay {
			return cfg.MaxDelay, true
		}
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d, true
}

// DeriveURL maps an http(s) origin to the push endpoint on the same host:
// http -> ws, https -> wss. Any path, query or fragment on origin is dropped.
func DeriveURL(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", errors.New("push: empty origin")
	}
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("push: parse origin: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("push: unsupported origin scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("push: origin %q has no host", origin)
	}
	u.Path = Endpoint
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String(), nil
}
