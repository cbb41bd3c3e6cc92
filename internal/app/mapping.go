package app

import (
	"fmt"
	"strings"
	"time"

	"hrnotify/internal/api"
	"hrnotify/internal/config"
	"hrnotify/internal/inbox"
	"hrnotify/internal/push"
	"hrnotify/internal/status"
	"hrnotify/internal/storage"
	logx "hrnotify/pkg/logx"
)

// settings is the runtime form of a config file.
type settings struct {
	Logging logx.Config
	API     api.Config
	Push    push.Config
	Dialer  push.WebSocketDialer
	Inbox   inbox.Config
	Storage storage.Config
	Status  status.Config
}

func mapConfig(cfg *config.Config) (settings, error) {
	if cfg == nil {
		return settings{}, fmt.Errorf("config is nil")
	}
	var out settings
	var d config.Durations

	out.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}

	ac := cfg.API
	if ac.RetryMax < 0 {
		return settings{}, fmt.Errorf("api.retry_max must be >= 0")
	}
	if ac.RatePerSec < 0 {
		return settings{}, fmt.Errorf("api.rate_per_sec must be >= 0")
	}
	retryMax := ac.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	rate := ac.RatePerSec
	if rate == 0 {
		rate = 5
	}
	out.API = api.Config{
		BaseURL:       strings.TrimSpace(ac.BaseURL),
		Token:         strings.TrimSpace(ac.Token),
		Timeout:       d.Or("api.timeout", ac.Timeout, 10*time.Second),
		RetryMax:      retryMax,
		RetryBase:     d.Or("api.retry_base", ac.RetryBase, 500*time.Millisecond),
		RetryMaxDelay: d.Or("api.retry_max_delay", ac.RetryMaxDelay, 5*time.Second),
		RatePerSec:    rate,
	}

	pc := cfg.Push
	if pc.MaxRetries < 0 {
		return settings{}, fmt.Errorf("push.max_retries must be >= 0")
	}
	url := strings.TrimSpace(pc.URL)
	if url == "" && out.API.BaseURL != "" {
		derived, err := push.DeriveURL(out.API.BaseURL)
		if err != nil {
			return settings{}, fmt.Errorf("push.url: %w", err)
		}
		url = derived
	}
	out.Push = push.Config{
		URL:               url,
		BaseDelay:         d.Or("push.base_delay", pc.BaseDelay, push.DefaultBaseDelay),
		MaxDelay:          d.Or("push.max_delay", pc.MaxDelay, push.DefaultMaxDelay),
		MaxRetries:        pc.MaxRetries,
		HeartbeatInterval: d.Or("push.heartbeat_interval", pc.HeartbeatInterval, push.DefaultHeartbeatInterval),
		HeartbeatTimeout:  d.Or("push.heartbeat_timeout", pc.HeartbeatTimeout, push.DefaultHeartbeatTimeout),
		DialTimeout:       d.Or("push.dial_timeout", pc.DialTimeout, push.DefaultDialTimeout),
		WriteTimeout:      d.Or("push.write_timeout", pc.WriteTimeout, push.DefaultWriteTimeout),
	}
	out.Dialer = push.WebSocketDialer{Token: out.API.Token, ReadLimit: pc.ReadLimit}

	out.Inbox = inbox.Config{
		PollInterval: d.Or("inbox.poll_interval", cfg.Inbox.PollInterval, inbox.DefaultPollInterval),
		Persist:      cfg.Inbox.Persist,
	}

	sc, err := mapStorageConfig(cfg.Storage, &d)
	if err != nil {
		return settings{}, err
	}
	out.Storage = sc

	st := cfg.Status
	out.Status = status.Config{
		Enabled:       st.Enabled,
		Addr:          strings.TrimSpace(st.Addr),
		Token:         strings.TrimSpace(st.Token),
		AllowInsecure: st.AllowInsecure,
		Pprof:         st.Pprof,
		ReadTimeout:   d.Or("status.read_timeout", st.ReadTimeout, 5*time.Second),
		WriteTimeout:  d.Or("status.write_timeout", st.WriteTimeout, 0),
		IdleTimeout:   d.Or("status.idle_timeout", st.IdleTimeout, 60*time.Second),
	}
	if out.Status.Addr == "" {
		out.Status.Addr = status.DefaultAddr
	}

	if err := d.Err(); err != nil {
		return settings{}, err
	}
	return out, nil
}

func mapStorageConfig(sc config.StorageConfig, d *config.Durations) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		if path == "" {
			path = "./data/hrnotify.json"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy := d.Or("storage.busy_timeout", sc.BusyTimeout, time.Second)
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
