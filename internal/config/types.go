package config

// Config is the hrnotify configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
// Omitted fields take the runtime defaults noted on each section.
//
// String fields tagged with `env` can be overridden through HRNOTIFY_*
// environment variables (e.g. HRNOTIFY_API_TOKEN).
type Config struct {
	Logging LoggingConfig `json:"logging" envPrefix:"LOG_"`
	API     APIConfig     `json:"api" envPrefix:"API_"`
	Push    PushConfig    `json:"push" envPrefix:"PUSH_"`
	Inbox   InboxConfig   `json:"inbox" envPrefix:"INBOX_"`
	Storage StorageConfig `json:"storage" envPrefix:"STORAGE_"`
	Status  StatusConfig  `json:"status" envPrefix:"STATUS_"`
}

type LoggingConfig struct {
	Level   string      `json:"level" env:"LEVEL"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// APIConfig points at the dashboard REST backend.
//
// Defaults:
//   - timeout: "10s"
//   - retry_max: 3 (5xx and transport errors only)
//   - retry_base: "500ms", retry_max_delay: "5s"
//   - rate_per_sec: 5
type APIConfig struct {
	BaseURL       string `json:"base_url" env:"BASE_URL"`
	Token         string `json:"token,omitempty" env:"TOKEN"` // bearer token (do not log)
	Timeout       string `json:"timeout,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
}

// PushConfig controls the push connection.
//
// If url is empty it is derived from api.base_url (http->ws, https->wss,
// path /api/notifications/ws).
//
// Defaults: base_delay "1s", max_delay "30s", max_retries 5,
// heartbeat_interval "30s", heartbeat_timeout "5s".
type PushConfig struct {
	URL               string `json:"url,omitempty" env:"URL"`
	BaseDelay         string `json:"base_delay,omitempty"`
	MaxDelay          string `json:"max_delay,omitempty"`
	MaxRetries        int    `json:"max_retries,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	HeartbeatTimeout  string `json:"heartbeat_timeout,omitempty"`
	DialTimeout       string `json:"dial_timeout,omitempty"`
	WriteTimeout      string `json:"write_timeout,omitempty"`
	ReadLimit         int64  `json:"read_limit,omitempty"`
}

// InboxConfig controls the notification consumer.
type InboxConfig struct {
	PollInterval string `json:"poll_interval,omitempty" env:"POLL_INTERVAL"` // default "30s"
	Persist      bool   `json:"persist,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/hrnotify.db" }
type StorageConfig struct {
	Driver      string `json:"driver" env:"DRIVER"`
	Path        string `json:"path" env:"PATH"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// StatusConfig controls the local status HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:7070").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:7070"
	Token         string `json:"token,omitempty" env:"TOKEN"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
