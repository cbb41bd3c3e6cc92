package inbox

import (
	"context"
	"time"

	"hrnotify/internal/notification"
	"hrnotify/internal/push"
)

const DefaultPollInterval = 30 * time.Second

type Status string

const (
	StatusConnected    Status = "connected"
	StatusPolling      Status = "polling"
	StatusDisconnected Status = "disconnected"
)

type Config struct {
	PollInterval time.Duration
	// Persist saves the list to the store after each change.
	Persist      bool
	SaveDebounce time.Duration
}

// ClientSource yields the process-wide push client.
type ClientSource interface {
	Get() *push.Client
}

// Source is the HTTP data source for fetches and read actions.
type Source interface {
	List(ctx context.Context) ([]notification.Message, error)
	MarkRead(ctx context.Context, id int64) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id int64) error
}

// View is what subscribers and the status page render.
type View struct {
	Notifications []notification.Message `json:"notifications"`
	Unread        int                    `json:"unread"`
	Status        Status                 `json:"status"`
	Polling       bool                   `json:"polling"`
	LastFetch     time.Time              `json:"last_fetch,omitempty"`
	LastFetchErr  string                 `json:"last_fetch_error,omitempty"`
}
