package storage

import (
	"context"
	"errors"
	"time"

	"hrnotify/internal/notification"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Transition records one push connection state change.
type Transition struct {
	At      time.Time `json:"at"`
	ConnID  string    `json:"conn_id,omitempty"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Attempt int       `json:"attempt"`
	Reason  string    `json:"reason,omitempty"`
}

// Store is the persistence API used by the inbox and the app.
type Store interface {
	SaveInbox(ctx context.Context, list []notification.Message) error
	LoadInbox(ctx context.Context) ([]notification.Message, error)
	AppendTransition(ctx context.Context, t Transition) error
	// Transitions returns up to limit most recent transitions, newest first.
	Transitions(ctx context.Context, limit int) ([]Transition, error)
	Close() error
}

// keepTransitions bounds the audit trail.
const keepTransitions = 1000
