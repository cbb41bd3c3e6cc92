package eventbus

import "time"

// Event types published by the push client.
const (
	PushConnecting       = "push.connecting"
	PushConnected        = "push.connected"
	PushDisconnected     = "push.disconnected"
	PushHeartbeatTimeout = "push.heartbeat_timeout"
	PushFrame            = "push.frame"
	PushMalformed        = "push.malformed"
	PushRetryScheduled   = "push.retry_scheduled"
	PushExhausted        = "push.exhausted"
	PushClosed           = "push.closed"
)

// Event types published by the inbox consumer.
const (
	InboxMerged     = "inbox.merged"
	InboxDuplicate  = "inbox.duplicate"
	InboxPolled     = "inbox.polled"
	InboxPollFailed = "inbox.poll_failed"
	InboxChanged    = "inbox.changed"
)

// Transition is the payload of push lifecycle events.
type Transition struct {
	ConnID  string        `json:"conn_id,omitempty"`
	From    string        `json:"from"`
	To      string        `json:"to"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

// FrameInfo is the payload of PushFrame and PushMalformed.
type FrameInfo struct {
	ConnID string `json:"conn_id,omitempty"`
	Type   string `json:"type,omitempty"`
	Error  string `json:"error,omitempty"`
}

// InboxInfo is the payload of inbox events.
type InboxInfo struct {
	ID     int64  `json:"id,omitempty"`
	Total  int    `json:"total"`
	Unread int    `json:"unread"`
	Error  string `json:"error,omitempty"`
}
