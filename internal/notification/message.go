// Package notification holds the notification record and the control frame
// exchanged over the push connection.
package notification

import (
	"sort"
)

// Message is a single user notification. It is immutable once received and
// identified by ID across push and fetch deliveries.
type Message struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt Timestamp `json:"createdAt"`
}

// UnreadCount returns the number of messages with Read=false.
func UnreadCount(list []Message) int {
	n := 0
	for _, m := range list {
		if !m.Read {
			n++
		}
	}
	return n
}

// IndexOf returns the position of the message with id, or -1.
func IndexOf(list []Message, id int64) int {
	for i, m := range list {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// SortNewestFirst orders by CreatedAt desc, ties broken by ID desc.
// Timestamps that could not be read sort last.
func SortNewestFirst(list []Message) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.CreatedAt.Equal(b.CreatedAt.Time) {
			return a.CreatedAt.After(b.CreatedAt.Time)
		}
		return a.ID > b.ID
	})
}
