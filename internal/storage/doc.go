// Package storage persists the last known inbox and an audit trail of push
// connection transitions, so a restarted process shows notifications before
// the first fetch completes.
//
// Drivers:
//   - "file": JSON snapshot + JSON Lines audit log
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
package storage
