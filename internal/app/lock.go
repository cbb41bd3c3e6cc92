package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

var ErrAlreadyRunning = errors.New("another hrnotify instance is already running")

// lockPath places the instance lock next to the storage file, or next to
// the config file when storage is disabled.
func lockPath(cfgPath, storagePath string) string {
	if p := strings.TrimSpace(storagePath); p != "" {
		return p + ".lock"
	}
	return filepath.Join(filepath.Dir(cfgPath), ".hrnotify.lock")
}

func acquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	l := flock.New(path)
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	return l, nil
}
