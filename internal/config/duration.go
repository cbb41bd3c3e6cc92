package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Durations parses a group of duration fields and keeps the first error,
// so mappers can read fields in a row and check once.
type Durations struct {
	err error
}

// Or returns the parsed value of raw, or def when raw is empty or zero.
func (d *Durations) Or(path, raw string, def time.Duration) time.Duration {
	v, err := ParseDurationField(path, raw)
	if err != nil {
		if d.err == nil {
			d.err = err
		}
		return def
	}
	if v <= 0 {
		return def
	}
	return v
}

func (d *Durations) Err() error { return d.err }
