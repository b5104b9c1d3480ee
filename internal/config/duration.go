package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses an optional, non-negative duration. Empty means 0.
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

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// DurationReader parses several fields and keeps the first error, so a
// mapping function can read a whole section before checking.
type DurationReader struct {
	err error
}

// Or returns the parsed value of raw, or def when raw is empty or zero.
func (r *DurationReader) Or(path, raw string, def time.Duration) time.Duration {
	if r.err != nil {
		return def
	}
	d, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		r.err = err
		return def
	}
	return d
}

// Exact returns the parsed value of raw; empty means 0.
func (r *DurationReader) Exact(path, raw string) time.Duration {
	if r.err != nil {
		return 0
	}
	d, err := ParseDurationField(path, raw)
	if err != nil {
		r.err = err
	}
	return d
}

func (r *DurationReader) Err() error { return r.err }
