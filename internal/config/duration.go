package config

import (
	"fmt"
	"time"
)

// ParseDurationField parses a duration config value, treating the empty
// string as "unset" (zero duration, no error). The field name is carried
// into the error for validation messages.
func ParseDurationField(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", field)
	}
	return d, nil
}

// ParseDurationOrDefault returns def when raw is empty or unparseable.
func ParseDurationOrDefault(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return def
	}
	return d
}
