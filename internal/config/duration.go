package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration; empty is zero.
// path names the field in errors.
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

// Durations holds the parsed duration fields of a validated config.
type Durations struct {
	PollTimeout time.Duration
	BusyTimeout time.Duration
	LLMTimeout  time.Duration
}

func (c Config) Durations() (Durations, error) {
	var (
		d   Durations
		err error
	)
	if d.PollTimeout, err = ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second); err != nil {
		return d, err
	}
	if d.BusyTimeout, err = ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second); err != nil {
		return d, err
	}
	if d.LLMTimeout, err = ParseDurationField("llm.timeout", c.LLM.Timeout); err != nil {
		return d, err
	}
	return d, nil
}
