package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Registry      RegistryConfig      `json:"registry"`
	Gate          GateConfig          `json:"gate"`
	Broadcast     BroadcastConfig     `json:"broadcast"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
}

type ObservabilityConfig struct {
	Pprof PprofConfig `json:"pprof,omitempty"`
}

type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// PollTimeout is a duration string ("10s"); empty means the default.
	PollTimeout string `json:"poll_timeout,omitempty"`

	// OwnerUserIDs may trigger broadcasts and manage required channels.
	OwnerUserIDs []int64 `json:"owner_user_ids"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type RegistryConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path"`

	// BusyTimeout is a duration string; sqlite only.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type GateConfig struct {
	// ReconcileSchedule is a cron spec for periodic channel-access probes.
	// Empty means "@every 1h"; "off" disables the periodic pass (the startup
	// reconcile always runs).
	ReconcileSchedule string `json:"reconcile_schedule,omitempty"`

	JoinPrompt    string        `json:"join_prompt,omitempty"`
	RecheckButton string        `json:"recheck_button,omitempty"`
	Welcome       WelcomeConfig `json:"welcome"`
}

type WelcomeConfig struct {
	Text     string         `json:"text"`
	PhotoURL string         `json:"photo_url,omitempty"`
	Buttons  []ButtonConfig `json:"buttons,omitempty"`
}

type ButtonConfig struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type BroadcastConfig struct {
	Workers    int `json:"workers,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
	RetryMax   int `json:"retry_max,omitempty"`

	// RetryBackoff is a duration string; the base of the exponential backoff.
	RetryBackoff string `json:"retry_backoff,omitempty"`
}

// Validate checks the parts of the config that would make startup (or a
// reload commit) meaningless. It does not fill defaults; consumers do that
// where the value is used.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Registry.Path) == "" {
		return errors.New("registry.path is required")
	}
	if c.Broadcast.Workers < 0 {
		return fmt.Errorf("broadcast.workers must be >= 0, got %d", c.Broadcast.Workers)
	}
	if c.Broadcast.RatePerSec < 0 {
		return fmt.Errorf("broadcast.rate_per_sec must be >= 0, got %d", c.Broadcast.RatePerSec)
	}
	if c.Broadcast.RetryMax < 0 {
		return fmt.Errorf("broadcast.retry_max must be >= 0, got %d", c.Broadcast.RetryMax)
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("registry.busy_timeout", c.Registry.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("broadcast.retry_backoff", c.Broadcast.RetryBackoff); err != nil {
		return err
	}
	return nil
}
