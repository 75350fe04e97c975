package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mealbot/internal/timex"
)

type Config struct {
	Telegram  TelegramConfig   `json:"telegram"`
	Logging   LoggingConfig    `json:"logging,omitempty"`
	Storage   StorageConfig    `json:"storage,omitempty"`
	Scheduler SchedulerConfig  `json:"scheduler,omitempty"`
	Windows   []WindowConfig   `json:"windows"`
	Reminders []ReminderConfig `json:"reminders,omitempty"`
	Notifier  NotifierConfig   `json:"notifier,omitempty"`
	Ops       OpsConfig        `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// Roles maps a role name to the user ids holding it. "admins" is the
	// role the summary complement is usually measured against.
	Roles map[string][]int64 `json:"roles,omitempty"`
	// PollTimeout is the long-poll timeout, e.g. "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"` // trace|debug|info|warn|error
	Console bool   `json:"console,omitempty"`
	File    string `json:"file,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // sqlite (default) | memory
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Timezone      string `json:"timezone,omitempty"` // IANA name; empty = system local
	SweepInterval string `json:"sweep_interval,omitempty"`
}

type MealConfig struct {
	Name  string `json:"name"`
	Emoji string `json:"emoji"`
}

// WindowConfig defines one registration window kind. Either OpenAt (+Days)
// or Cron sets the opening schedule; Cron must compile to a fixed
// time-of-day, optionally weekday-restricted.
type WindowConfig struct {
	Kind      string       `json:"kind"`
	ChannelID int64        `json:"channel_id"`
	OpenAt    string       `json:"open_at,omitempty"` // "HH:MM"
	CloseAt   string       `json:"close_at"`          // "HH:MM"; <= open means next day
	Days      []int        `json:"days,omitempty"`    // 0=Sunday .. 6=Saturday
	Cron      string       `json:"cron,omitempty"`
	Meals     []MealConfig `json:"meals"`
	Role      string       `json:"role,omitempty"`

	OpenText    string `json:"open_text,omitempty"`
	SummaryText string `json:"summary_text,omitempty"`
}

// OpenRecurrence resolves the window's opening schedule to a recurrence,
// from Cron when set, otherwise from OpenAt/Days.
func (w WindowConfig) OpenRecurrence() (timex.Recurrence, error) {
	if strings.TrimSpace(w.Cron) != "" {
		return timex.CompileCron(w.Cron)
	}
	rec := timex.Recurrence{TimeOfDay: w.OpenAt, Days: weekdays(w.Days)}
	if err := rec.Validate(); err != nil {
		return timex.Recurrence{}, err
	}
	return rec, nil
}

// ReminderConfig is a standalone recurring message.
type ReminderConfig struct {
	Name      string `json:"name"`
	ChannelID int64  `json:"channel_id"`
	At        string `json:"at,omitempty"` // "HH:MM"
	Days      []int  `json:"days,omitempty"`
	Cron      string `json:"cron,omitempty"`
	Text      string `json:"text"`
}

func (r ReminderConfig) Recurrence() (timex.Recurrence, error) {
	if strings.TrimSpace(r.Cron) != "" {
		return timex.CompileCron(r.Cron)
	}
	rec := timex.Recurrence{TimeOfDay: r.At, Days: weekdays(r.Days)}
	if err := rec.Validate(); err != nil {
		return timex.Recurrence{}, err
	}
	return rec, nil
}

type NotifierConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	ChatID        int64  `json:"chat_id,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
}

type OpsConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if len(c.Windows) == 0 {
		return errors.New("at least one window is required")
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if _, err := ParseDurationField("scheduler.sweep_interval", c.Scheduler.SweepInterval); err != nil {
		return err
	}

	kinds := map[string]bool{}
	for i, w := range c.Windows {
		at := fmt.Sprintf("windows[%d]", i)
		if strings.TrimSpace(w.Kind) == "" {
			return fmt.Errorf("%s: kind is required", at)
		}
		if kinds[w.Kind] {
			return fmt.Errorf("%s: duplicate kind %q", at, w.Kind)
		}
		kinds[w.Kind] = true
		if w.ChannelID == 0 {
			return fmt.Errorf("%s: channel_id is required", at)
		}
		if _, err := w.OpenRecurrence(); err != nil {
			return fmt.Errorf("%s: %w", at, err)
		}
		if _, _, err := timex.ParseHHMM(w.CloseAt); err != nil {
			return fmt.Errorf("%s.close_at: %w", at, err)
		}
		if len(w.Meals) == 0 {
			return fmt.Errorf("%s: at least one meal is required", at)
		}
		for j, m := range w.Meals {
			if m.Name == "" || m.Emoji == "" {
				return fmt.Errorf("%s.meals[%d]: name and emoji are required", at, j)
			}
		}
		for _, d := range w.Days {
			if d < 0 || d > 6 {
				return fmt.Errorf("%s: day %d out of range 0..6", at, d)
			}
		}
		if w.Role != "" {
			if _, ok := c.Telegram.Roles[w.Role]; !ok {
				return fmt.Errorf("%s: role %q not defined in telegram.roles", at, w.Role)
			}
		}
	}

	for i, r := range c.Reminders {
		at := fmt.Sprintf("reminders[%d]", i)
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("%s: name is required", at)
		}
		if r.ChannelID == 0 {
			return fmt.Errorf("%s: channel_id is required", at)
		}
		if strings.TrimSpace(r.Text) == "" {
			return fmt.Errorf("%s: text is required", at)
		}
		if _, err := r.Recurrence(); err != nil {
			return fmt.Errorf("%s: %w", at, err)
		}
	}

	if c.Notifier.Enabled && c.Notifier.ChatID == 0 {
		return errors.New("notifier.chat_id is required when notifier is enabled")
	}
	for _, f := range []struct{ path, raw string }{
		{"notifier.retry_base", c.Notifier.RetryBase},
		{"notifier.retry_max_delay", c.Notifier.RetryMaxDelay},
		{"notifier.dedup_window", c.Notifier.DedupWindow},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func weekdays(days []int) []time.Weekday {
	if len(days) == 0 {
		return nil
	}
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		out = append(out, time.Weekday(d))
	}
	return out
}
