package app

import (
	"fmt"
	"strings"
	"time"

	"mealbot/internal/config"
	"mealbot/internal/notifier"
	"mealbot/internal/observability/opshttp"
	"mealbot/internal/reminder"
	"mealbot/internal/storage"
	"mealbot/internal/window"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	switch driver {
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(cfg.Storage.Path)
		if path == "" {
			path = "mealbot.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	out := notifier.Config{
		Enabled:    n.Enabled,
		ChatID:     n.ChatID,
		QueueSize:  n.QueueSize,
		RatePerSec: n.RatePerSec,
		RetryMax:   n.RetryMax,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 30*time.Second); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 5*time.Minute); err != nil {
		return notifier.Config{}, err
	}
	if out.Enabled && out.ChatID == 0 {
		return notifier.Config{}, fmt.Errorf("notifier.chat_id is required when notifier is enabled")
	}
	return out, nil
}

func mapWindowDefs(cfg *config.Config) ([]window.Def, error) {
	defs := make([]window.Def, 0, len(cfg.Windows))
	for i, w := range cfg.Windows {
		// Cron specs compile down to the same time-of-day + weekday shape
		// the plain open_at/days form uses.
		rec, err := w.OpenRecurrence()
		if err != nil {
			return nil, fmt.Errorf("windows[%d]: %w", i, err)
		}
		meals := make([]window.Meal, 0, len(w.Meals))
		for _, m := range w.Meals {
			meals = append(meals, window.Meal{Name: m.Name, Emoji: m.Emoji})
		}
		defs = append(defs, window.Def{
			Kind:        w.Kind,
			ChannelID:   w.ChannelID,
			OpenAt:      rec.TimeOfDay,
			CloseAt:     w.CloseAt,
			Days:        rec.Days,
			Meals:       meals,
			RoleID:      w.Role,
			OpenText:    w.OpenText,
			SummaryText: w.SummaryText,
		})
	}
	return defs, nil
}

func mapReminderDefs(cfg *config.Config) ([]reminder.Def, error) {
	defs := make([]reminder.Def, 0, len(cfg.Reminders))
	for i, r := range cfg.Reminders {
		rec, err := r.Recurrence()
		if err != nil {
			return nil, fmt.Errorf("reminders[%d]: %w", i, err)
		}
		defs = append(defs, reminder.Def{
			Name:       r.Name,
			ChannelID:  r.ChannelID,
			Recurrence: rec,
			Text:       r.Text,
		})
	}
	return defs, nil
}

func mapOpsConfig(cfg *config.Config) opshttp.Config {
	return opshttp.Config{
		Enabled: cfg.Ops.Enabled,
		Addr:    cfg.Ops.Addr,
	}
}
