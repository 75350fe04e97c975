package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "mealbot/pkg/logx"
)

const validYAML = `
telegram:
  token: "123:abc"
  roles:
    crew: [1, 2, 3]
scheduler:
  timezone: "Europe/Berlin"
  sweep_interval: "30s"
windows:
  - kind: regular
    channel_id: -1001
    open_at: "07:00"
    close_at: "10:00"
    days: [1, 2, 3, 4, 5]
    role: crew
    meals:
      - { name: breakfast, emoji: "🍳" }
      - { name: dinner, emoji: "🍲" }
reminders:
  - name: morning
    channel_id: -1001
    cron: "30 6 * * 1-5"
    text: "Registration opens at {open_time}."
notifier:
  enabled: true
  chat_id: 99
  dedup_window: "5m"
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "bot.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Windows) != 1 || cfg.Windows[0].Kind != "regular" {
		t.Fatalf("windows = %+v", cfg.Windows)
	}
	if got := cfg.Telegram.Roles["crew"]; len(got) != 3 {
		t.Errorf("crew role = %v", got)
	}

	rec, err := cfg.Windows[0].OpenRecurrence()
	if err != nil {
		t.Fatalf("OpenRecurrence: %v", err)
	}
	if rec.TimeOfDay != "07:00" || len(rec.Days) != 5 {
		t.Errorf("recurrence = %+v", rec)
	}

	// Reminder schedule comes from a cron spec compiled to the same shape.
	rrec, err := cfg.Reminders[0].Recurrence()
	if err != nil {
		t.Fatalf("reminder Recurrence: %v", err)
	}
	if rrec.TimeOfDay != "06:30" || len(rrec.Days) != 5 {
		t.Errorf("reminder recurrence = %+v", rrec)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "bot.yaml", validYAML+"\nbogus_key: 1\n"))
	if _, err := m.Load(); err == nil {
		t.Fatalf("Load accepted unknown field")
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = "" }},
		{"no windows", func(c *Config) { c.Windows = nil }},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }},
		{"bad close time", func(c *Config) { c.Windows[0].CloseAt = "25:00" }},
		{"undefined role", func(c *Config) { c.Windows[0].Role = "ghosts" }},
		{"no meals", func(c *Config) { c.Windows[0].Meals = nil }},
		{"day out of range", func(c *Config) { c.Windows[0].Days = []int{7} }},
		{"notifier without chat", func(c *Config) { c.Notifier.ChatID = 0 }},
		{"sub-daily cron", func(c *Config) { c.Reminders[0].Cron = "*/5 * * * *" }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeConfig(t, "bot.yaml", validYAML))
			cfg, err := m.Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate accepted %s", tc.name)
			}
		})
	}
}

func TestChangedSections(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "bot.yaml", validYAML))
	a, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	b := *a
	b.Logging = LoggingConfig{Level: "debug"}
	b.Notifier.RatePerSec = 5

	got := ChangedSections(a, &b)
	want := map[string]bool{"logging": true, "notifier": true}
	if len(got) != len(want) {
		t.Fatalf("changed = %v, want logging+notifier", got)
	}
	for _, s := range got {
		if !want[s] {
			t.Errorf("unexpected changed section %q", s)
		}
	}
	if got := ChangedSections(a, a); len(got) != 0 {
		t.Errorf("self-diff = %v, want empty", got)
	}
}

func TestReloadIsTransactional(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "bot.yaml", validYAML)
	m := NewManager(path)
	m.SetLogger(logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// A broken edit must not replace the running config.
	if err := os.WriteFile(path, []byte("telegram: [broken"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.reload(context.Background())
	if m.Get().Telegram.Token != "123:abc" {
		t.Fatalf("broken reload replaced config")
	}
	select {
	case <-ch:
		t.Fatalf("broken reload was published")
	default:
	}

	// A valid edit commits and publishes.
	body := validYAML + "\nlogging:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published config = %+v", cfg.Logging)
		}
	case <-time.After(time.Second):
		t.Fatalf("valid reload not published")
	}
}
