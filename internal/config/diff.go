package config

import "encoding/json"

// ChangedSections reports which top-level config sections differ between
// two configs. The app's reload loop uses it to decide what can be applied
// hot and what needs a restart.
func ChangedSections(old, new *Config) []string {
	if old == nil || new == nil {
		return nil
	}
	var out []string
	add := func(name string, a, b any) {
		ja, errA := json.Marshal(a)
		jb, errB := json.Marshal(b)
		if errA != nil || errB != nil || string(ja) != string(jb) {
			out = append(out, name)
		}
	}
	add("telegram", old.Telegram, new.Telegram)
	add("logging", old.Logging, new.Logging)
	add("storage", old.Storage, new.Storage)
	add("scheduler", old.Scheduler, new.Scheduler)
	add("windows", old.Windows, new.Windows)
	add("reminders", old.Reminders, new.Reminders)
	add("notifier", old.Notifier, new.Notifier)
	add("ops", old.Ops, new.Ops)
	return out
}
