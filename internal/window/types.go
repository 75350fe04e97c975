package window

import (
	"errors"
	"fmt"
	"time"
)

// Payload kinds the manager registers with the scheduler.
const (
	PayloadOpen  = "window.open"
	PayloadClose = "window.close"
)

var (
	ErrUnknownKind = errors.New("unknown window kind")
)

// Meal is one reaction-selectable option inside a window.
type Meal struct {
	Name  string `json:"name"`  // ledger kind, e.g. "breakfast"
	Emoji string `json:"emoji"` // gateway reaction kind, e.g. "🍳"
}

// Def is the static definition of one window kind: where it posts, when it
// opens and closes, which meals it offers and whose roster the summary is
// measured against.
type Def struct {
	Kind      string // "regular", "late_morning", "late_evening"
	ChannelID int64
	OpenAt    string // "HH:MM"
	CloseAt   string // "HH:MM"; at or before OpenAt means next day
	Days      []time.Weekday
	Meals     []Meal
	RoleID    string

	// Message templates with {placeholder} substitution. Empty strings
	// fall back to built-in defaults.
	OpenText    string
	SummaryText string
}

func (d Def) Validate() error {
	if d.Kind == "" {
		return errors.New("window kind is required")
	}
	if d.ChannelID == 0 {
		return fmt.Errorf("window %q: channel id is required", d.Kind)
	}
	if len(d.Meals) == 0 {
		return fmt.Errorf("window %q: at least one meal is required", d.Kind)
	}
	seen := map[string]bool{}
	for _, m := range d.Meals {
		if m.Name == "" || m.Emoji == "" {
			return fmt.Errorf("window %q: meal name and emoji are required", d.Kind)
		}
		if seen[m.Name] || seen[m.Emoji] {
			return fmt.Errorf("window %q: duplicate meal %q", d.Kind, m.Name)
		}
		seen[m.Name] = true
		seen[m.Emoji] = true
	}
	return nil
}

// openPayload / closePayload are the scheduler payload bodies.
type openPayload struct {
	Kind string `json:"kind"`
}

type closePayload struct {
	WindowID string `json:"window_id"`
}

// Identifier is the per-day uniqueness key: "{kind}_{YYYY-MM-DD}".
func Identifier(kind string, day time.Time) string {
	return fmt.Sprintf("%s_%s", kind, day.Format("2006-01-02"))
}

// Deterministic task ids: rescheduling the same window's open or close is
// an upsert, never a duplicate.
func openTaskID(kind string) string        { return "window_open_" + kind }
func closeTaskID(identifier string) string { return "window_close_" + identifier }
