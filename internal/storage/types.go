package storage

import (
	"context"
	"time"

	"mealbot/internal/timex"
)

type TaskKind string

const (
	TaskOneTime   TaskKind = "one_time"
	TaskRecurring TaskKind = "recurring"
)

// Task is a persisted scheduled task. Recurrence is nil for one-time tasks.
type Task struct {
	ID         string
	Kind       TaskKind
	ExecuteAt  time.Time
	Payload    []byte
	Recurrence *timex.Recurrence
}

type WindowStatus string

const (
	WindowOpen   WindowStatus = "open"
	WindowClosed WindowStatus = "closed"
)

// Window is a live registration window. There is no "processed" status:
// a processed window's row is deleted, which is the commit point for
// exactly-once summary delivery.
type Window struct {
	ID         string
	ChannelID  int64
	Kind       string
	EndAt      time.Time
	Identifier string // "{kind}_{YYYY-MM-DD}", unique among live rows
	Status     WindowStatus
}

// Reaction is one opt-in/opt-out ledger row. At most one row exists per
// (UserID, WindowID, Kind); opt-in upserts it, opt-out flips Removed.
type Reaction struct {
	UserID   int64
	WindowID string
	Kind     string
	At       time.Time
	Removed  bool
}

// Config selects and configures the storage driver.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//   - "memory": volatile in-process store (tests, explicit opt-out of durability)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API. All writes are durable before returning
// (sqlite driver); callers treat any returned error as a durability loss.
type Store interface {
	PutTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (Task, bool, error)
	DeleteTask(ctx context.Context, id string) (bool, error)
	ListTasks(ctx context.Context) ([]Task, error)

	InsertWindow(ctx context.Context, w Window) error
	GetWindow(ctx context.Context, id string) (Window, bool, error)
	GetWindowByIdentifier(ctx context.Context, identifier string) (Window, bool, error)
	SetWindowStatus(ctx context.Context, id string, status WindowStatus) error
	ListWindows(ctx context.Context) ([]Window, error)
	// DeleteWindow removes the window row and all of its reaction rows in one
	// transaction. Deleting an absent window is a no-op.
	DeleteWindow(ctx context.Context, id string) error

	// UpsertReaction records an opt-in: insert, or refresh the timestamp and
	// clear the removed flag on the existing (user, window, kind) row.
	UpsertReaction(ctx context.Context, r Reaction) error
	// RemoveReaction records an opt-out: set removed on the existing row.
	// A missing row is a no-op, not an error.
	RemoveReaction(ctx context.Context, userID int64, windowID, kind string, at time.Time) error
	ActiveReactions(ctx context.Context, windowID, kind string) ([]int64, error)

	Close() error
}
