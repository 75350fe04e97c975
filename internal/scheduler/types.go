package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"mealbot/internal/storage"
)

var (
	ErrNotStarted = errors.New("scheduler not started")
	ErrEmptyID    = errors.New("task id is required")
	ErrZeroTime   = errors.New("execute time is required")
)

// Payload is the typed envelope stored in a task's opaque payload bytes.
// Kind selects the handler; Data is handler-specific.
type Payload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (p Payload) Marshal() ([]byte, error) { return json.Marshal(p) }

func decodePayload(b []byte) (Payload, error) {
	var p Payload
	if len(b) == 0 {
		return p, errors.New("empty task payload")
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return p, err
	}
	if p.Kind == "" {
		return p, errors.New("task payload has no kind")
	}
	return p, nil
}

// Handler executes a fired task. Exactly one handler receives each fire.
// Returned errors are contained at the fire boundary: one-time tasks stay
// due (the sweep retries them), recurring tasks are still rescheduled for
// their next natural occurrence.
type Handler func(ctx context.Context, task storage.Task, p Payload) error

// TaskEvent is the bus payload published for task.fired / task.failed.
type TaskEvent struct {
	TaskID string `json:"task_id"`
	Kind   string `json:"kind"`
	RunID  string `json:"run_id"`
	Error  string `json:"error,omitempty"`
}

type Config struct {
	// SweepInterval bounds how late a missed task can fire. Default 60s.
	SweepInterval time.Duration
}
