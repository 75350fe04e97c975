package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is a volatile Store used by tests and the "memory" driver.
// Semantics match the sqlite driver, including identifier uniqueness.
type Memory struct {
	mu        sync.Mutex
	tasks     map[string]Task
	windows   map[string]Window
	reactions map[reactionKey]Reaction

	// FailWrites makes every mutating call return an error. Tests use it to
	// exercise the scheduler's durability-loss degradation path.
	FailWrites bool
}

type reactionKey struct {
	userID   int64
	windowID string
	kind     string
}

func NewMemory() *Memory {
	return &Memory{
		tasks:     map[string]Task{},
		windows:   map[string]Window{},
		reactions: map[reactionKey]Reaction{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) writeErr() error {
	if m.FailWrites {
		return fmt.Errorf("memory store: writes disabled")
	}
	return nil
}

func (m *Memory) PutTask(_ context.Context, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok, nil
}

func (m *Memory) DeleteTask(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return false, err
	}
	_, ok := m.tasks[id]
	delete(m.tasks, id)
	return ok, nil
}

func (m *Memory) ListTasks(_ context.Context) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecuteAt.Before(out[j].ExecuteAt) })
	return out, nil
}

func (m *Memory) InsertWindow(_ context.Context, w Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	if _, ok := m.windows[w.ID]; ok {
		return fmt.Errorf("window %s already exists", w.ID)
	}
	for _, other := range m.windows {
		if other.Identifier == w.Identifier {
			return fmt.Errorf("window identifier %s already exists", w.Identifier)
		}
	}
	m.windows[w.ID] = w
	return nil
}

func (m *Memory) GetWindow(_ context.Context, id string) (Window, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	return w, ok, nil
}

func (m *Memory) GetWindowByIdentifier(_ context.Context, identifier string) (Window, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.windows {
		if w.Identifier == identifier {
			return w, true, nil
		}
	}
	return Window{}, false, nil
}

func (m *Memory) SetWindowStatus(_ context.Context, id string, status WindowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	w, ok := m.windows[id]
	if !ok {
		return nil
	}
	w.Status = status
	m.windows[id] = w
	return nil
}

func (m *Memory) ListWindows(_ context.Context) ([]Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Window, 0, len(m.windows))
	for _, w := range m.windows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndAt.Before(out[j].EndAt) })
	return out, nil
}

func (m *Memory) DeleteWindow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	delete(m.windows, id)
	for k := range m.reactions {
		if k.windowID == id {
			delete(m.reactions, k)
		}
	}
	return nil
}

func (m *Memory) UpsertReaction(_ context.Context, r Reaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	r.Removed = false
	m.reactions[reactionKey{r.UserID, r.WindowID, r.Kind}] = r
	return nil
}

func (m *Memory) RemoveReaction(_ context.Context, userID int64, windowID, kind string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	k := reactionKey{userID, windowID, kind}
	r, ok := m.reactions[k]
	if !ok {
		return nil
	}
	r.Removed = true
	r.At = at
	m.reactions[k] = r
	return nil
}

func (m *Memory) ActiveReactions(_ context.Context, windowID, kind string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rs []Reaction
	for _, r := range m.reactions {
		if r.WindowID == windowID && r.Kind == kind && !r.Removed {
			rs = append(rs, r)
		}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].At.Before(rs[j].At) })
	out := make([]int64, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.UserID)
	}
	return out, nil
}
