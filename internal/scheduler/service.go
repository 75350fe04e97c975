package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mealbot/internal/eventbus"
	"mealbot/internal/observability/metrics"
	"mealbot/internal/storage"
	"mealbot/internal/timex"
	logx "mealbot/pkg/logx"
)

const defaultSweepInterval = 60 * time.Second

// Service is the durable task scheduler. Tasks are persisted before their
// timer is armed; on boot Start reloads every persisted task, so a task
// scheduled before a crash fires after it (late fires are bounded by the
// sweep interval).
type Service struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	clock   timex.Clock
	metrics *metrics.Metrics

	mu       sync.Mutex
	handlers map[string]Handler
	tasks    map[string]storage.Task
	timers   map[string]*time.Timer
	// vers lets Cancel win races against an already-queued timer callback:
	// the callback compares its captured version against the current one.
	vers   map[string]uint64
	firing map[string]bool
	// durable tracks per-task whether the store copy is current. A task
	// whose last write failed keeps running from memory and is re-flushed
	// opportunistically.
	durable map[string]bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(cfg Config, store storage.Store, clock timex.Clock, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		store:    store,
		clock:    clock,
		metrics:  m,
		handlers: map[string]Handler{},
		tasks:    map[string]storage.Task{},
		timers:   map[string]*time.Timer{},
		vers:     map[string]uint64{},
		firing:   map[string]bool{},
		durable:  map[string]bool{},
	}
}

// Subscribe registers the handler for a payload kind. Exactly one handler
// owns each kind; a second registration replaces the first. Call before
// Start so reloaded tasks find their handler.
func (s *Service) Subscribe(kind string, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

// Start reloads persisted tasks, arms their timers and starts the sweep
// loop. Tasks whose ExecuteAt is already past fire on the first sweep.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	loaded, err := s.store.ListTasks(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, t := range loaded {
		if _, ok := s.tasks[t.ID]; ok {
			// Scheduled again before Start; the in-memory copy is newer.
			continue
		}
		s.tasks[t.ID] = t
		s.vers[t.ID]++
		s.durable[t.ID] = true
	}
	armed := 0
	for _, t := range s.tasks {
		s.armLocked(t)
		armed++
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.sweepLoop()

	s.log.Info("service started",
		logx.Int("tasks", armed),
		logx.Duration("sweep_interval", s.cfg.SweepInterval))
	return nil
}

// Stop stops timers and the sweep loop. Persisted tasks remain in the
// store and resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	for id, t := range s.timers {
		_ = t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		// best-effort
	}

	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// ScheduleOnce persists and arms a one-time task. Scheduling an existing ID
// replaces its time and payload. A store write failure does not fail the
// call: the task keeps running from memory and a warning is logged.
func (s *Service) ScheduleOnce(ctx context.Context, id string, at time.Time, p Payload) error {
	if strings.TrimSpace(id) == "" {
		return ErrEmptyID
	}
	if at.IsZero() {
		return ErrZeroTime
	}
	raw, err := p.Marshal()
	if err != nil {
		return err
	}
	t := storage.Task{ID: id, Kind: storage.TaskOneTime, ExecuteAt: at, Payload: raw}
	return s.schedule(ctx, t)
}

// ScheduleRecurring persists and arms a recurring task. The first fire is
// the next occurrence strictly after now.
func (s *Service) ScheduleRecurring(ctx context.Context, id string, rec timex.Recurrence, p Payload) error {
	if strings.TrimSpace(id) == "" {
		return ErrEmptyID
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	next, err := rec.Next(s.clock.Now())
	if err != nil {
		return err
	}
	raw, err := p.Marshal()
	if err != nil {
		return err
	}
	t := storage.Task{ID: id, Kind: storage.TaskRecurring, ExecuteAt: next, Payload: raw, Recurrence: &rec}
	return s.schedule(ctx, t)
}

func (s *Service) schedule(ctx context.Context, t storage.Task) error {
	durable := true
	if err := s.store.PutTask(ctx, t); err != nil {
		durable = false
		s.log.Warn("task not durable; keeping in memory only",
			logx.String("task", t.ID), logx.Err(err))
	}

	s.mu.Lock()
	if tm, ok := s.timers[t.ID]; ok {
		_ = tm.Stop()
		delete(s.timers, t.ID)
	}
	s.tasks[t.ID] = t
	s.vers[t.ID]++
	s.durable[t.ID] = durable
	delete(s.firing, t.ID)
	if s.started {
		s.armLocked(t)
	}
	s.mu.Unlock()

	s.log.Debug("task scheduled",
		logx.String("task", t.ID),
		logx.String("kind", string(t.Kind)),
		logx.Time("at", t.ExecuteAt),
		logx.Bool("durable", durable))
	return nil
}

// Cancel removes a task from the store and from memory. It returns true if
// the scheduler or the store knew the task; cancelling an unknown ID is a
// no-op. A fire already past its version check still completes.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	_, known := s.tasks[id]
	if tm, ok := s.timers[id]; ok {
		_ = tm.Stop()
		delete(s.timers, id)
	}
	delete(s.tasks, id)
	delete(s.firing, id)
	delete(s.durable, id)
	s.vers[id]++ // stale timer callbacks see the bump and bail
	s.mu.Unlock()

	deleted, err := s.store.DeleteTask(ctx, id)
	if err != nil {
		return known, err
	}
	if known || deleted {
		s.log.Debug("task cancelled", logx.String("task", id))
	}
	return known || deleted, nil
}

// Armed reports how many tasks are currently held in memory.
func (s *Service) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// NextRun reports the in-memory fire time for a task.
func (s *Service) NextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return time.Time{}, false
	}
	return t.ExecuteAt, true
}

// armLocked arms a timer for the task. Call with s.mu held.
func (s *Service) armLocked(t storage.Task) {
	delay := t.ExecuteAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	id := t.ID
	ver := s.vers[id]
	s.timers[id] = time.AfterFunc(delay, func() {
		s.fire(id, ver)
	})
}

// fire runs one task execution. ver guards against cancelled or replaced
// tasks; firing guards against the timer and a sweep racing on the same
// task.
func (s *Service) fire(id string, ver uint64) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || s.vers[id] != ver || s.firing[id] {
		s.mu.Unlock()
		return
	}
	s.firing[id] = true
	delete(s.timers, id)
	h := s.handlerForLocked(t)
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	runID := uuid.NewString()
	p, perr := decodePayload(t.Payload)
	log := s.log.With(
		logx.String("task", id),
		logx.String("run", runID))

	var err error
	switch {
	case perr != nil:
		err = perr
	case h == nil:
		log.Warn("no handler for payload kind; dropping fire", logx.String("payload_kind", p.Kind))
	default:
		if s.metrics != nil {
			s.metrics.TasksFired.WithLabelValues(p.Kind).Inc()
		}
		log.Debug("task firing", logx.String("payload_kind", p.Kind))
		err = h(ctx, t, p)
	}

	if err != nil {
		log.Error("task failed", logx.String("payload_kind", p.Kind), logx.Err(err))
		if s.metrics != nil {
			s.metrics.TaskFailures.WithLabelValues(p.Kind).Inc()
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.EventTaskFailed, Data: TaskEvent{
				TaskID: id, Kind: p.Kind, RunID: runID, Error: err.Error(),
			}})
		}
	} else if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventTaskFired, Data: TaskEvent{
			TaskID: id, Kind: p.Kind, RunID: runID,
		}})
	}

	s.settle(ctx, id, ver, t, err)
}

// settle decides what happens to the task row after a fire: recurring tasks
// always advance to their next occurrence, successful one-time tasks are
// deleted, failed one-time tasks stay due so the sweep retries them.
func (s *Service) settle(ctx context.Context, id string, ver uint64, t storage.Task, fireErr error) {
	switch {
	case t.Kind == storage.TaskRecurring && t.Recurrence != nil:
		next, nerr := t.Recurrence.Next(s.clock.Now())
		if nerr != nil {
			s.log.Error("recurrence broken; task parked", logx.String("task", id), logx.Err(nerr))
			s.mu.Lock()
			delete(s.firing, id)
			s.mu.Unlock()
			return
		}
		t.ExecuteAt = next
		durable := true
		if err := s.store.PutTask(ctx, t); err != nil {
			durable = false
			s.log.Warn("task not durable; keeping in memory only",
				logx.String("task", id), logx.Err(err))
		}
		s.mu.Lock()
		if s.vers[id] != ver {
			s.mu.Unlock()
			return
		}
		s.tasks[id] = t
		s.durable[id] = durable
		delete(s.firing, id)
		if s.started {
			s.armLocked(t)
		}
		s.mu.Unlock()
		s.log.Debug("task rescheduled", logx.String("task", id), logx.Time("next", next))

	case fireErr == nil:
		// Deleting the row is the completion commit point. A delete
		// failure leaves the task due so the sweep retries the whole
		// fire; handlers are idempotent for exactly that reason.
		if _, err := s.store.DeleteTask(ctx, id); err != nil {
			s.log.Warn("task delete failed; sweep will retry it",
				logx.String("task", id), logx.Err(err))
			s.mu.Lock()
			if s.vers[id] == ver {
				delete(s.firing, id)
			}
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		if s.vers[id] == ver {
			delete(s.tasks, id)
			delete(s.durable, id)
			delete(s.firing, id)
			s.vers[id]++
		}
		s.mu.Unlock()

	default:
		// One-time task that failed: leave it due for the sweep.
		s.mu.Lock()
		if s.vers[id] == ver {
			delete(s.firing, id)
		}
		s.mu.Unlock()
	}
}

func (s *Service) handlerForLocked(t storage.Task) Handler {
	p, err := decodePayload(t.Payload)
	if err != nil {
		return nil
	}
	return s.handlers[p.Kind]
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()
	tick := time.NewTicker(s.cfg.SweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-tick.C:
			s.sweepOnce()
		}
	}
}

// sweepOnce fires every task that is due and not already firing. It is the
// backstop for missed timers, failed one-time fires and clock drift.
func (s *Service) sweepOnce() {
	now := s.clock.Now()

	s.mu.Lock()
	var due []struct {
		id  string
		ver uint64
	}
	for id, t := range s.tasks {
		if s.firing[id] || t.ExecuteAt.After(now) {
			continue
		}
		due = append(due, struct {
			id  string
			ver uint64
		}{id, s.vers[id]})
	}
	s.mu.Unlock()

	if len(due) > 0 {
		s.log.Debug("sweep found due tasks", logx.Int("count", len(due)))
	}
	for _, d := range due {
		s.fire(d.id, d.ver)
	}
}
