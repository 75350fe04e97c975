// Package window owns the registration-window lifecycle: a recurring open
// task posts the registration message, reactions feed the ledger while the
// window is open, and a one-time close task aggregates the ledger into a
// summary. Deleting the window row is the processed commit point; every
// step before it may run more than once and must tolerate that.
package window

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"mealbot/internal/eventbus"
	"mealbot/internal/ledger"
	"mealbot/internal/observability/metrics"
	"mealbot/internal/scheduler"
	"mealbot/internal/storage"
	"mealbot/internal/timex"
	"mealbot/internal/transport"
	logx "mealbot/pkg/logx"
)

type Service struct {
	log     logx.Logger
	store   storage.Store
	ledger  *ledger.Service
	sched   *scheduler.Service
	gw      transport.Gateway
	clock   timex.Clock
	bus     eventbus.Bus
	metrics *metrics.Metrics

	mu   sync.Mutex
	defs map[string]Def
}

func New(defs []Def, store storage.Store, led *ledger.Service, sched *scheduler.Service, gw transport.Gateway, clock timex.Clock, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	byKind := make(map[string]Def, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, ok := byKind[d.Kind]; ok {
			return nil, fmt.Errorf("duplicate window kind %q", d.Kind)
		}
		byKind[d.Kind] = d
	}
	s := &Service{
		log:     log,
		store:   store,
		ledger:  led,
		sched:   sched,
		gw:      gw,
		clock:   clock,
		bus:     bus,
		metrics: m,
		defs:    byKind,
	}
	sched.Subscribe(PayloadOpen, s.handleOpen)
	sched.Subscribe(PayloadClose, s.handleClose)
	return s, nil
}

// ScheduleAll arms one recurring open task per window definition. Task ids
// are derived from the kind, so calling this again is an upsert.
func (s *Service) ScheduleAll(ctx context.Context) error {
	s.mu.Lock()
	defs := make([]Def, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, d)
	}
	s.mu.Unlock()

	for _, d := range defs {
		rec := timex.Recurrence{TimeOfDay: d.OpenAt, Days: d.Days}
		raw, err := json.Marshal(openPayload{Kind: d.Kind})
		if err != nil {
			return err
		}
		err = s.sched.ScheduleRecurring(ctx, openTaskID(d.Kind), rec, scheduler.Payload{
			Kind: PayloadOpen,
			Data: raw,
		})
		if err != nil {
			return fmt.Errorf("schedule open for %q: %w", d.Kind, err)
		}
	}
	return nil
}

func (s *Service) def(kind string) (Def, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[kind]
	return d, ok
}

// handleOpen fires when a window's open time arrives. The identifier
// pre-check makes it safe against restarts and sweep double-fires: the
// same day's window is never opened twice.
func (s *Service) handleOpen(ctx context.Context, _ storage.Task, p scheduler.Payload) error {
	var op openPayload
	if err := json.Unmarshal(p.Data, &op); err != nil {
		return fmt.Errorf("decode open payload: %w", err)
	}
	d, ok := s.def(op.Kind)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
	}

	now := s.clock.Now()
	ident := Identifier(d.Kind, now)
	log := s.log.With(logx.String("window", ident))

	if _, exists, err := s.store.GetWindowByIdentifier(ctx, ident); err != nil {
		return err
	} else if exists {
		log.Info("window already open, skipping")
		return nil
	}

	endAt, err := timex.WindowEnd(now, d.CloseAt)
	if err != nil {
		return fmt.Errorf("window %q close time: %w", d.Kind, err)
	}

	ref, err := s.gw.SendMessage(ctx, d.ChannelID, renderOpen(d, endAt))
	if err != nil {
		s.gatewayErr()
		return fmt.Errorf("send opening message: %w", err)
	}

	w := storage.Window{
		ID:         strconv.Itoa(ref.MessageID),
		ChannelID:  ref.ChannelID,
		Kind:       d.Kind,
		EndAt:      endAt,
		Identifier: ident,
		Status:     storage.WindowOpen,
	}
	if err := s.store.InsertWindow(ctx, w); err != nil {
		// The message is posted but untracked; failing the task lets the
		// sweep retry, and the identifier pre-check still holds because
		// the row was never written.
		return fmt.Errorf("persist window: %w", err)
	}

	// Seed reactions so participants can tap instead of typing. Best
	// effort: a missing seed does not block the window.
	for _, m := range d.Meals {
		if err := s.gw.AddReaction(ctx, ref, m.Emoji); err != nil {
			s.gatewayErr()
			log.Warn("seed reaction failed", logx.String("meal", m.Name), logx.Err(err))
		}
	}

	raw, err := json.Marshal(closePayload{WindowID: w.ID})
	if err != nil {
		return err
	}
	err = s.sched.ScheduleOnce(ctx, closeTaskID(ident), endAt, scheduler.Payload{
		Kind: PayloadClose,
		Data: raw,
	})
	if err != nil {
		return fmt.Errorf("schedule close: %w", err)
	}

	if s.metrics != nil {
		s.metrics.WindowsOpened.Inc()
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventWindowOpened, Data: w})
	}
	log.Info("window opened",
		logx.String("kind", d.Kind),
		logx.String("message", w.ID),
		logx.Time("closes", endAt))
	return nil
}

// handleClose fires at the window's end time. A window whose row is already
// gone was processed by an earlier attempt; that is success, not an error.
func (s *Service) handleClose(ctx context.Context, _ storage.Task, p scheduler.Payload) error {
	var cp closePayload
	if err := json.Unmarshal(p.Data, &cp); err != nil {
		return fmt.Errorf("decode close payload: %w", err)
	}
	w, ok, err := s.store.GetWindow(ctx, cp.WindowID)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("close fired for processed window", logx.String("window", cp.WindowID))
		return nil
	}
	return s.Finalize(ctx, w)
}

// Finalize runs Closed -> Processed: mark the row closed, aggregate the
// ledger, edit the message into a summary, strip reactions, then delete the
// row and its ledger rows in one transaction. Any gateway failure returns
// before the delete, leaving the row closed so a retry (sweep or recovery)
// picks it up. Edit and strip are idempotent against an already-finalized
// message; the delete is what stops the retries.
func (s *Service) Finalize(ctx context.Context, w storage.Window) error {
	d, ok := s.def(w.Kind)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, w.Kind)
	}
	log := s.log.With(logx.String("window", w.Identifier))

	if w.Status != storage.WindowClosed {
		if err := s.store.SetWindowStatus(ctx, w.ID, storage.WindowClosed); err != nil {
			return fmt.Errorf("mark window closed: %w", err)
		}
	}

	roster, err := s.gw.RosterWithRole(ctx, d.RoleID)
	if err != nil {
		s.gatewayErr()
		return fmt.Errorf("fetch roster: %w", err)
	}

	sums := make([]mealSummary, 0, len(d.Meals))
	for _, m := range d.Meals {
		in, err := s.ledger.Participants(ctx, w.ID, m.Name)
		if err != nil {
			return fmt.Errorf("aggregate %s: %w", m.Name, err)
		}
		sums = append(sums, mealSummary{Meal: m, In: in, Absent: complement(roster, in)})
	}

	msgID, err := strconv.Atoi(w.ID)
	if err != nil {
		return fmt.Errorf("window %q has malformed message id: %w", w.Identifier, err)
	}
	ref := transport.MessageRef{ChannelID: w.ChannelID, MessageID: msgID}

	if err := s.gw.EditMessage(ctx, ref, renderSummary(d, w.EndAt, sums)); err != nil {
		s.gatewayErr()
		return fmt.Errorf("edit summary: %w", err)
	}
	if err := s.gw.RemoveAllReactions(ctx, ref); err != nil {
		s.gatewayErr()
		return fmt.Errorf("strip reactions: %w", err)
	}

	// Commit point. Everything above tolerates re-execution; after this
	// delete nothing will re-execute.
	if err := s.store.DeleteWindow(ctx, w.ID); err != nil {
		return fmt.Errorf("delete window: %w", err)
	}
	// The close task may still exist when finalize ran from recovery.
	if _, err := s.sched.Cancel(ctx, closeTaskID(w.Identifier)); err != nil {
		log.Warn("close task cleanup failed", logx.Err(err))
	}

	if s.metrics != nil {
		s.metrics.WindowsClosed.Inc()
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventWindowClosed, Data: w})
	}
	log.Info("window processed", logx.String("kind", w.Kind))
	return nil
}

// HandleUpdate routes inbound gateway events. Reactions are recorded only
// while the window row exists and is open; anything else is silently
// dropped (late events on a processed window are expected, not errors).
func (s *Service) HandleUpdate(ctx context.Context, u transport.Update) {
	if u.Reaction == nil {
		return
	}
	ev := *u.Reaction
	id := strconv.Itoa(ev.MessageID)

	w, ok, err := s.store.GetWindow(ctx, id)
	if err != nil {
		s.log.Error("window lookup failed", logx.String("window", id), logx.Err(err))
		return
	}
	if !ok || w.Status != storage.WindowOpen {
		return
	}
	d, ok := s.def(w.Kind)
	if !ok {
		return
	}
	meal, ok := mealByEmoji(d, ev.Kind)
	if !ok {
		return
	}

	switch u.Kind {
	case transport.UpdateReactionAdded:
		err = s.ledger.RecordOptIn(ctx, ev.UserID, w.ID, meal.Name, ev.At)
	case transport.UpdateReactionRemoved:
		err = s.ledger.RecordOptOut(ctx, ev.UserID, w.ID, meal.Name, ev.At)
	default:
		return
	}
	if err != nil {
		s.log.Error("ledger write failed",
			logx.String("window", w.Identifier),
			logx.Int64("user", ev.UserID),
			logx.String("meal", meal.Name),
			logx.Err(err))
	}
}

func (s *Service) gatewayErr() {
	if s.metrics != nil {
		s.metrics.GatewayErrors.Inc()
	}
}

func mealByEmoji(d Def, emoji string) (Meal, bool) {
	for _, m := range d.Meals {
		if m.Emoji == emoji {
			return m, true
		}
	}
	return Meal{}, false
}

// complement returns the roster members not present in in.
func complement(roster, in []int64) []int64 {
	present := make(map[int64]bool, len(in))
	for _, id := range in {
		present[id] = true
	}
	var out []int64
	for _, id := range roster {
		if !present[id] {
			out = append(out, id)
		}
	}
	return out
}
