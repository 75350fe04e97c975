package window

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mealbot/internal/ledger"
	"mealbot/internal/scheduler"
	"mealbot/internal/storage"
	"mealbot/internal/timex"
	"mealbot/internal/transport"
	logx "mealbot/pkg/logx"
)

type sentMsg struct {
	ChannelID int64
	MessageID int
	Body      string
}

type fakeGateway struct {
	mu        sync.Mutex
	nextMsgID int
	sent      []sentMsg
	edits     []sentMsg
	reactions map[transport.MessageRef][]string
	stripped  []transport.MessageRef
	missing   map[int]bool
	roster    []int64

	sendErr   error
	editErr   error
	rosterErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		nextMsgID: 100,
		reactions: map[transport.MessageRef][]string{},
		missing:   map[int]bool{},
	}
}

func (g *fakeGateway) Start(context.Context, chan<- transport.Update) error { return nil }
func (g *fakeGateway) Stop(context.Context) error                           { return nil }

func (g *fakeGateway) SendMessage(_ context.Context, channelID int64, body string) (transport.MessageRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return transport.MessageRef{}, g.sendErr
	}
	g.nextMsgID++
	g.sent = append(g.sent, sentMsg{ChannelID: channelID, MessageID: g.nextMsgID, Body: body})
	return transport.MessageRef{ChannelID: channelID, MessageID: g.nextMsgID}, nil
}

func (g *fakeGateway) EditMessage(_ context.Context, ref transport.MessageRef, body string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.editErr != nil {
		return g.editErr
	}
	g.edits = append(g.edits, sentMsg{ChannelID: ref.ChannelID, MessageID: ref.MessageID, Body: body})
	return nil
}

func (g *fakeGateway) AddReaction(_ context.Context, ref transport.MessageRef, kind string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reactions[ref] = append(g.reactions[ref], kind)
	return nil
}

func (g *fakeGateway) RemoveAllReactions(_ context.Context, ref transport.MessageRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stripped = append(g.stripped, ref)
	delete(g.reactions, ref)
	return nil
}

func (g *fakeGateway) FetchMessage(_ context.Context, ref transport.MessageRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.missing[ref.MessageID] {
		return transport.ErrNotFound
	}
	return nil
}

func (g *fakeGateway) RosterWithRole(context.Context, string) ([]int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rosterErr != nil {
		return nil, g.rosterErr
	}
	return append([]int64(nil), g.roster...), nil
}

func (g *fakeGateway) editCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edits)
}

type fixture struct {
	store *storage.Memory
	clock *timex.Fake
	sched *scheduler.Service
	led   *ledger.Service
	gw    *fakeGateway
	svc   *Service
}

func testDef() Def {
	return Def{
		Kind:      "regular",
		ChannelID: -1001,
		OpenAt:    "07:00",
		CloseAt:   "10:00",
		Meals: []Meal{
			{Name: "breakfast", Emoji: "🍳"},
			{Name: "dinner", Emoji: "🍲"},
		},
		RoleID: "crew",
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	clock := timex.NewFake(time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)) // Monday
	sched := scheduler.New(scheduler.Config{SweepInterval: time.Hour}, store, clock, logx.Nop(), nil, nil)
	led := ledger.New(store, logx.Nop(), nil)
	gw := newFakeGateway()
	gw.roster = []int64{1, 2, 3}

	svc, err := New([]Def{testDef()}, store, led, sched, gw, clock, logx.Nop(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{store: store, clock: clock, sched: sched, led: led, gw: gw, svc: svc}
}

func (f *fixture) open(t *testing.T) storage.Window {
	t.Helper()
	raw, _ := json.Marshal(openPayload{Kind: "regular"})
	err := f.svc.handleOpen(context.Background(), storage.Task{}, scheduler.Payload{Kind: PayloadOpen, Data: raw})
	if err != nil {
		t.Fatalf("handleOpen: %v", err)
	}
	ws, err := f.store.ListWindows(context.Background())
	if err != nil || len(ws) != 1 {
		t.Fatalf("windows after open = %v (err %v), want 1", ws, err)
	}
	return ws[0]
}

func TestOpenCreatesWindowAndSchedulesClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	w := f.open(t)
	if w.Identifier != "regular_2025-03-10" {
		t.Errorf("identifier = %q", w.Identifier)
	}
	if w.Status != storage.WindowOpen {
		t.Errorf("status = %q, want open", w.Status)
	}
	want := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	if !w.EndAt.Equal(want) {
		t.Errorf("end = %v, want %v", w.EndAt, want)
	}

	// One opening message with both meal options seeded.
	if len(f.gw.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.gw.sent))
	}
	ref := transport.MessageRef{ChannelID: -1001, MessageID: f.gw.sent[0].MessageID}
	if got := f.gw.reactions[ref]; len(got) != 2 {
		t.Errorf("seeded reactions = %v, want 2", got)
	}

	// Close task persisted at the window's end time.
	task, ok, err := f.store.GetTask(ctx, "window_close_regular_2025-03-10")
	if err != nil || !ok {
		t.Fatalf("close task missing (err %v)", err)
	}
	if !task.ExecuteAt.Equal(want) {
		t.Errorf("close at %v, want %v", task.ExecuteAt, want)
	}
}

func TestOpenSkipsExistingIdentifier(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.open(t)
	raw, _ := json.Marshal(openPayload{Kind: "regular"})
	err := f.svc.handleOpen(context.Background(), storage.Task{}, scheduler.Payload{Kind: PayloadOpen, Data: raw})
	if err != nil {
		t.Fatalf("second handleOpen: %v", err)
	}
	if len(f.gw.sent) != 1 {
		t.Fatalf("sent %d messages, want 1 (double open)", len(f.gw.sent))
	}
}

func TestReactionFlowAndSummary(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	w := f.open(t)
	msgID := f.gw.sent[0].MessageID
	t0 := f.clock.Now()

	react := func(kind transport.UpdateKind, user int64, emoji string, at time.Time) {
		f.svc.HandleUpdate(ctx, transport.Update{Kind: kind, Reaction: &transport.ReactionEvent{
			UserID: user, ChannelID: -1001, MessageID: msgID, Kind: emoji, At: at,
		}})
	}

	react(transport.UpdateReactionAdded, 1, "🍳", t0)
	react(transport.UpdateReactionRemoved, 1, "🍳", t0.Add(2*time.Second))
	react(transport.UpdateReactionAdded, 2, "🍳", t0.Add(3*time.Second))
	react(transport.UpdateReactionAdded, 2, "🤷", t0.Add(4*time.Second)) // unmapped emoji, ignored

	got, err := f.led.Participants(ctx, w.ID, "breakfast")
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("breakfast participants = %v, want [2]", got)
	}

	if err := f.svc.Finalize(ctx, w); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(f.gw.edits) != 1 {
		t.Fatalf("edits = %d, want 1", len(f.gw.edits))
	}
	body := f.gw.edits[0].Body
	if !strings.Contains(body, "breakfast: 1 in (2)") {
		t.Errorf("summary missing breakfast line: %q", body)
	}
	if !strings.Contains(body, "dinner: 0 in (nobody)") {
		t.Errorf("summary missing dinner line: %q", body)
	}

	// Processed: row, ledger rows and close task are all gone.
	if ws, _ := f.store.ListWindows(ctx); len(ws) != 0 {
		t.Errorf("window row survived finalize: %v", ws)
	}
	if got, _ := f.led.Participants(ctx, w.ID, "breakfast"); len(got) != 0 {
		t.Errorf("ledger rows survived finalize: %v", got)
	}
	if _, ok, _ := f.store.GetTask(ctx, "window_close_"+w.Identifier); ok {
		t.Errorf("close task survived finalize")
	}

	// Reactions arriving after processing are dropped, not recorded.
	react(transport.UpdateReactionAdded, 3, "🍳", t0.Add(time.Minute))
	if got, _ := f.led.Participants(ctx, w.ID, "breakfast"); len(got) != 0 {
		t.Errorf("late reaction recorded on processed window: %v", got)
	}
}

func TestFinalizeGatewayFailureKeepsWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	w := f.open(t)
	f.gw.editErr = errors.New("telegram 502")

	if err := f.svc.Finalize(ctx, w); err == nil {
		t.Fatalf("Finalize succeeded despite edit failure")
	}

	// Row stays, marked closed, so recovery or the sweep retries it.
	got, ok, err := f.store.GetWindow(ctx, w.ID)
	if err != nil || !ok {
		t.Fatalf("window row gone after failed finalize (err %v)", err)
	}
	if got.Status != storage.WindowClosed {
		t.Errorf("status = %q, want closed", got.Status)
	}

	f.gw.editErr = nil
	if err := f.svc.Finalize(ctx, got); err != nil {
		t.Fatalf("retry Finalize: %v", err)
	}
	if ws, _ := f.store.ListWindows(ctx); len(ws) != 0 {
		t.Errorf("window row survived retried finalize")
	}
}

func TestRecoveryFinalizesOverdueExactlyOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.open(t)
	f.clock.Set(time.Date(2025, 3, 10, 10, 0, 1, 0, time.UTC))

	if err := f.svc.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if f.gw.editCount() != 1 {
		t.Fatalf("edits after first recovery = %d, want 1", f.gw.editCount())
	}
	if ws, _ := f.store.ListWindows(ctx); len(ws) != 0 {
		t.Fatalf("window row survived recovery")
	}

	// A second recovery pass sees no window and must not summarize again.
	if err := f.svc.Recover(ctx); err != nil {
		t.Fatalf("second Recover: %v", err)
	}
	if f.gw.editCount() != 1 {
		t.Fatalf("edits after second recovery = %d, want 1", f.gw.editCount())
	}
	if len(f.gw.sent) != 1 {
		t.Fatalf("sent messages = %d, want 1", len(f.gw.sent))
	}
}

func TestRecoveryAbandonsGoneMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.open(t)
	f.gw.missing[f.gw.sent[0].MessageID] = true
	f.clock.Set(time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC))

	if err := f.svc.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if ws, _ := f.store.ListWindows(ctx); len(ws) != 0 {
		t.Errorf("unreachable window not abandoned: %v", ws)
	}
	if f.gw.editCount() != 0 {
		t.Errorf("abandoned window produced a summary")
	}
	if _, ok, _ := f.store.GetTask(ctx, "window_close_regular_2025-03-10"); ok {
		t.Errorf("close task survived abandonment")
	}
}

func TestRecoveryRearmsPendingWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	w := f.open(t)
	// Simulate losing the close task (crash between insert and schedule).
	if _, err := f.sched.Cancel(ctx, "window_close_"+w.Identifier); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if err := f.svc.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	task, ok, err := f.store.GetTask(ctx, "window_close_"+w.Identifier)
	if err != nil || !ok {
		t.Fatalf("close task not re-armed (err %v)", err)
	}
	if !task.ExecuteAt.Equal(w.EndAt) {
		t.Errorf("re-armed at %v, want %v", task.ExecuteAt, w.EndAt)
	}
	if f.gw.editCount() != 0 {
		t.Errorf("pending window was summarized early")
	}
}

func TestScheduleAllArmsOpenTasks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.ScheduleAll(ctx); err != nil {
		t.Fatalf("ScheduleAll: %v", err)
	}
	task, ok, err := f.store.GetTask(ctx, "window_open_regular")
	if err != nil || !ok {
		t.Fatalf("open task missing (err %v)", err)
	}
	if task.Kind != storage.TaskRecurring || task.Recurrence == nil {
		t.Fatalf("open task not recurring: %+v", task)
	}
	// Now is exactly 07:00; the next strict occurrence is tomorrow.
	want := time.Date(2025, 3, 11, 7, 0, 0, 0, time.UTC)
	if !task.ExecuteAt.Equal(want) {
		t.Errorf("first open at %v, want %v", task.ExecuteAt, want)
	}
}
