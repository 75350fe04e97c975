package reminder

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"mealbot/internal/scheduler"
	"mealbot/internal/storage"
	"mealbot/internal/timex"
	"mealbot/internal/transport"
	logx "mealbot/pkg/logx"
)

type stubGateway struct {
	mu   sync.Mutex
	sent []string
}

func (g *stubGateway) Start(context.Context, chan<- transport.Update) error { return nil }
func (g *stubGateway) Stop(context.Context) error                           { return nil }
func (g *stubGateway) SendMessage(_ context.Context, _ int64, body string) (transport.MessageRef, error) {
	g.mu.Lock()
	g.sent = append(g.sent, body)
	g.mu.Unlock()
	return transport.MessageRef{}, nil
}
func (g *stubGateway) EditMessage(context.Context, transport.MessageRef, string) error { return nil }
func (g *stubGateway) AddReaction(context.Context, transport.MessageRef, string) error { return nil }
func (g *stubGateway) RemoveAllReactions(context.Context, transport.MessageRef) error  { return nil }
func (g *stubGateway) FetchMessage(context.Context, transport.MessageRef) error        { return nil }
func (g *stubGateway) RosterWithRole(context.Context, string) ([]int64, error)         { return nil, nil }

func TestScheduleAllAndSend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	clock := timex.NewFake(time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC))
	sched := scheduler.New(scheduler.Config{SweepInterval: time.Hour}, store, clock, logx.Nop(), nil, nil)
	gw := &stubGateway{}

	svc, err := New([]Def{{
		Name:       "morning",
		ChannelID:  -1001,
		Recurrence: timex.Recurrence{TimeOfDay: "06:30"},
		Text:       "Registration opens soon ({date} {time}).",
	}}, sched, gw, clock, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.ScheduleAll(ctx); err != nil {
		t.Fatalf("ScheduleAll: %v", err)
	}

	task, ok, err := store.GetTask(ctx, "reminder_morning")
	if err != nil || !ok {
		t.Fatalf("reminder task missing (err %v)", err)
	}
	if task.Kind != storage.TaskRecurring {
		t.Fatalf("task kind = %q, want recurring", task.Kind)
	}
	want := time.Date(2025, 3, 10, 6, 30, 0, 0, time.UTC)
	if !task.ExecuteAt.Equal(want) {
		t.Fatalf("first run %v, want %v", task.ExecuteAt, want)
	}

	raw, _ := json.Marshal(payload{Name: "morning"})
	if err := svc.handle(ctx, task, scheduler.Payload{Kind: PayloadKind, Data: raw}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(gw.sent) != 1 || gw.sent[0] != "Registration opens soon (2025-03-10 06:00)." {
		t.Fatalf("sent = %q", gw.sent)
	}
}

func TestStaleReminderIsCancelled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	clock := timex.NewFake(time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC))
	sched := scheduler.New(scheduler.Config{SweepInterval: time.Hour}, store, clock, logx.Nop(), nil, nil)
	gw := &stubGateway{}

	svc, err := New(nil, sched, gw, clock, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Task persisted by a previous config that had this reminder.
	raw, _ := json.Marshal(payload{Name: "gone"})
	if err := sched.ScheduleRecurring(ctx, "reminder_gone", timex.Recurrence{TimeOfDay: "06:30"}, scheduler.Payload{Kind: PayloadKind, Data: raw}); err != nil {
		t.Fatalf("ScheduleRecurring: %v", err)
	}

	if err := svc.handle(ctx, storage.Task{}, scheduler.Payload{Kind: PayloadKind, Data: raw}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(gw.sent) != 0 {
		t.Fatalf("stale reminder sent a message")
	}
	if _, ok, _ := store.GetTask(ctx, "reminder_gone"); ok {
		t.Fatalf("stale reminder task not cancelled")
	}
}
