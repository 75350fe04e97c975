package ledger

import (
	"context"
	"testing"
	"time"

	"mealbot/internal/storage"
	logx "mealbot/pkg/logx"
)

func TestOptInIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	s := New(store, logx.Nop(), nil)
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := s.RecordOptIn(ctx, 42, "w1", "lunch", at.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("RecordOptIn: %v", err)
		}
	}

	got, err := s.Participants(ctx, "w1", "lunch")
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("participants = %v, want [42]", got)
	}
}

func TestOptOutWithoutOptInIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	s := New(store, logx.Nop(), nil)

	if err := s.RecordOptOut(ctx, 42, "w1", "lunch", time.Now()); err != nil {
		t.Fatalf("RecordOptOut of absent user: %v", err)
	}
	got, err := s.Participants(ctx, "w1", "lunch")
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("participants = %v, want empty", got)
	}
}

func TestOptOutThenOptInReactivates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	s := New(store, logx.Nop(), nil)
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	if err := s.RecordOptIn(ctx, 7, "w1", "dinner", at); err != nil {
		t.Fatalf("RecordOptIn: %v", err)
	}
	if err := s.RecordOptOut(ctx, 7, "w1", "dinner", at.Add(time.Minute)); err != nil {
		t.Fatalf("RecordOptOut: %v", err)
	}
	got, _ := s.Participants(ctx, "w1", "dinner")
	if len(got) != 0 {
		t.Fatalf("after opt-out participants = %v, want empty", got)
	}

	if err := s.RecordOptIn(ctx, 7, "w1", "dinner", at.Add(2*time.Minute)); err != nil {
		t.Fatalf("second RecordOptIn: %v", err)
	}
	got, _ = s.Participants(ctx, "w1", "dinner")
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("after reactivation participants = %v, want [7]", got)
	}
}

func TestMealsAndWindowsStayIsolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	s := New(store, logx.Nop(), nil)
	at := time.Now()

	if err := s.RecordOptIn(ctx, 1, "w1", "lunch", at); err != nil {
		t.Fatalf("RecordOptIn: %v", err)
	}
	if err := s.RecordOptIn(ctx, 1, "w1", "dinner", at); err != nil {
		t.Fatalf("RecordOptIn: %v", err)
	}
	if err := s.RecordOptIn(ctx, 2, "w2", "lunch", at); err != nil {
		t.Fatalf("RecordOptIn: %v", err)
	}
	if err := s.RecordOptOut(ctx, 1, "w1", "dinner", at.Add(time.Second)); err != nil {
		t.Fatalf("RecordOptOut: %v", err)
	}

	if got, _ := s.Participants(ctx, "w1", "lunch"); len(got) != 1 || got[0] != 1 {
		t.Fatalf("w1/lunch = %v, want [1]", got)
	}
	if got, _ := s.Participants(ctx, "w1", "dinner"); len(got) != 0 {
		t.Fatalf("w1/dinner = %v, want empty", got)
	}
	if got, _ := s.Participants(ctx, "w2", "lunch"); len(got) != 1 || got[0] != 2 {
		t.Fatalf("w2/lunch = %v, want [2]", got)
	}
}
