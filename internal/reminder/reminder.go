// Package reminder posts recurring standing messages, e.g. "registration
// opens in 30 minutes". Each reminder is one recurring scheduler task.
package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"mealbot/internal/scheduler"
	"mealbot/internal/storage"
	"mealbot/internal/timex"
	"mealbot/internal/transport"
	logx "mealbot/pkg/logx"
)

const PayloadKind = "reminder"

type Def struct {
	Name       string
	ChannelID  int64
	Recurrence timex.Recurrence
	Text       string
}

type payload struct {
	Name string `json:"name"`
}

type Service struct {
	log   logx.Logger
	sched *scheduler.Service
	gw    transport.Gateway
	clock timex.Clock

	mu   sync.Mutex
	defs map[string]Def
}

func New(defs []Def, sched *scheduler.Service, gw transport.Gateway, clock timex.Clock, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	byName := make(map[string]Def, len(defs))
	for _, d := range defs {
		if strings.TrimSpace(d.Name) == "" {
			return nil, fmt.Errorf("reminder name is required")
		}
		if _, ok := byName[d.Name]; ok {
			return nil, fmt.Errorf("duplicate reminder %q", d.Name)
		}
		byName[d.Name] = d
	}
	s := &Service{log: log, sched: sched, gw: gw, clock: clock, defs: byName}
	sched.Subscribe(PayloadKind, s.handle)
	return s, nil
}

// ScheduleAll arms every reminder. Task ids derive from the name, so
// re-running after a config change upserts instead of duplicating.
func (s *Service) ScheduleAll(ctx context.Context) error {
	s.mu.Lock()
	defs := make([]Def, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, d)
	}
	s.mu.Unlock()

	for _, d := range defs {
		raw, err := json.Marshal(payload{Name: d.Name})
		if err != nil {
			return err
		}
		err = s.sched.ScheduleRecurring(ctx, taskID(d.Name), d.Recurrence, scheduler.Payload{
			Kind: PayloadKind,
			Data: raw,
		})
		if err != nil {
			return fmt.Errorf("schedule reminder %q: %w", d.Name, err)
		}
	}
	return nil
}

func (s *Service) handle(ctx context.Context, _ storage.Task, p scheduler.Payload) error {
	var rp payload
	if err := json.Unmarshal(p.Data, &rp); err != nil {
		return fmt.Errorf("decode reminder payload: %w", err)
	}
	s.mu.Lock()
	d, ok := s.defs[rp.Name]
	s.mu.Unlock()
	if !ok {
		// Stale task from a removed config entry; drop it.
		s.log.Warn("reminder no longer configured", logx.String("name", rp.Name))
		if _, err := s.sched.Cancel(ctx, taskID(rp.Name)); err != nil {
			return err
		}
		return nil
	}

	now := s.clock.Now()
	body := strings.NewReplacer(
		"{date}", now.Format("2006-01-02"),
		"{time}", now.Format("15:04"),
	).Replace(d.Text)

	if _, err := s.gw.SendMessage(ctx, d.ChannelID, body); err != nil {
		return fmt.Errorf("send reminder %q: %w", d.Name, err)
	}
	s.log.Debug("reminder sent", logx.String("name", d.Name))
	return nil
}

func taskID(name string) string { return "reminder_" + name }
