package window

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"mealbot/internal/scheduler"
	"mealbot/internal/transport"
	logx "mealbot/pkg/logx"
)

// Recover reconciles persisted windows against the current time. It runs
// once at boot, synchronously, before the gateway starts delivering
// updates:
//
//   - backing message gone: the window can never be completed; delete it
//     and its close task, loudly
//   - end time already passed: finalize now instead of waiting for a timer
//   - still pending: make sure a close task is armed (upsert by task id)
//
// Finalize failures are logged and left alone: the row stays closed and the
// re-armed close task retries via the sweep. Running Recover twice is safe
// because finalization deletes the row, so the second pass sees nothing.
func (s *Service) Recover(ctx context.Context) error {
	windows, err := s.store.ListWindows(ctx)
	if err != nil {
		return err
	}
	if len(windows) == 0 {
		s.log.Debug("recovery found no windows")
		return nil
	}

	now := s.clock.Now()
	for _, w := range windows {
		log := s.log.With(logx.String("window", w.Identifier))

		msgID, err := strconv.Atoi(w.ID)
		if err != nil {
			log.Warn("abandoning window with malformed message id", logx.Err(err))
			s.abandon(ctx, w.ID, w.Identifier)
			continue
		}
		ref := transport.MessageRef{ChannelID: w.ChannelID, MessageID: msgID}

		switch err := s.gw.FetchMessage(ctx, ref); {
		case errors.Is(err, transport.ErrNotFound):
			log.Warn("backing message is gone, abandoning window")
			s.abandon(ctx, w.ID, w.Identifier)
			continue
		case err != nil:
			// Transient gateway trouble: keep the window, the re-armed
			// close task will retry.
			s.gatewayErr()
			log.Warn("message probe failed, keeping window", logx.Err(err))
		}

		if !now.Before(w.EndAt) {
			log.Info("window overdue, finalizing now")
			if err := s.Finalize(ctx, w); err != nil {
				log.Error("overdue finalize failed, will retry", logx.Err(err))
				s.rearmClose(ctx, w.ID, w.Identifier, now, log)
			}
			if s.metrics != nil {
				s.metrics.WindowsRecovered.Inc()
			}
			continue
		}

		s.rearmClose(ctx, w.ID, w.Identifier, w.EndAt, log)
		if s.metrics != nil {
			s.metrics.WindowsRecovered.Inc()
		}
		log.Info("window re-armed", logx.Time("closes", w.EndAt))
	}
	return nil
}

func (s *Service) abandon(ctx context.Context, windowID, identifier string) {
	if _, err := s.sched.Cancel(ctx, closeTaskID(identifier)); err != nil {
		s.log.Warn("close task cleanup failed", logx.String("window", identifier), logx.Err(err))
	}
	if err := s.store.DeleteWindow(ctx, windowID); err != nil {
		s.log.Error("abandoned window delete failed", logx.String("window", identifier), logx.Err(err))
	}
}

func (s *Service) rearmClose(ctx context.Context, windowID, identifier string, at time.Time, log logx.Logger) {
	raw, err := json.Marshal(closePayload{WindowID: windowID})
	if err != nil {
		log.Error("close payload encode failed", logx.Err(err))
		return
	}
	err = s.sched.ScheduleOnce(ctx, closeTaskID(identifier), at, scheduler.Payload{
		Kind: PayloadClose,
		Data: raw,
	})
	if err != nil {
		log.Error("close task re-arm failed", logx.Err(err))
	}
}
