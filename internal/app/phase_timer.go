package app

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"firstaid-live-service/internal/domain"
)

// PhaseTimer drives timed phase closes for a hosted session. Every client
// derives the same countdown from the server-assigned phase start; only the
// instance holding the host key runs a PhaseTimer, and its firing calls the
// idempotent AdvancePhase, so a racing manual close is harmless.
type PhaseTimer struct {
	svc   *SessionService
	clock clockwork.Clock
}

func NewPhaseTimer(svc *SessionService) *PhaseTimer {
	return NewPhaseTimerWithClock(svc, clockwork.NewRealClock())
}

// NewPhaseTimerWithClock allows deterministic countdowns in tests.
func NewPhaseTimerWithClock(svc *SessionService, clock clockwork.Clock) *PhaseTimer {
	return &PhaseTimer{svc: svc, clock: clock}
}

// Run consumes session pushes and re-arms a one-shot timer from each
// observed phase start. It returns when ctx is cancelled or the updates
// channel closes. The session stalls in active if no timer is running —
// that is the accepted host-disconnect failure mode; recovery is a
// participant claiming the host key and starting a new PhaseTimer.
func (t *PhaseTimer) Run(ctx context.Context, code, hostKey string, updates <-chan domain.Session) {
	var timer clockwork.Timer
	var timerC <-chan time.Time
	var armedFor time.Time

	stop := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return

		case session, ok := <-updates:
			if !ok {
				return
			}
			if !session.Mode.Timed() || session.Status != domain.StatusActive {
				stop()
				armedFor = time.Time{}
				continue
			}
			// Phase-start idempotency guard: every commit within a phase
			// pushes the same PhaseStart, and re-arming on each would reset
			// the countdown.
			if session.PhaseStart.Equal(armedFor) {
				continue
			}
			stop()
			armedFor = session.PhaseStart

			remaining := t.svc.Remaining(ctx, &session)
			if remaining <= 0 {
				t.fire(ctx, code, hostKey)
				continue
			}
			timer = t.clock.NewTimer(remaining)
			timerC = timer.Chan()

		case <-timerC:
			timer = nil
			timerC = nil
			t.fire(ctx, code, hostKey)
		}
	}
}

func (t *PhaseTimer) fire(ctx context.Context, code, hostKey string) {
	if _, err := t.svc.AdvancePhase(ctx, code, hostKey); err != nil {
		log.Warn().Err(err).Str("code", code).Msg("timed phase close failed")
	}
}
