// Package scoring is the pure scoring engine. It performs no I/O and keeps
// no state; the session controller calls it from inside the phase-closing
// transaction so retries re-evaluate deterministically.
package scoring

import (
	"time"

	"firstaid-live-service/internal/domain"
)

// Rules are the tunable scoring constants for timed modes.
type Rules struct {
	BasePoints    int
	MaxSpeedBonus int
	PhaseLimit    time.Duration
}

// DefaultRules matches the shipped classroom configuration.
func DefaultRules() Rules {
	return Rules{BasePoints: 100, MaxSpeedBonus: 100, PhaseLimit: 20 * time.Second}
}

// Result is the per-player outcome of one closed phase.
type Result struct {
	Correct bool
	Points  int
}

// SpeedBonus decays linearly from MaxSpeedBonus at the phase start to zero
// at the phase limit, floored at zero. A correct answer after the nominal
// limit still earns base credit, never a negative bonus.
func (r Rules) SpeedBonus(phaseStart, submittedAt time.Time) int {
	if r.PhaseLimit <= 0 || r.MaxSpeedBonus <= 0 {
		return 0
	}
	remaining := r.PhaseLimit - submittedAt.Sub(phaseStart)
	if remaining <= 0 {
		return 0
	}
	if remaining > r.PhaseLimit {
		remaining = r.PhaseLimit
	}
	return int(int64(r.MaxSpeedBonus) * int64(remaining) / int64(r.PhaseLimit))
}

// Points returns the award for one correct answer in battle mode.
func (r Rules) Points(phaseStart, submittedAt time.Time) int {
	return r.BasePoints + r.SpeedBonus(phaseStart, submittedAt)
}

// EvaluatePhase scores every submitted answer of a closed phase in one
// batch. Battle awards every correct answer independently. Duel awards only
// the earliest correct submission (first correct wins); a slower correct
// answer is still marked correct, with zero points. Ties on SubmittedAt are
// broken by participant ID so concurrent retries of the closing transaction
// pick the same winner.
func EvaluatePhase(mode domain.Mode, q domain.Question, answers map[string]domain.SubmittedAnswer, phaseStart time.Time, r Rules) map[string]Result {
	results := make(map[string]Result, len(answers))
	for id, a := range answers {
		results[id] = Result{Correct: a.Value == q.Expected}
	}

	switch mode {
	case domain.ModeDuel:
		winner, ok := firstCorrect(q, answers)
		if ok {
			res := results[winner]
			res.Points = r.Points(phaseStart, answers[winner].SubmittedAt)
			results[winner] = res
		}
	default:
		for id, a := range answers {
			if results[id].Correct {
				results[id] = Result{Correct: true, Points: r.Points(phaseStart, a.SubmittedAt)}
			}
		}
	}
	return results
}

func firstCorrect(q domain.Question, answers map[string]domain.SubmittedAnswer) (string, bool) {
	var winner string
	var at time.Time
	for id, a := range answers {
		if a.Value != q.Expected {
			continue
		}
		if winner == "" || a.SubmittedAt.Before(at) || (a.SubmittedAt.Equal(at) && id < winner) {
			winner = id
			at = a.SubmittedAt
		}
	}
	return winner, winner != ""
}
