package scoring

import (
	"testing"
	"time"

	"firstaid-live-service/internal/domain"
)

func testRules() Rules {
	return Rules{BasePoints: 100, MaxSpeedBonus: 100, PhaseLimit: 20 * time.Second}
}

func testQuestion() domain.Question {
	return domain.Question{
		ID:       "q1",
		Prompt:   "Pick the right option",
		Options:  []domain.Option{{ID: "o1"}, {ID: "o2"}},
		Expected: "o2",
	}
}

func TestSpeedBonusDecay(t *testing.T) {
	rules := testRules()
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		elapsed time.Duration
		want    int
	}{
		{"instant answer earns max bonus", 0, 100},
		{"half the limit earns half", 10 * time.Second, 50},
		{"at the limit the bonus is zero", 20 * time.Second, 0},
		{"past the limit stays zero, never negative", 45 * time.Second, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := rules.SpeedBonus(start, start.Add(tc.elapsed)); got != tc.want {
				t.Fatalf("bonus at %v = %d, want %d", tc.elapsed, got, tc.want)
			}
		})
	}
}

func TestPointsAtBoundaries(t *testing.T) {
	rules := testRules()
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	if got := rules.Points(start, start); got != 200 {
		t.Fatalf("instant correct answer = %d, want base+max = 200", got)
	}
	if got := rules.Points(start, start.Add(20*time.Second)); got != 100 {
		t.Fatalf("answer at the limit = %d, want base = 100", got)
	}
}

func TestEvaluatePhaseBattle(t *testing.T) {
	rules := testRules()
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	answers := map[string]domain.SubmittedAnswer{
		"fast":  {ParticipantID: "fast", Value: "o2", SubmittedAt: start},
		"slow":  {ParticipantID: "slow", Value: "o2", SubmittedAt: start.Add(20 * time.Second)},
		"wrong": {ParticipantID: "wrong", Value: "o1", SubmittedAt: start},
	}

	results := EvaluatePhase(domain.ModeBattle, testQuestion(), answers, start, rules)

	if res := results["fast"]; !res.Correct || res.Points != 200 {
		t.Fatalf("fast: got %+v, want correct with 200", res)
	}
	if res := results["slow"]; !res.Correct || res.Points != 100 {
		t.Fatalf("slow: got %+v, want correct with base only", res)
	}
	if res := results["wrong"]; res.Correct || res.Points != 0 {
		t.Fatalf("wrong: got %+v, want incorrect with 0", res)
	}
}

func TestEvaluatePhaseDuelFirstCorrectWins(t *testing.T) {
	rules := testRules()
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	answers := map[string]domain.SubmittedAnswer{
		"a": {ParticipantID: "a", Value: "o2", SubmittedAt: start.Add(1 * time.Second)},
		"b": {ParticipantID: "b", Value: "o2", SubmittedAt: start.Add(2 * time.Second)},
	}

	results := EvaluatePhase(domain.ModeDuel, testQuestion(), answers, start, rules)

	if res := results["a"]; !res.Correct || res.Points == 0 {
		t.Fatalf("a: got %+v, want the sole award", res)
	}
	if res := results["b"]; !res.Correct || res.Points != 0 {
		t.Fatalf("b: got %+v, want correct but unrewarded", res)
	}
}

func TestEvaluatePhaseDuelSkipsIncorrectEarlyAnswer(t *testing.T) {
	rules := testRules()
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	answers := map[string]domain.SubmittedAnswer{
		"a": {ParticipantID: "a", Value: "o1", SubmittedAt: start.Add(1 * time.Second)},
		"b": {ParticipantID: "b", Value: "o2", SubmittedAt: start.Add(5 * time.Second)},
	}

	results := EvaluatePhase(domain.ModeDuel, testQuestion(), answers, start, rules)

	if res := results["a"]; res.Correct || res.Points != 0 {
		t.Fatalf("a answered first but wrong: got %+v", res)
	}
	if res := results["b"]; !res.Correct || res.Points == 0 {
		t.Fatalf("b is the first correct answer: got %+v", res)
	}
}

func TestEvaluatePhaseDuelTieBreaksDeterministically(t *testing.T) {
	rules := testRules()
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	at := start.Add(3 * time.Second)
	answers := map[string]domain.SubmittedAnswer{
		"zed": {ParticipantID: "zed", Value: "o2", SubmittedAt: at},
		"amy": {ParticipantID: "amy", Value: "o2", SubmittedAt: at},
	}

	for i := 0; i < 10; i++ {
		results := EvaluatePhase(domain.ModeDuel, testQuestion(), answers, start, rules)
		if results["amy"].Points == 0 || results["zed"].Points != 0 {
			t.Fatalf("tie must always resolve to the lower participant ID, got %+v", results)
		}
	}
}
