package domain

import (
	"fmt"
	"time"
)

// Mode selects which variant of the session engine a room runs.
type Mode string

const (
	// ModeBattle is the classroom-wide timed quiz; any number of players.
	ModeBattle Mode = "battle"
	// ModeDuel is a 1v1 speed quiz with a fixed round limit.
	ModeDuel Mode = "duel"
	// ModePair is the two-role victim/rescuer exercise; no timer.
	ModePair Mode = "pair"
)

// Status is the session state machine position.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusReveal   Status = "reveal"
	StatusFinished Status = "finished"
)

// Role distinguishes the two sides of the paired exercise. Battle and duel
// participants all hold RolePlayer.
type Role string

const (
	RolePlayer  Role = "player"
	RoleVictim  Role = "victim"
	RoleRescuer Role = "rescuer"
)

// PlayerState tracks one participant's accumulated progress in a session.
type PlayerState struct {
	ID               string    `json:"id"`
	DisplayName      string    `json:"displayName"`
	Role             Role      `json:"role"`
	Score            int       `json:"score"`
	Streak           int       `json:"streak"`
	LastPhaseCorrect bool      `json:"lastPhaseCorrect"`
	JoinedAt         time.Time `json:"joinedAt"`
}

// SubmittedAnswer is one participant's pending answer for the current phase.
// SubmittedAt is assigned by the state channel at write time, never by the
// client, so ordering survives client clock skew.
type SubmittedAnswer struct {
	ParticipantID string    `json:"participantId"`
	Value         string    `json:"value"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// Feedback is the pair-mode response to a rescuer action. It lives on the
// session until the phase advances or the rescuer retries.
type Feedback struct {
	By      string `json:"by"`
	Value   string `json:"value"`
	Correct bool   `json:"correct"`
	Text    string `json:"text"`
}

// Session is the single shared document coordinating one room. All mutation
// goes through the state channel's transactional primitive; a Session read
// from the channel is always a private copy.
type Session struct {
	Code       string                     `json:"code"`
	Mode       Mode                       `json:"mode"`
	Status     Status                     `json:"status"`
	PackID     string                     `json:"packId"`
	HostKey    string                     `json:"hostKey"`
	PhaseIndex int                        `json:"phaseIndex"`
	PhaseStart time.Time                  `json:"phaseStart"`
	RoundLimit int                        `json:"roundLimit,omitempty"`
	Players    map[string]*PlayerState    `json:"players"`
	Answers    map[string]SubmittedAnswer `json:"answers"`
	Feedback   *Feedback                  `json:"feedback,omitempty"`
	CreatedAt  time.Time                  `json:"createdAt"`
}

// Capacity returns the player limit for a mode; 0 means unbounded.
func (m Mode) Capacity() int {
	switch m {
	case ModeDuel, ModePair:
		return 2
	default:
		return 0
	}
}

// AllowsLateJoin reports whether players may join after the session left
// the waiting state. Only the classroom battle tolerates latecomers.
func (m Mode) AllowsLateJoin() bool {
	return m == ModeBattle
}

// Timed reports whether phases in this mode close on a countdown.
func (m Mode) Timed() bool {
	return m != ModePair
}

func (m Mode) valid() bool {
	switch m {
	case ModeBattle, ModeDuel, ModePair:
		return true
	}
	return false
}

func (s Status) valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusReveal, StatusFinished:
		return true
	}
	return false
}

// Validate checks the structural invariants every committed session must
// hold. It runs at the transaction boundary so a malformed write from a
// misbehaving client is rejected instead of corrupting shared state.
func (s *Session) Validate() error {
	if s.Code == "" {
		return fmt.Errorf("%w: empty code", ErrInvalidSession)
	}
	if !s.Mode.valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidSession, s.Mode)
	}
	if !s.Status.valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSession, s.Status)
	}
	if s.HostKey == "" {
		return fmt.Errorf("%w: missing host key", ErrInvalidSession)
	}
	if s.PhaseIndex < 0 {
		return fmt.Errorf("%w: negative phase index", ErrInvalidSession)
	}
	if limit := s.Mode.Capacity(); limit > 0 && len(s.Players) > limit {
		return fmt.Errorf("%w: %d players exceeds capacity %d", ErrInvalidSession, len(s.Players), limit)
	}
	if len(s.Answers) > 0 && s.Status != StatusActive {
		return fmt.Errorf("%w: answers present while %s", ErrInvalidSession, s.Status)
	}
	for id, p := range s.Players {
		if p == nil || p.ID != id {
			return fmt.Errorf("%w: player entry %q inconsistent", ErrInvalidSession, id)
		}
		if p.Score < 0 {
			return fmt.Errorf("%w: negative score for %q", ErrInvalidSession, id)
		}
	}
	for id, a := range s.Answers {
		if a.ParticipantID != id {
			return fmt.Errorf("%w: answer entry %q inconsistent", ErrInvalidSession, id)
		}
		if _, ok := s.Players[id]; !ok {
			return fmt.Errorf("%w: answer from unknown participant %q", ErrInvalidSession, id)
		}
	}
	return nil
}

// Clone returns a deep copy. The in-memory state channel hands copies to
// transactions and subscribers so no caller can mutate shared state in place.
func (s *Session) Clone() *Session {
	out := *s
	out.Players = make(map[string]*PlayerState, len(s.Players))
	for id, p := range s.Players {
		cp := *p
		out.Players[id] = &cp
	}
	out.Answers = make(map[string]SubmittedAnswer, len(s.Answers))
	for id, a := range s.Answers {
		out.Answers[id] = a
	}
	if s.Feedback != nil {
		fb := *s.Feedback
		out.Feedback = &fb
	}
	return &out
}

// LeaderboardEntry is a snapshot-friendly view of a participant.
type LeaderboardEntry struct {
	ParticipantID    string `json:"participantId"`
	DisplayName      string `json:"displayName"`
	Score            int    `json:"score"`
	Streak           int    `json:"streak"`
	LastPhaseCorrect bool   `json:"lastPhaseCorrect"`
}

// Leaderboard captures the ordered scoreboard for a session.
type Leaderboard struct {
	Code      string             `json:"code"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}
