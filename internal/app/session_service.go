package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"firstaid-live-service/internal/domain"
	"firstaid-live-service/internal/scoring"
	"firstaid-live-service/internal/statechan"
)

// PackRepository loads content packs (from cache/backing store).
type PackRepository interface {
	GetPack(ctx context.Context, packID string) (domain.Pack, error)
}

// Options tune session behavior. Zero values fall back to defaults.
type Options struct {
	Rules      scoring.Rules
	DuelRounds int
	CodeLength int
}

// codeAlphabet avoids characters that read ambiguously on a projector.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	defaultDuelRounds = 5
	defaultCodeLength = 5
	createAttempts    = 5
)

// SessionService contains the session engine use cases: the controller
// operations reserved for the host and the participant operations every
// joined client may call. It holds no session state of its own; the state
// channel's document is the single source of truth and every mutation goes
// through its transactional primitive.
type SessionService struct {
	channel    statechan.Channel
	packs      PackRepository
	rules      scoring.Rules
	duelRounds int
	codeLen    int
}

func NewSessionService(channel statechan.Channel, packs PackRepository, opts Options) *SessionService {
	if opts.Rules == (scoring.Rules{}) {
		opts.Rules = scoring.DefaultRules()
	}
	if opts.DuelRounds <= 0 {
		opts.DuelRounds = defaultDuelRounds
	}
	if opts.CodeLength <= 0 {
		opts.CodeLength = defaultCodeLength
	}
	return &SessionService{
		channel:    channel,
		packs:      packs,
		rules:      opts.Rules,
		duelRounds: opts.DuelRounds,
		codeLen:    opts.CodeLength,
	}
}

// Rules exposes the scoring configuration for display layers.
func (s *SessionService) Rules() scoring.Rules { return s.rules }

// Now returns the state channel's server timestamp. Countdown math must use
// this, never a local clock, so all clients derive the same remaining time.
func (s *SessionService) Now(ctx context.Context) time.Time {
	return s.channel.Now(ctx)
}

// CreateSession allocates a fresh join code and writes the initial waiting
// document. The returned session carries the host key; callers must not
// forward it to participants.
func (s *SessionService) CreateSession(ctx context.Context, mode domain.Mode, packID string, roundLimit int) (*domain.Session, error) {
	pack, err := s.packs.GetPack(ctx, packID)
	if err != nil {
		return nil, err
	}
	length := pack.Length(mode)
	if length == 0 {
		return nil, fmt.Errorf("%w: pack %q has no content for mode %s", domain.ErrPackNotFound, packID, mode)
	}

	if mode == domain.ModeDuel {
		if roundLimit <= 0 {
			roundLimit = s.duelRounds
		}
		if roundLimit > length {
			roundLimit = length
		}
	} else {
		roundLimit = 0
	}

	now := s.channel.Now(ctx)
	for attempt := 0; attempt < createAttempts; attempt++ {
		session := &domain.Session{
			Code:       s.newCode(),
			Mode:       mode,
			Status:     domain.StatusWaiting,
			PackID:     packID,
			HostKey:    uuid.NewString(),
			RoundLimit: roundLimit,
			Players:    make(map[string]*domain.PlayerState),
			Answers:    make(map[string]domain.SubmittedAnswer),
			CreatedAt:  now,
		}
		err := s.channel.Create(ctx, session)
		if errors.Is(err, domain.ErrSessionExists) {
			continue
		}
		if err != nil {
			return nil, err
		}
		log.Info().Str("code", session.Code).Str("mode", string(mode)).Str("pack", packID).Msg("session created")
		return session, nil
	}
	return nil, domain.ErrSessionExists
}

// Join registers a participant and returns the assigned participant ID.
// Battle permits joining mid-match (no retroactive scoring); duel and pair
// reject late joins. For pair sessions the first joiner takes the victim
// role unless a role is requested explicitly.
func (s *SessionService) Join(ctx context.Context, code, displayName string, role domain.Role) (string, *domain.Session, error) {
	participantID := uuid.NewString()
	session, err := s.channel.Transact(ctx, code, func(cur *domain.Session, now time.Time) (*domain.Session, error) {
		switch {
		case cur.Status == domain.StatusFinished:
			return nil, domain.ErrSessionFinished
		case cur.Status != domain.StatusWaiting && !cur.Mode.AllowsLateJoin():
			return nil, domain.ErrSessionAlreadyActive
		}
		if limit := cur.Mode.Capacity(); limit > 0 && len(cur.Players) >= limit {
			return nil, domain.ErrSessionFull
		}

		assigned, err := assignRole(cur, role)
		if err != nil {
			return nil, err
		}
		cur.Players[participantID] = &domain.PlayerState{
			ID:          participantID,
			DisplayName: displayName,
			Role:        assigned,
			JoinedAt:    now,
		}
		return cur, nil
	})
	if err != nil {
		return "", nil, err
	}
	return participantID, session, nil
}

// StartSession moves a waiting session into its first active phase. Pair
// sessions need both roles present before they can start.
func (s *SessionService) StartSession(ctx context.Context, code, hostKey string) (*domain.Session, error) {
	return s.channel.Transact(ctx, code, func(cur *domain.Session, now time.Time) (*domain.Session, error) {
		if err := requireHost(cur, hostKey); err != nil {
			return nil, err
		}
		if cur.Status != domain.StatusWaiting {
			return nil, domain.ErrWrongPhaseStatus
		}
		if len(cur.Players) == 0 {
			return nil, domain.ErrNoPlayers
		}
		if cur.Mode == domain.ModePair && len(cur.Players) < 2 {
			return nil, domain.ErrNoPlayers
		}
		cur.Status = domain.StatusActive
		cur.PhaseStart = now
		cur.Answers = make(map[string]domain.SubmittedAnswer)
		cur.Feedback = nil
		return cur, nil
	})
}

// SubmitAnswer records a timed-mode answer with a server-assigned timestamp.
// Resubmission before the phase closes overwrites the earlier value. An
// answer arriving after the phase already closed is silently ignored; the
// closing transaction's status guard has already made it unscorable.
func (s *SessionService) SubmitAnswer(ctx context.Context, code, participantID, value string) (*domain.Session, error) {
	session, err := s.channel.Transact(ctx, code, func(cur *domain.Session, now time.Time) (*domain.Session, error) {
		if cur.Mode == domain.ModePair {
			return nil, domain.ErrWrongRole
		}
		if _, ok := cur.Players[participantID]; !ok {
			return nil, domain.ErrParticipantNotFound
		}
		if cur.Status != domain.StatusActive {
			return nil, statechan.ErrAborted
		}
		cur.Answers[participantID] = domain.SubmittedAnswer{
			ParticipantID: participantID,
			Value:         value,
			SubmittedAt:   now,
		}
		return cur, nil
	})
	if errors.Is(err, statechan.ErrAborted) {
		return session, nil
	}
	return session, err
}

// AdvancePhase closes the current question: it scores every pending answer
// in one batch and moves the session to reveal. It is safe under concurrent
// or repeated invocation — the status guard aborts every call but the first,
// and the state channel retries the whole read-modify-write on conflicting
// writers, so scoring for a phase index is applied exactly once.
func (s *SessionService) AdvancePhase(ctx context.Context, code, hostKey string) (*domain.Session, error) {
	pack, err := s.packForSession(ctx, code)
	if err != nil {
		return nil, err
	}

	session, err := s.channel.Transact(ctx, code, func(cur *domain.Session, _ time.Time) (*domain.Session, error) {
		if err := requireHost(cur, hostKey); err != nil {
			return nil, err
		}
		if !cur.Mode.Timed() {
			return nil, domain.ErrWrongPhaseStatus
		}
		if cur.Status != domain.StatusActive {
			// Already closed by a racing invocation; the exactly-once guard.
			return nil, statechan.ErrAborted
		}
		question, err := pack.QuestionAt(cur.PhaseIndex)
		if err != nil {
			return nil, err
		}

		results := scoring.EvaluatePhase(cur.Mode, question, cur.Answers, cur.PhaseStart, s.rules)
		for id, player := range cur.Players {
			res := results[id]
			if res.Correct {
				player.Score += res.Points
				player.Streak++
			} else {
				player.Streak = 0
			}
			player.LastPhaseCorrect = res.Correct
		}

		cur.Status = domain.StatusReveal
		cur.Answers = make(map[string]domain.SubmittedAnswer)
		return cur, nil
	})
	if errors.Is(err, statechan.ErrAborted) {
		return session, nil
	}
	return session, err
}

// NextPhase leaves reveal: it either opens the next question or finishes the
// session when the pack (or the duel round limit) is exhausted. Calling it
// outside reveal has no effect.
func (s *SessionService) NextPhase(ctx context.Context, code, hostKey string) (*domain.Session, error) {
	pack, err := s.packForSession(ctx, code)
	if err != nil {
		return nil, err
	}

	session, err := s.channel.Transact(ctx, code, func(cur *domain.Session, now time.Time) (*domain.Session, error) {
		if err := requireHost(cur, hostKey); err != nil {
			return nil, err
		}
		if cur.Status != domain.StatusReveal {
			return nil, statechan.ErrAborted
		}
		openPhase(cur, pack, now)
		return cur, nil
	})
	if errors.Is(err, statechan.ErrAborted) {
		return session, nil
	}
	return session, err
}

// SubmitStepAction is the pair-mode rescuer action: it evaluates the chosen
// option against the current step and writes feedback for both roles. An
// incorrect choice keeps the phase open so the rescuer can retry.
func (s *SessionService) SubmitStepAction(ctx context.Context, code, participantID, optionID string) (*domain.Session, error) {
	pack, err := s.packForSession(ctx, code)
	if err != nil {
		return nil, err
	}

	session, err := s.channel.Transact(ctx, code, func(cur *domain.Session, now time.Time) (*domain.Session, error) {
		if cur.Mode != domain.ModePair {
			return nil, domain.ErrWrongRole
		}
		player, ok := cur.Players[participantID]
		if !ok {
			return nil, domain.ErrParticipantNotFound
		}
		if player.Role != domain.RoleRescuer {
			return nil, domain.ErrWrongRole
		}
		if cur.Status != domain.StatusActive {
			return nil, statechan.ErrAborted
		}
		step, err := pack.StepAt(cur.PhaseIndex)
		if err != nil {
			return nil, err
		}
		option, ok := step.OptionByID(optionID)
		if !ok {
			return nil, domain.ErrUnknownOption
		}

		cur.Answers[participantID] = domain.SubmittedAnswer{
			ParticipantID: participantID,
			Value:         optionID,
			SubmittedAt:   now,
		}
		cur.Feedback = &domain.Feedback{
			By:      participantID,
			Value:   optionID,
			Correct: option.Correct,
			Text:    option.Feedback,
		}
		return cur, nil
	})
	if errors.Is(err, statechan.ErrAborted) {
		return session, nil
	}
	return session, err
}

// ConfirmStep advances a pair session past a correctly handled step. Only
// the role that did not submit the action may confirm, which keeps the two
// roles symmetric and stops one participant from racing through both sides.
func (s *SessionService) ConfirmStep(ctx context.Context, code, participantID string) (*domain.Session, error) {
	pack, err := s.packForSession(ctx, code)
	if err != nil {
		return nil, err
	}

	return s.channel.Transact(ctx, code, func(cur *domain.Session, now time.Time) (*domain.Session, error) {
		if cur.Mode != domain.ModePair {
			return nil, domain.ErrWrongRole
		}
		if _, ok := cur.Players[participantID]; !ok {
			return nil, domain.ErrParticipantNotFound
		}
		if cur.Status != domain.StatusActive {
			return nil, domain.ErrWrongPhaseStatus
		}
		if cur.Feedback == nil || !cur.Feedback.Correct {
			return nil, domain.ErrWrongPhaseStatus
		}
		if cur.Feedback.By == participantID {
			return nil, domain.ErrWrongRole
		}
		openPhase(cur, pack, now)
		return cur, nil
	})
}

// ClaimHost hands the host key to a joined participant. This is the
// recovery path for a session stalled by a vanished host: any remaining
// participant may take over and force the phase forward.
func (s *SessionService) ClaimHost(ctx context.Context, code, participantID string) (string, error) {
	newKey := uuid.NewString()
	_, err := s.channel.Transact(ctx, code, func(cur *domain.Session, _ time.Time) (*domain.Session, error) {
		if _, ok := cur.Players[participantID]; !ok {
			return nil, domain.ErrParticipantNotFound
		}
		if cur.Status == domain.StatusFinished {
			return nil, domain.ErrSessionFinished
		}
		cur.HostKey = newKey
		return cur, nil
	})
	if err != nil {
		return "", err
	}
	log.Info().Str("code", code).Str("participant", participantID).Msg("host key claimed")
	return newKey, nil
}

// Leave removes a participant from a session that has not started yet.
// Once a match is running an absent participant is indistinguishable from
// one who has not answered, so their state stays untouched.
func (s *SessionService) Leave(ctx context.Context, code, participantID string) error {
	_, err := s.channel.Transact(ctx, code, func(cur *domain.Session, _ time.Time) (*domain.Session, error) {
		if cur.Status != domain.StatusWaiting {
			return nil, statechan.ErrAborted
		}
		if _, ok := cur.Players[participantID]; !ok {
			return nil, statechan.ErrAborted
		}
		delete(cur.Players, participantID)
		return cur, nil
	})
	if errors.Is(err, statechan.ErrAborted) {
		return nil
	}
	return err
}

// Subscribe returns a channel that receives the full session document on
// every commit. The caller must invoke the cancel function to avoid leaks.
func (s *SessionService) Subscribe(ctx context.Context, code string) (<-chan domain.Session, func(), error) {
	return s.channel.Subscribe(ctx, code)
}

// Get returns the current session document.
func (s *SessionService) Get(ctx context.Context, code string) (*domain.Session, error) {
	return s.channel.Get(ctx, code)
}

// Remaining derives the countdown for an active timed phase from the
// server-assigned phase start. Participant clients use this for display
// only; the hosted phase timer uses it to decide when to force the close.
func (s *SessionService) Remaining(ctx context.Context, session *domain.Session) time.Duration {
	if !session.Mode.Timed() || session.Status != domain.StatusActive {
		return 0
	}
	remaining := s.rules.PhaseLimit - s.channel.Now(ctx).Sub(session.PhaseStart)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Leaderboard is a deterministic ordered projection of the player map:
// score descending, then streak descending, then display name.
func Leaderboard(session *domain.Session, at time.Time) domain.Leaderboard {
	entries := make([]domain.LeaderboardEntry, 0, len(session.Players))
	for _, player := range session.Players {
		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID:    player.ID,
			DisplayName:      player.DisplayName,
			Score:            player.Score,
			Streak:           player.Streak,
			LastPhaseCorrect: player.LastPhaseCorrect,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		if entries[i].Streak != entries[j].Streak {
			return entries[i].Streak > entries[j].Streak
		}
		return entries[i].DisplayName < entries[j].DisplayName
	})
	return domain.Leaderboard{Code: session.Code, Entries: entries, UpdatedAt: at}
}

// openPhase advances the phase index or finishes the session, clearing the
// per-phase maps in the same transition.
func openPhase(cur *domain.Session, pack domain.Pack, now time.Time) {
	limit := pack.Length(cur.Mode)
	if cur.RoundLimit > 0 && cur.RoundLimit < limit {
		limit = cur.RoundLimit
	}
	cur.Answers = make(map[string]domain.SubmittedAnswer)
	cur.Feedback = nil
	if cur.PhaseIndex+1 >= limit {
		cur.Status = domain.StatusFinished
		return
	}
	cur.PhaseIndex++
	cur.PhaseStart = now
	cur.Status = domain.StatusActive
}

func (s *SessionService) packForSession(ctx context.Context, code string) (domain.Pack, error) {
	session, err := s.channel.Get(ctx, code)
	if err != nil {
		return domain.Pack{}, err
	}
	return s.packs.GetPack(ctx, session.PackID)
}

func requireHost(cur *domain.Session, hostKey string) error {
	if hostKey == "" || cur.HostKey != hostKey {
		return domain.ErrNotHost
	}
	return nil
}

func assignRole(cur *domain.Session, requested domain.Role) (domain.Role, error) {
	if cur.Mode != domain.ModePair {
		return domain.RolePlayer, nil
	}
	taken := make(map[domain.Role]bool, len(cur.Players))
	for _, p := range cur.Players {
		taken[p.Role] = true
	}
	if requested == domain.RoleVictim || requested == domain.RoleRescuer {
		if taken[requested] {
			return "", domain.ErrRoleTaken
		}
		return requested, nil
	}
	if !taken[domain.RoleVictim] {
		return domain.RoleVictim, nil
	}
	if !taken[domain.RoleRescuer] {
		return domain.RoleRescuer, nil
	}
	return "", domain.ErrSessionFull
}

func (s *SessionService) newCode() string {
	buf := make([]byte, s.codeLen)
	for i := range buf {
		buf[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(buf)
}
