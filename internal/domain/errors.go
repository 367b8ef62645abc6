package domain

import "errors"

var (
	// ErrSessionNotFound is returned when a join code does not resolve.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when a freshly allocated code collides.
	ErrSessionExists = errors.New("session code already taken")
	// ErrSessionFull is returned when a mode's player capacity is exceeded.
	ErrSessionFull = errors.New("session is full")
	// ErrSessionAlreadyActive rejects late joins for modes that disallow them.
	ErrSessionAlreadyActive = errors.New("session already started")
	// ErrSessionFinished is returned for actions against a terminal session.
	ErrSessionFinished = errors.New("session already finished")
	// ErrParticipantNotFound is returned when a user acts before joining.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrNotHost rejects phase-advancing calls without the host key.
	ErrNotHost = errors.New("operation requires host key")
	// ErrWrongPhaseStatus rejects transitions from the wrong state.
	ErrWrongPhaseStatus = errors.New("session not in required status")
	// ErrNoPlayers rejects starting an empty session.
	ErrNoPlayers = errors.New("session has no players")
	// ErrWrongRole rejects pair-mode actions from the wrong side.
	ErrWrongRole = errors.New("action not permitted for this role")
	// ErrRoleTaken rejects joining a pair session with an occupied role.
	ErrRoleTaken = errors.New("role already taken")
	// ErrUnknownOption indicates a submitted option ID is not in the step.
	ErrUnknownOption = errors.New("unknown option")
	// ErrInvalidSession marks documents that fail transaction-boundary validation.
	ErrInvalidSession = errors.New("invalid session document")
	// ErrPackNotFound indicates the content pack could not be loaded.
	ErrPackNotFound = errors.New("content pack not found")
	// ErrPhaseOutOfRange indicates the session points past the pack's content.
	ErrPhaseOutOfRange = errors.New("phase index out of content range")
)
