// Package statechan defines the shared state channel every client of a
// session converges through. Implementations must provide create-if-absent
// writes, a transactional read-modify-write with conflict retry, push
// subscriptions that deliver every committed document in commit order, and
// server-assigned timestamps.
package statechan

import (
	"context"
	"errors"
	"time"

	"firstaid-live-service/internal/domain"
)

var (
	// ErrAborted is returned by a TxFunc to commit nothing. Transact
	// surfaces it with the document that was current at read time, so
	// callers can tell a guard-abort from a committed write.
	ErrAborted = errors.New("transaction aborted by guard")
	// ErrConflict is returned when optimistic retries are exhausted.
	ErrConflict = errors.New("transaction conflict retries exhausted")
)

// TxFunc mutates a private copy of the current session document. The now
// argument is the server-assigned timestamp for this attempt; TxFuncs must
// use it instead of local clocks so ordering survives client skew. Returning
// ErrAborted leaves the document untouched.
type TxFunc func(current *domain.Session, now time.Time) (*domain.Session, error)

// Channel is the key-addressed session document store.
type Channel interface {
	// Create writes a new session document, failing with
	// domain.ErrSessionExists if the code is already taken.
	Create(ctx context.Context, session *domain.Session) error

	// Get returns the current document for a code.
	Get(ctx context.Context, code string) (*domain.Session, error)

	// Transact runs fn against the current document and commits the result
	// atomically, retrying the whole read-modify-write on conflicting
	// concurrent writers. Committed documents are validated first.
	Transact(ctx context.Context, code string, fn TxFunc) (*domain.Session, error)

	// Subscribe delivers the full document to the returned channel on every
	// commit, starting with the current state. The cancel func releases the
	// subscription and closes the channel.
	Subscribe(ctx context.Context, code string) (<-chan domain.Session, func(), error)

	// Now returns the store's monotonic server timestamp.
	Now(ctx context.Context) time.Time
}
