package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"firstaid-live-service/internal/domain"
	"firstaid-live-service/internal/statechan"
)

// Channel is the in-memory state channel used by tests and single-node
// deployments. A single mutex serializes transactions, which trivially
// satisfies the conflict-retry contract; subscribers still only ever see
// committed documents, in commit order.
type Channel struct {
	clock clockwork.Clock

	mu          sync.RWMutex
	sessions    map[string]*domain.Session
	subscribers map[string]map[chan domain.Session]struct{}
}

var _ statechan.Channel = (*Channel)(nil)

func NewChannel() *Channel {
	return NewChannelWithClock(clockwork.NewRealClock())
}

// NewChannelWithClock allows deterministic timestamps in tests.
func NewChannelWithClock(clock clockwork.Clock) *Channel {
	return &Channel{
		clock:       clock,
		sessions:    make(map[string]*domain.Session),
		subscribers: make(map[string]map[chan domain.Session]struct{}),
	}
}

func (c *Channel) Create(_ context.Context, session *domain.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[session.Code]; ok {
		return domain.ErrSessionExists
	}
	c.sessions[session.Code] = session.Clone()
	return nil
}

func (c *Channel) Get(_ context.Context, code string) (*domain.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	session, ok := c.sessions[code]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (c *Channel) Transact(_ context.Context, code string, fn statechan.TxFunc) (*domain.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.sessions[code]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}

	next, err := fn(current.Clone(), c.clock.Now())
	if err == statechan.ErrAborted {
		return current.Clone(), statechan.ErrAborted
	}
	if err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	c.sessions[code] = next.Clone()
	c.broadcastLocked(code, next)
	return next, nil
}

func (c *Channel) Subscribe(_ context.Context, code string) (<-chan domain.Session, func(), error) {
	ch := make(chan domain.Session, 8)

	c.mu.Lock()
	session, ok := c.sessions[code]
	if !ok {
		c.mu.Unlock()
		return nil, nil, domain.ErrSessionNotFound
	}
	if c.subscribers[code] == nil {
		c.subscribers[code] = make(map[chan domain.Session]struct{})
	}
	c.subscribers[code][ch] = struct{}{}
	initial := *session.Clone()
	c.mu.Unlock()

	ch <- initial

	cancel := func() {
		c.mu.Lock()
		if subs, ok := c.subscribers[code]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(c.subscribers, code)
			}
		}
		c.mu.Unlock()
	}
	return ch, cancel, nil
}

func (c *Channel) Now(_ context.Context) time.Time {
	return c.clock.Now()
}

func (c *Channel) broadcastLocked(code string, session *domain.Session) {
	snapshot := *session.Clone()
	for ch := range c.subscribers[code] {
		select {
		case ch <- snapshot:
		default:
			// Drop the oldest update rather than block the commit path on a
			// slow subscriber; the next push carries the full document anyway.
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
	}
}
