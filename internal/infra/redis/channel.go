package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"firstaid-live-service/internal/domain"
	"firstaid-live-service/internal/statechan"
)

// maxTxRetries bounds the optimistic-concurrency retry loop. A session has
// at most a handful of concurrent writers, so hitting this limit means
// something is systematically wrong rather than momentary contention.
const maxTxRetries = 64

// Channel stores each session document as a JSON value and implements the
// transactional read-modify-write with WATCH/MULTI. Every commit also
// publishes the full document on a per-session pub/sub channel, which is
// what lets multiple service instances share one session.
type Channel struct {
	client *redis.Client
	ttl    time.Duration
	clock  clockwork.Clock
}

var _ statechan.Channel = (*Channel)(nil)

func NewChannel(client *redis.Client, ttl time.Duration) *Channel {
	return &Channel{client: client, ttl: ttl, clock: clockwork.NewRealClock()}
}

func (c *Channel) Create(ctx context.Context, session *domain.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	buf, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ok, err := c.client.SetNX(ctx, c.key(session.Code), buf, c.ttl).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return domain.ErrSessionExists
	}
	return nil
}

func (c *Channel) Get(ctx context.Context, code string) (*domain.Session, error) {
	raw, err := c.client.Get(ctx, c.key(code)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(raw)
}

func (c *Channel) Transact(ctx context.Context, code string, fn statechan.TxFunc) (*domain.Session, error) {
	key := c.key(code)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var committed *domain.Session
		err := c.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return domain.ErrSessionNotFound
			}
			if err != nil {
				return fmt.Errorf("read session: %w", err)
			}
			current, err := decodeSession(raw)
			if err != nil {
				return err
			}

			next, err := fn(current, c.Now(ctx))
			if err != nil {
				if errors.Is(err, statechan.ErrAborted) {
					committed = current
				}
				return err
			}
			if err := next.Validate(); err != nil {
				return err
			}
			buf, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("encode session: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, buf, c.ttl)
				pipe.Publish(ctx, c.eventsKey(code), buf)
				return nil
			})
			if err == nil {
				committed = next
			}
			return err
		}, key)

		if err == redis.TxFailedErr {
			// Concurrent writer beat us to the commit; re-run the whole
			// read-modify-write against the fresh document.
			continue
		}
		if errors.Is(err, statechan.ErrAborted) {
			return committed, statechan.ErrAborted
		}
		if err != nil {
			return nil, err
		}
		return committed, nil
	}
	return nil, statechan.ErrConflict
}

func (c *Channel) Subscribe(ctx context.Context, code string) (<-chan domain.Session, func(), error) {
	pubsub := c.client.Subscribe(ctx, c.eventsKey(code))
	// Confirm the subscription before snapshotting so no commit between
	// snapshot and subscribe can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe session: %w", err)
	}
	initial, err := c.Get(ctx, code)
	if err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan domain.Session, 8)
	out <- *initial

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			session, err := decodeSession([]byte(msg.Payload))
			if err != nil {
				log.Warn().Err(err).Str("code", code).Msg("dropping undecodable session push")
				continue
			}
			select {
			case out <- *session:
			default:
				// Drop the oldest update rather than block the pub/sub
				// reader; every push carries the full document.
				select {
				case <-out:
				default:
				}
				out <- *session
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}

// Now uses the Redis server clock so every writer stamps answers and phase
// starts from the same time source.
func (c *Channel) Now(ctx context.Context) time.Time {
	t, err := c.client.Time(ctx).Result()
	if err != nil {
		return c.clock.Now()
	}
	return t
}

func (c *Channel) key(code string) string {
	return "session:doc:" + code
}

func (c *Channel) eventsKey(code string) string {
	return "session:events:" + code
}

func decodeSession(raw []byte) (*domain.Session, error) {
	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}
	return &session, nil
}
