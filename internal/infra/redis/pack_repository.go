package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"firstaid-live-service/internal/domain"
	"firstaid-live-service/internal/infra/memory"
)

// PackRepository caches whole content packs in Redis (one JSON value per
// pack) and falls back to a loader on cache miss. Unlike the session
// document, pack content is immutable, so a plain SET with TTL is enough.
type PackRepository struct {
	client *redis.Client
	loader memory.PackLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewPackRepository(client *redis.Client, loader memory.PackLoader, ttl time.Duration) *PackRepository {
	return &PackRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *PackRepository) GetPack(ctx context.Context, packID string) (domain.Pack, error) {
	key := r.packKey(packID)

	if pack, ok := r.fromCache(ctx, key); ok {
		return pack, nil
	}

	result, err, _ := r.sf.Do(packID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if pack, ok := r.fromCache(ctx, key); ok {
			return pack, nil
		}

		pack, err := r.loader.LoadPack(ctx, packID)
		if err != nil {
			return domain.Pack{}, err
		}

		buf, err := json.Marshal(pack)
		if err != nil {
			return domain.Pack{}, fmt.Errorf("encode pack: %w", err)
		}
		// best-effort cache fill; a failed SET just means the next caller loads again
		_ = r.client.Set(ctx, key, buf, r.ttlWithJitter()).Err()

		return pack, nil
	})
	if err != nil {
		return domain.Pack{}, err
	}
	return result.(domain.Pack), nil
}

func (r *PackRepository) fromCache(ctx context.Context, key string) (domain.Pack, bool) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return domain.Pack{}, false
	}
	var pack domain.Pack
	if err := json.Unmarshal(raw, &pack); err != nil {
		return domain.Pack{}, false
	}
	return pack, true
}

func (r *PackRepository) packKey(packID string) string {
	return "content:pack:" + packID
}

func (r *PackRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
