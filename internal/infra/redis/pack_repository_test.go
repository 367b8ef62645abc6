package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"firstaid-live-service/internal/domain"
	"firstaid-live-service/internal/infra/memory"
)

func TestPackRepositoryCachesInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	loader := &countingLoader{
		PackLoader: memory.NewStaticPackLoader(map[string]domain.Pack{
			"pack-1": samplePack(),
		}),
	}
	repo := NewPackRepository(client, loader, time.Minute)

	pack, err := repo.GetPack(context.Background(), "pack-1")
	if err != nil {
		t.Fatalf("get pack: %v", err)
	}
	if len(pack.Questions) != 1 {
		t.Fatalf("expected loaded pack, got %+v", pack)
	}
	if loader.calls != 1 {
		t.Fatalf("expected loader called once, got %d", loader.calls)
	}

	// Second call should hit the redis cache, loader not incremented.
	if _, err := repo.GetPack(context.Background(), "pack-1"); err != nil {
		t.Fatalf("get pack 2: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected cache hit, loader calls=%d", loader.calls)
	}
	if !mr.Exists("content:pack:pack-1") {
		t.Fatalf("expected pack cached in redis")
	}
}

type countingLoader struct {
	memory.PackLoader
	calls int
}

func (l *countingLoader) LoadPack(ctx context.Context, packID string) (domain.Pack, error) {
	l.calls++
	return l.PackLoader.LoadPack(ctx, packID)
}

func samplePack() domain.Pack {
	return domain.Pack{
		ID: "pack-1",
		Questions: []domain.Question{
			{
				ID:       "q1",
				Prompt:   "What is the first step at an accident scene?",
				Options:  []domain.Option{{ID: "o1", Text: "Run"}, {ID: "o2", Text: "Secure the scene"}},
				Expected: "o2",
			},
		},
	}
}
