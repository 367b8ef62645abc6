package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"firstaid-live-service/internal/app"
	"firstaid-live-service/internal/domain"
	pgloader "firstaid-live-service/internal/infra/postgres"
	pgmigrations "firstaid-live-service/internal/infra/postgres/migrations"
	infraredis "firstaid-live-service/internal/infra/redis"
	"firstaid-live-service/internal/scoring"
)

func TestBattleEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	seedPack(t, ctx, pgURL, samplePack())

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}

	packs := infraredis.NewPackRepository(redisClient, pgloader.NewPackLoader(pool), 5*time.Minute)
	channel := infraredis.NewChannel(redisClient, time.Hour)
	service := app.NewSessionService(channel, packs, app.Options{
		Rules: scoring.Rules{BasePoints: 100, MaxSpeedBonus: 100, PhaseLimit: 20 * time.Second},
	})

	session, err := service.CreateSession(ctx, domain.ModeBattle, "pack-1", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	code, hostKey := session.Code, session.HostKey

	alice, _, err := service.Join(ctx, code, "Alice", "")
	if err != nil {
		t.Fatalf("join alice: %v", err)
	}
	bob, _, err := service.Join(ctx, code, "Bob", "")
	if err != nil {
		t.Fatalf("join bob: %v", err)
	}

	updates, cancel, err := service.Subscribe(ctx, code)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if _, err := service.StartSession(ctx, code, hostKey); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := service.SubmitAnswer(ctx, code, alice, "o2"); err != nil {
		t.Fatalf("submit alice: %v", err)
	}
	if _, err := service.SubmitAnswer(ctx, code, bob, "o1"); err != nil {
		t.Fatalf("submit bob: %v", err)
	}

	// Duplicate concurrent closes must score the phase exactly once.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := service.AdvancePhase(ctx, code, hostKey); err != nil {
				t.Errorf("advance: %v", err)
			}
		}()
	}
	wg.Wait()

	session, err = service.Get(ctx, code)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if session.Status != domain.StatusReveal {
		t.Fatalf("expected reveal, got %s", session.Status)
	}
	aliceScore := session.Players[alice].Score
	if aliceScore < 100 || aliceScore > 200 {
		t.Fatalf("alice scored once in [100,200], got %d", aliceScore)
	}
	if session.Players[bob].Score != 0 {
		t.Fatalf("bob answered wrong, got %d", session.Players[bob].Score)
	}

	if _, err := service.NextPhase(ctx, code, hostKey); err != nil {
		t.Fatalf("next: %v", err)
	}
	session, _ = service.Get(ctx, code)
	if session.Status != domain.StatusFinished {
		t.Fatalf("single-question pack should finish, got %s", session.Status)
	}

	// Every committed state reached the subscriber, in order.
	deadline := time.After(5 * time.Second)
	var seen []domain.Status
	for {
		var done bool
		select {
		case update := <-updates:
			seen = append(seen, update.Status)
			if update.Status == domain.StatusFinished {
				done = true
			}
		case <-deadline:
			t.Fatalf("subscriber never observed finished, saw %v", seen)
		}
		if done {
			break
		}
	}
	for i := 1; i < len(seen); i++ {
		if seen[i-1] == domain.StatusFinished {
			t.Fatalf("observed state after finished: %v", seen)
		}
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "training", "POSTGRES_PASSWORD": "trainingpass", "POSTGRES_DB": "trainingdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://training:trainingpass@%s:%s/trainingdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func seedPack(t *testing.T, ctx context.Context, dsn string, pack domain.Pack) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	data, err := json.Marshal(pack)
	if err != nil {
		t.Fatalf("marshal pack: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO content_packs (id, data) VALUES (? , ?::jsonb) ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data`, pack.ID, string(data)); err != nil {
		t.Fatalf("insert pack: %v", err)
	}
}

func samplePack() domain.Pack {
	return domain.Pack{
		ID: "pack-1",
		Questions: []domain.Question{
			{
				ID:     "q1",
				Prompt: "What is the correct compression rate for adult CPR?",
				Options: []domain.Option{
					{ID: "o1", Text: "60-80 per minute"},
					{ID: "o2", Text: "100-120 per minute"},
				},
				Expected: "o2",
			},
		},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
