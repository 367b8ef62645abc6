package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"firstaid-live-service/internal/app"
	"firstaid-live-service/internal/config"
	"firstaid-live-service/internal/domain"
	"firstaid-live-service/internal/infra/memory"
	pgloader "firstaid-live-service/internal/infra/postgres"
	redisinfra "firstaid-live-service/internal/infra/redis"
	"firstaid-live-service/internal/scoring"
	"firstaid-live-service/internal/statechan"
	transport "firstaid-live-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	sessionTTL := config.TTLDuration(cfg.Redis.TTL, 2*time.Hour)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var loader memory.PackLoader = memory.NewStaticPackLoader(samplePacks())
	if pool != nil {
		loader = pgloader.NewPackLoader(pool)
	}

	contentTTL := config.TTLDuration(cfg.Content.TTL, 10*time.Minute)
	var packs app.PackRepository
	if redisClient != nil {
		packs = redisinfra.NewPackRepository(redisClient, loader, contentTTL)
	} else {
		packs = memory.NewPackRepository(loader, contentTTL)
	}

	var channel statechan.Channel
	if redisClient != nil {
		channel = redisinfra.NewChannel(redisClient, sessionTTL)
	} else {
		channel = memory.NewChannel()
	}

	service := app.NewSessionService(channel, packs, app.Options{
		Rules: scoring.Rules{
			BasePoints:    cfg.Session.BasePoints,
			MaxSpeedBonus: cfg.Session.MaxSpeedBonus,
			PhaseLimit:    time.Duration(cfg.Session.PhaseSeconds) * time.Second,
		},
		DuelRounds: cfg.Session.DuelRounds,
		CodeLength: cfg.Session.CodeLength,
	})
	wsHandler := transport.NewWSHandler(service)
	sessionHandler := transport.NewSessionHandler(service, cfg.Server.PublicURL)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	mux.HandleFunc("/sessions", sessionHandler.CreateSession)
	mux.HandleFunc("/sessions/qr", sessionHandler.JoinQR)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("port", finalPort).Msg("starting session service")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down server")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// samplePacks provides minimal demo content; production deployments load
// packs from Postgres instead.
func samplePacks() map[string]domain.Pack {
	return map[string]domain.Pack{
		"basics-1": {
			ID:    "basics-1",
			Title: "First aid basics",
			Questions: []domain.Question{
				{
					ID:     "q1",
					Prompt: "What is the correct compression rate for adult CPR?",
					Options: []domain.Option{
						{ID: "o1", Text: "60-80 per minute"},
						{ID: "o2", Text: "100-120 per minute"},
						{ID: "o3", Text: "140-160 per minute"},
					},
					Expected: "o2",
				},
				{
					ID:     "q2",
					Prompt: "Which number do you dial for emergency services in the EU?",
					Options: []domain.Option{
						{ID: "o1", Text: "112"},
						{ID: "o2", Text: "911"},
						{ID: "o3", Text: "101"},
					},
					Expected: "o1",
				},
			},
			Steps: []domain.Step{
				{
					ID:            "s1",
					VictimPrompt:  "You are lying on the ground, unresponsive but breathing.",
					RescuerPrompt: "The person is unresponsive but breathing. What do you do first?",
					Options: []domain.StepOption{
						{ID: "o1", Text: "Start chest compressions", Correct: false, Feedback: "They are breathing; compressions are for cardiac arrest."},
						{ID: "o2", Text: "Place them in the recovery position", Correct: true, Feedback: "Right: recovery position keeps the airway clear."},
					},
				},
			},
		},
	}
}
