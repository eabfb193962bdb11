package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"quizroom-service/internal/app"
	"quizroom-service/internal/auth"
	"quizroom-service/internal/config"
	"quizroom-service/internal/domain"
	"quizroom-service/internal/hub"
	"quizroom-service/internal/infra/memory"
	pgstore "quizroom-service/internal/infra/postgres"
	redisstore "quizroom-service/internal/infra/redis"
	transport "quizroom-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
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

	service, cleanup, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := transport.DefaultOptions()
	opts.SendQueue = config.IntOr(cfg.Server.SendQueue, opts.SendQueue)
	opts.Burst = config.IntOr(cfg.Server.Burst, opts.Burst)
	if cfg.Server.MessagesPerSecond > 0 {
		opts.MessagesPerSecond = cfg.Server.MessagesPerSecond
	}
	opts.PingInterval = config.TTLDuration(cfg.Server.PingInterval, opts.PingInterval)
	opts.AllowedOrigins = cfg.Server.AllowedOrigins

	wsHandler := transport.NewWSHandler(service, logger, opts)

	// No write timeout: websocket connections are long-lived.
	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           transport.NewRouter(wsHandler, logger),
		ReadHeaderTimeout: 15 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("port", finalPort).Info("starting quiz room service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-serveErr:
		logger.WithError(err).Error("failed to start server")
		return fmt.Errorf("listen on :%s: %w", finalPort, err)
	case <-stop:
		logger.Info("shutting down server...")
	case <-ctx.Done():
		logger.Info("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildService wires the registry, problem bank and auth from cfg. Redis and
// Postgres are optional; without them everything stays in memory.
func buildService(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*app.QuizService, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	authority, err := auth.NewAuthority(cfg.Admin.Password, cfg.Admin.PasswordHash)
	if err != nil {
		return nil, cleanup, err
	}
	if cfg.Admin.Password == "" && cfg.Admin.PasswordHash == "" {
		logger.Warn("no admin secret configured, admin commands are disabled")
	}

	tokens, err := auth.NewTokenIssuer(cfg.Auth.TokenSecret, config.TTLDuration(cfg.Auth.TokenTTL, 6*time.Hour))
	if err != nil {
		return nil, cleanup, err
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = redisClient.Close() })
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)

	var loader memory.ProblemSetLoader = memory.NewStaticProblemSetLoader(sampleProblemSets())
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		closers = append(closers, pool.Close)
		loader = pgstore.NewProblemSetLoader(pool)
	}

	bankTTL := config.TTLDuration(cfg.ProblemBank.TTL, 10*time.Minute)
	var sets app.ProblemSetRepository
	if redisClient != nil {
		sets = redisstore.NewProblemSetRepository(redisClient, loader, bankTTL)
	} else {
		sets = memory.NewProblemSetRepository(loader, bankTTL)
	}

	var rooms app.RoomRepository
	if redisClient != nil {
		rooms = redisstore.NewRoomStore(redisClient, redisTTL)
	} else {
		rooms = memory.NewRoomStore()
	}

	defaults := app.DefaultRoomSettings()
	settings := app.RoomSettings{
		AnswerWindow:    config.TTLDuration(cfg.Quiz.AnswerWindow, defaults.AnswerWindow),
		CorrectAward:    config.IntOr(cfg.Quiz.CorrectAward, defaults.CorrectAward),
		TransitionGuard: config.TTLDuration(cfg.Quiz.TransitionGuard, defaults.TransitionGuard),
		AutoAdvance:     config.BoolOr(cfg.Quiz.AutoAdvance, defaults.AutoAdvance),
	}

	service := app.NewQuizService(rooms, sets, hub.New(logger), authority, tokens,
		app.WithLogger(logger),
		app.WithRoomSettings(settings),
		app.WithCreateOnJoin(cfg.Quiz.CreateOnJoin),
		app.WithRetireAfter(config.TTLDuration(cfg.Quiz.RetireAfter, 0)),
	)
	return service, cleanup, nil
}

// sampleProblemSets is the bank used when no Postgres is configured.
func sampleProblemSets() map[string]domain.ProblemSet {
	return map[string]domain.ProblemSet{
		"sample": {
			ID:    "sample",
			Title: "Warm-up",
			Problems: []domain.ProblemInput{
				{
					Title:   "What is 2 + 2?",
					Options: []domain.Option{{Title: "3"}, {Title: "4"}, {Title: "5"}},
					Answer:  1,
				},
				{
					Title:   "Which planet is known as the red planet?",
					Options: []domain.Option{{Title: "Venus"}, {Title: "Mars"}, {Title: "Jupiter"}},
					Answer:  1,
				},
			},
		},
	}
}
