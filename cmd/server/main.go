package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mtr002/taskmanager/internal/api"
	"github.com/mtr002/taskmanager/internal/auth"
	"github.com/mtr002/taskmanager/internal/config"
	"github.com/mtr002/taskmanager/internal/db"
	grpcapi "github.com/mtr002/taskmanager/internal/grpc"
	"github.com/mtr002/taskmanager/internal/jobs"
	"github.com/mtr002/taskmanager/internal/jobstore"
	"github.com/mtr002/taskmanager/internal/logger"
	"github.com/mtr002/taskmanager/internal/nats"
	"github.com/mtr002/taskmanager/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("api-service", "info", "console")
		logger.Logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Init("api-service", cfg.Log.Level, cfg.Log.Format)
	logger.Logger.Info().Msg("Starting task manager API")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	store := jobstore.New(rdb, jobstore.WithResultTTL(cfg.Jobs.ResultTTL))

	database, err := db.Connect(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.ConnectTries)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	if cfg.Database.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to run migrations")
		}
	}
	tasks := db.NewStore(database)

	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenLifetime)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to create token service")
	}

	dispatcher := jobs.NewDispatcher(store)
	control := jobs.NewControl(store, store, cfg.Worker.Queues)

	hub := websocket.NewHub()
	go hub.Run()
	defer hub.Stop()

	if cfg.NATS.Enabled {
		natsServer, err := nats.NewServer(cfg.NATS.URL, dispatcher, tokens)
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsServer.Close()

		onStatus := func(msg *nats.JobStatusMessage) {
			websocket.BroadcastJobUpdate(hub, msg)
		}
		if err := natsServer.Subscribe(onStatus); err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to subscribe to NATS")
		}
		logger.Logger.Info().Str("url", cfg.NATS.URL).Msg("NATS submissions and status events enabled")
	}

	router := api.NewRouter(api.Deps{
		Service:    "api-service",
		Dispatcher: dispatcher,
		Control:    control,
		Tokens:     tokens,
		Hub:        hub,
		Checks: map[string]api.HealthCheck{
			"redis":    store.Ping,
			"database": tasks.Ping,
		},
	})
	server := api.NewServer(router, cfg.Server.Port)
	grpcServer := grpcapi.NewServer(control)

	errCh := make(chan error, 2)
	go func() { errCh <- server.Start() }()
	go func() { errCh <- grpcapi.Serve(grpcServer, cfg.GRPC.Port) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Logger.Error().Err(err).Msg("Server exited")
		}
	}

	logger.Logger.Info().Msg("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error().Err(err).Msg("HTTP shutdown failed")
	}
	grpcServer.GracefulStop()
	logger.Logger.Info().Msg("API stopped")
}
