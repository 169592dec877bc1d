package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mtr002/taskmanager/internal/api"
	"github.com/mtr002/taskmanager/internal/config"
	"github.com/mtr002/taskmanager/internal/db"
	"github.com/mtr002/taskmanager/internal/jobs"
	"github.com/mtr002/taskmanager/internal/jobstore"
	"github.com/mtr002/taskmanager/internal/logger"
	"github.com/mtr002/taskmanager/internal/nats"
	"github.com/mtr002/taskmanager/internal/scheduler"
	"github.com/mtr002/taskmanager/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("worker-service", "info", "console")
		logger.Logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Init("worker-service", cfg.Log.Level, cfg.Log.Format)
	logger.Logger.Info().Strs("queues", cfg.Worker.Queues).Int("concurrency", cfg.Worker.Concurrency).Msg("Starting worker service")

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
	tasks := db.NewStore(database)

	runner := jobs.NewRunner(tasks, tasks, jobs.WithTiming(jobs.Timing{
		NotifyStepDelay:  cfg.Jobs.NotifyStepDelay,
		BulkItemDelay:    cfg.Jobs.BulkItemDelay,
		ReportStageDelay: cfg.Jobs.ReportStageDelay,
	}))

	var opts []worker.Option
	if cfg.NATS.Enabled {
		publisher, err := nats.NewClient(cfg.NATS.URL, "taskmanager-worker")
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer publisher.Close()
		opts = append(opts, worker.WithPublisher(publisher))
	}

	pool := worker.NewPool(store, store, runner, worker.Config{
		Concurrency:       cfg.Worker.Concurrency,
		Queues:            cfg.Worker.Queues,
		PollTimeout:       cfg.Worker.PollTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		RetryBackoff:      cfg.Jobs.RetryBackoff,
	}, opts...)
	pool.Start(ctx)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(jobs.NewDispatcher(store), store)
		if err := sched.Add("cleanup", cfg.Scheduler.CleanupSchedule, jobs.CleanupPayload{}); err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to schedule cleanup")
		}
		sched.Start()
	}

	var metricsServer *api.Server
	if cfg.Worker.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = api.NewServer(mux, cfg.Worker.MetricsPort)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Logger.Error().Err(err).Msg("Metrics server exited")
			}
		}()
	}

	<-ctx.Done()
	logger.Logger.Info().Msg("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if sched != nil {
		sched.Stop()
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Logger.Error().Err(err).Msg("Worker pool did not drain")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	logger.Logger.Info().Msg("Worker service stopped")
}
