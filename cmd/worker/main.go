package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/parishdesk/parishdesk/internal/app"
	"github.com/parishdesk/parishdesk/internal/authz"
	"github.com/parishdesk/parishdesk/internal/members"
	"github.com/parishdesk/parishdesk/internal/platform/db"
	"github.com/parishdesk/parishdesk/internal/shared"
	"github.com/parishdesk/parishdesk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	authzRepo := authz.NewRepository(pool)
	directory := members.NewDirectory(pool)
	auditLogger := shared.NewAuditLogger(pool)
	authzService := authz.NewService(authzRepo, directory, auditLogger, logger)

	sweepTask, err := jobs.NewSweepExpiredTask(jobs.SweepExpiredPayload{Retention: cfg.SweepRetention})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSweepExpired, Handler: jobs.NewSweepExpiredHandler(authzService, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "@daily", Task: sweepTask, Options: []asynq.Option{asynq.Queue(jobs.QueueDefault)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
