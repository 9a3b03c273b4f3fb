package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"scriptorium/api/internal/config"
	"scriptorium/api/internal/email"
	"scriptorium/api/internal/notify"
	"scriptorium/api/internal/queue"
	"scriptorium/api/internal/store"
)

func newWorkerCommand() *cobra.Command {
	var queues string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Deliver queued notification emails",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger := loadConfig()
			return runWorker(cmd.Context(), cfg, logger, queues)
		},
	}
	cmd.Flags().StringVar(&queues, "queues", "default=1", "queue weights, e.g. critical=6,default=3")
	return cmd
}

func runWorker(parent context.Context, cfg config.Config, logger *slog.Logger, queues string) error {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return errors.New("worker needs REDIS_URL")
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		AppURL:   cfg.AppURL,
	})
	if !mailer.IsConfigured() {
		logger.Warn("SMTP is not configured, notification tasks will be acknowledged without sending")
	}

	server, err := queue.NewAsynqServer(queue.ServerConfig{
		RedisURL:    cfg.RedisURL,
		Concurrency: cfg.WorkerConcurrency,
		Queues:      queues,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	handler := notify.NewEmailHandler(store.NewPostgresStore(db), mailer, logger)
	server.Register(notify.TaskEmail, handler.Handle)

	logger.Info("notification worker started", slog.Int("concurrency", cfg.WorkerConcurrency))
	return server.Run(ctx)
}
