package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	migrationsdb "scriptorium/api/db"
	"scriptorium/api/internal/app"
	"scriptorium/api/internal/config"
	"scriptorium/api/internal/notify"
	"scriptorium/api/internal/presence"
	"scriptorium/api/internal/queue"
	"scriptorium/api/internal/store"
)

func newServeCommand() *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger := loadConfig()
			return serve(cmd.Context(), cfg, logger, !skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on start")
	return cmd
}

func serve(parent context.Context, cfg config.Config, logger *slog.Logger, migrate bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if migrate {
		migrations, err := migrationsdb.Migrations(cfg.MigrationsDir)
		if err != nil {
			return err
		}
		applied, err := store.ApplyMigrations(ctx, db, migrations)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", slog.Any("versions", applied))
		}
	}

	var (
		presenceStore presence.Store   = presence.NewMemoryStore()
		deliverer     notify.Deliverer = notify.LogDeliverer{Logger: logger}
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisPresence, err := presence.NewRedisStore(ctx, cfg.RedisURL, 10*cfg.PresenceTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisPresence.Close()
		presenceStore = redisPresence

		client, err := queue.NewAsynqClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		deliverer = notify.NewQueueDeliverer(client, logger)
		logger.Info("using redis for presence and notification delivery")
	} else {
		logger.Info("REDIS_URL not set, presence is in-process and notifications are only logged")
	}

	service := app.New(cfg, app.Deps{
		Store:     store.NewPostgresStore(db),
		Presence:  presenceStore,
		Deliverer: deliverer,
		Logger:    logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Scriptorium API listening", slog.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.Any("error", err))
		}
		return nil
	})
	return g.Wait()
}
