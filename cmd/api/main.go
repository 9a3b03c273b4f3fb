package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"scriptorium/api/internal/config"
	"scriptorium/api/internal/logging"
)

var envFile string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "scriptorium-api",
		Short:         "Collaborative document session API",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	root.AddCommand(
		newServeCommand(),
		newWorkerCommand(),
		newMigrateCommand(),
		newTokenCommand(),
	)
	return root
}

// loadConfig reads the optional env file and then the environment.
func loadConfig() (config.Config, *slog.Logger) {
	envErr := config.LoadEnvFile(envFile)
	cfg := config.Load()
	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Service: "scriptorium-api",
		JSON:    true,
	})
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Warn("could not load env file", slog.String("path", envFile), slog.Any("error", envErr))
	}
	return cfg, logger
}
