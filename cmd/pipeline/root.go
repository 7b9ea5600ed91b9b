package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"news-pipeline/internal/app"
	"news-pipeline/internal/config"
	"news-pipeline/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	logLevel   string
}

var rootCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "News article ingestion and processing pipeline",
	Long: "pipeline discovers news articles on configured sites and advances each one\n" +
		"through relevance, research, technical analysis and writing.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootFlags.configPath, "config", "", "YAML config file (overrides PIPELINE_CONFIG)")
	f.StringVar(&rootFlags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.Version = version
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFrom(rootFlags.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if rootFlags.logLevel != "" {
		cfg.LogLevel = rootFlags.logLevel
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openApp wires the application. needVendors is set by commands that run the
// processing job.
func openApp(ctx context.Context, needVendors bool) (*app.App, *slog.Logger, config.Config, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, cfg, err
	}
	if needVendors {
		if err := cfg.ValidateVendors(); err != nil {
			return nil, nil, cfg, fmt.Errorf("invalid config: %w", err)
		}
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, cfg, err
	}
	return a, logger, cfg, nil
}
