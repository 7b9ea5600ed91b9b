package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var runFlags struct {
	noStatus bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion and processing schedule until interrupted",
	Long: `Runs both recurring jobs and serves the status API (/healthz, /metrics,
/stats, /articles/{id}, /runs, /events) on HTTP_ADDR.

On SIGINT or SIGTERM no new work starts; running jobs get the configured
shutdown grace to finish before their context is cancelled.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runFlags.noStatus, "no-status", false, "do not start the status HTTP server")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, logger, cfg, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.Scheduler()
	if err != nil {
		return err
	}

	var httpServer *http.Server
	if !runFlags.noStatus {
		httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           a.StatusHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		logger.Info("status api listening", "addr", cfg.HTTPAddr)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server stopped", "error", err)
			}
		}()
	}

	runErr := sched.Run(ctx)

	if httpServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	return runErr
}
