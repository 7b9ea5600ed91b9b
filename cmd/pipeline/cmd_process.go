package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"news-pipeline/internal/models"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one processing cycle over pending articles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOnce(cmd, models.JobProcessing)
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one ingestion pass over the configured sites",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOnce(cmd, models.JobIngestion)
	},
}

func runOnce(cmd *cobra.Command, job string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, _, _, err := openApp(ctx, job == models.JobProcessing)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.RunOnce(ctx, job)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: touched %d article(s)", job, rep.Touched)
	if rep.Partial {
		fmt.Fprint(out, ", some will be retried")
	}
	fmt.Fprintln(out)
	return err
}
