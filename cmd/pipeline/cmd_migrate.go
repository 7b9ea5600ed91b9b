package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"news-pipeline/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema migrations",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.StoreKind != "postgres" {
		return errors.New("migrate needs STORE=postgres")
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}
