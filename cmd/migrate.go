package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/logging"
	pgstore "github.com/JakeFAU/booth-crawler/internal/storage/postgres"
)

// errNoDSN is returned when a migration runs without database.dsn.
var errNoDSN = errors.New("database.dsn is required to run migrations")

// Swapped in tests.
var (
	migrateUp   = pgstore.MigrateUp
	migrateDown = pgstore.MigrateDown
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Applies or rolls back the Postgres schema",
	}
	up := &cobra.Command{
		Use:   "up",
		Short: "Applies every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, err := migrationDSN(cmd)
			if err != nil {
				return err
			}
			logger, err := migrationLogger(cmd)
			if err != nil {
				return err
			}
			return migrateUp(dsn, logger)
		},
	}
	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Rolls back the most recent migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps <= 0 {
				return fmt.Errorf("--steps must be > 0")
			}
			dsn, err := migrationDSN(cmd)
			if err != nil {
				return err
			}
			logger, err := migrationLogger(cmd)
			if err != nil {
				return err
			}
			return migrateDown(dsn, steps, logger)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(up, down)
	return cmd
}

func migrationDSN(cmd *cobra.Command) (string, error) {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return "", err
	}
	if cfg.Database.DSN == "" {
		return "", errNoDSN
	}
	return cfg.Database.DSN, nil
}

func migrationLogger(cmd *cobra.Command) (*zap.Logger, error) {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return logger.Named("migrate"), nil
}
