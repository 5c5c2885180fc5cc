package main

import (
	"github.com/spf13/cobra"

	srv "github.com/mohammad-safakhou/fitplan/internal/server"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	var migDir string
	var migDirDefault = "file://migrations"
	var direction string
	var steps int

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(*cfgPath)
			if err != nil {
				return err
			}
			dsn, err := cfg.Databases.Postgres.DSN()
			if err != nil {
				return err
			}
			if migDir == "" {
				migDir = migDirDefault
			}
			if err := srv.Migrate(migDir, dsn, direction, steps); err != nil {
				return err
			}
			logger.WithField("direction", direction).WithField("steps", steps).Info("migrations applied")
			return nil
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", migDirDefault, "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	return migrate
}
