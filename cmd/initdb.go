package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/urfave/cli/v2"

	"github.com/gcnstream/internal/ledger"
)

// InitDBCommand returns the CLI command that creates the ledger schema and
// the job queue schema.
func InitDBCommand() *cli.Command {
	return &cli.Command{
		Name:  "init-db",
		Usage: "Create the reception ledger and job queue schema",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx := context.Background()

			db, err := ledger.Open(cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := ledger.InitSchema(ctx, db); err != nil {
				return err
			}

			pool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
			if err != nil {
				return fmt.Errorf("failed to create job queue migrator: %w", err)
			}
			if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
				return fmt.Errorf("failed to migrate job queue schema: %w", err)
			}

			fmt.Println("Ledger and job queue schema are up to date.")
			return nil
		},
	}
}
