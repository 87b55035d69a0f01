package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/gcnstream/internal/chat"
	"github.com/gcnstream/internal/ledger"
	"github.com/gcnstream/internal/storage"
	"github.com/gcnstream/internal/worker"
)

// WorkerCommand returns the CLI command for the background worker process:
// plan generation, batch cleanup and the delayed Swift analysis.
func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run the observation-plan and analysis workers",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			db, err := ledger.Open(cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()

			deps := worker.Deps{
				Poster:  chat.New(cfg.Slack.Token),
				Storage: storage.New(cfg.Owncloud.BaseURL, cfg.Owncloud.Username, cfg.Owncloud.Password),
				Engine: worker.NewExecEngine(cfg.Gwemopt.PlannerBin,
					cfg.Gwemopt.PathGalaxyCatalog, cfg.Gwemopt.GalaxyCatalog),
				Barrier: ledger.NewBatchStore(db),
				Flags:   ledger.NewGWStore(db),
				Swift:   worker.NewSwiftFetcher(worker.DefaultSwiftBaseURL),
			}

			queue, err := worker.NewJobQueue(cfg.Database.URL, cfg.Worker.MaxWorkers, deps)
			if err != nil {
				return err
			}
			defer queue.Close()

			ctx := context.Background()
			if err := queue.Start(ctx); err != nil {
				return err
			}
			fmt.Printf("Working jobs with %d worker(s)...\n", cfg.Worker.MaxWorkers)

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
			<-quit

			stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			return queue.Stop(stopCtx)
		},
	}
}
