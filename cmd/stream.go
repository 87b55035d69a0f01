package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/gcnstream/internal/chat"
	"github.com/gcnstream/internal/config"
	"github.com/gcnstream/internal/ledger"
	"github.com/gcnstream/internal/orchestrator"
	"github.com/gcnstream/internal/storage"
	"github.com/gcnstream/internal/stream"
	"github.com/gcnstream/internal/worker"
)

// StreamCommand returns the CLI command for the alert reception process: the
// Kafka consumers, the reception ledger and the Slack threads.
func StreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Consume GCN notices, maintain the reception ledger and Slack threads",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "restart-queue",
				Usage: "Re-read every topic from its first offset",
			},
		},
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

			queue, err := worker.NewInsertOnly(cfg.Database.URL)
			if err != nil {
				return err
			}
			defer queue.Close()

			gwStore := ledger.NewGWStore(db)
			grbStore := ledger.NewGRBStore(db)
			batches := ledger.NewBatchStore(db)
			poster := chat.New(cfg.Slack.Token)
			store := storage.New(cfg.Owncloud.BaseURL, cfg.Owncloud.Username, cfg.Owncloud.Password)

			orch := orchestrator.New(queue, batches, gwStore, gwemoptGroups(cfg),
				cfg.Gwemopt.NsideFlat, cfg.Paths.OutputDir, cfg.Slack.GWAlertChannel)
			analyzer := &stream.ExecAnalyzer{
				Bin:       cfg.Gwemopt.PlannerBin,
				NsideFlat: cfg.Gwemopt.NsideFlat,
			}

			gw := stream.NewGWProcessor(gwStore, poster, store, orch, analyzer,
				cfg.Thresholds, cfg.Slack.GWAlertChannel, cfg.Paths.NoticeDir)
			grb := stream.NewGRBProcessor(grbStore, poster, queue,
				cfg.Slack.GRBAlertChannel, config.SwiftAnalysisDelay)

			loop, err := stream.NewLoop(stream.LoopConfig{
				Brokers:      cfg.Kafka.Brokers,
				GroupID:      cfg.Kafka.GroupID,
				ClientID:     cfg.Kafka.ClientID,
				ClientSecret: cfg.Kafka.ClientSecret,
				Topics:       cfg.Kafka.Topics,
				RestartQueue: c.Bool("restart-queue"),
			}, gw, grb)
			if err != nil {
				return err
			}
			defer loop.Close()

			fmt.Printf("Consuming %d topic(s)...\n", len(cfg.Kafka.Topics))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
