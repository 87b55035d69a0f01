package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/gcnstream/internal/chat"
	"github.com/gcnstream/internal/ledger"
	"github.com/gcnstream/internal/listener"
	"github.com/gcnstream/internal/orchestrator"
	"github.com/gcnstream/internal/storage"
	"github.com/gcnstream/internal/stream"
	"github.com/gcnstream/internal/worker"
)

// ListenCommand returns the CLI command for the Slack interactivity webhook.
func ListenCommand() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "Serve the Slack interactivity webhook",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the webhook server (overrides the config)",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.Slack.SigningSecret == "" {
				return fmt.Errorf("slack signing secret is required for the listener")
			}
			port := cfg.Listener.Port
			if c.IsSet("port") {
				port = c.Int("port")
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
			poster := chat.New(cfg.Slack.Token)
			store := storage.New(cfg.Owncloud.BaseURL, cfg.Owncloud.Username, cfg.Owncloud.Password)

			orch := orchestrator.New(queue, ledger.NewBatchStore(db), gwStore,
				gwemoptGroups(cfg), cfg.Gwemopt.NsideFlat, cfg.Paths.OutputDir,
				cfg.Slack.GWAlertChannel)
			analyzer := &stream.ExecAnalyzer{
				Bin:       cfg.Gwemopt.PlannerBin,
				NsideFlat: cfg.Gwemopt.NsideFlat,
			}
			gw := stream.NewGWProcessor(gwStore, poster, store, orch, analyzer,
				cfg.Thresholds, cfg.Slack.GWAlertChannel, cfg.Paths.NoticeDir)

			fmt.Printf("Listening for Slack actions on port %d...\n", port)
			server := listener.NewServer(port, cfg.Slack.SigningSecret, gwStore, gw, poster)
			return server.Start()
		},
	}
}
