package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/gcnstream/internal/config"
	"github.com/gcnstream/internal/logging"
	"github.com/gcnstream/internal/orchestrator"
)

// loadConfig loads and validates the configuration and sets up logging.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logging.Setup(c.String("log-level"), c.Bool("console"))
	return cfg, nil
}

// gwemoptGroups zips the parallel telescope configuration slices into the
// orchestrator's fan-out groups. Validate already checked the lengths match.
func gwemoptGroups(cfg *config.Config) []orchestrator.Group {
	groups := make([]orchestrator.Group, 0, len(cfg.Gwemopt.Telescopes))
	for i, telescopes := range cfg.Gwemopt.Telescopes {
		groups = append(groups, orchestrator.Group{
			Telescopes: telescopes,
			Tiles:      cfg.Gwemopt.NumberOfTiles[i],
			Strategy:   cfg.Gwemopt.ObservationStrategy[i],
		})
	}
	return groups
}
