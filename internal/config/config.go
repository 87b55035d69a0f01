package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/gcnstream/internal/alert"
)

// Config represents the application configuration
type Config struct {
	Kafka struct {
		Brokers      []string `koanf:"brokers"`
		GroupID      string   `koanf:"group_id"`
		ClientID     string   `koanf:"client_id"`
		ClientSecret string   `koanf:"client_secret"`
		Topics       []string `koanf:"topics"`
		RestartQueue bool     `koanf:"restart_queue"`
	} `koanf:"kafka"`

	Slack struct {
		Token            string `koanf:"token"`
		SigningSecret    string `koanf:"signing_secret"`
		GWAlertChannel   string `koanf:"gw_alert_channel"`
		GWAlertChannelID string `koanf:"gw_alert_channel_id"`
		GRBAlertChannel  string `koanf:"grb_alert_channel"`
	} `koanf:"slack"`

	Thresholds alert.Thresholds `koanf:"thresholds"`

	Gwemopt struct {
		Telescopes          [][]string `koanf:"telescopes"`
		NumberOfTiles       [][]int    `koanf:"number_of_tiles"`
		ObservationStrategy []string   `koanf:"observation_strategy"`
		NsideFlat           int        `koanf:"nside_flat"`
		PlannerBin          string     `koanf:"planner_bin"`
		PathGalaxyCatalog   string     `koanf:"path_galaxy_catalog"`
		GalaxyCatalog       string     `koanf:"galaxy_catalog"`
	} `koanf:"gwemopt"`

	Owncloud struct {
		BaseURL  string `koanf:"base_url"`
		Username string `koanf:"username"`
		Password string `koanf:"password"`
	} `koanf:"owncloud"`

	Paths struct {
		NoticeDir string `koanf:"notice_dir"`
		OutputDir string `koanf:"output_dir"`
	} `koanf:"paths"`

	Database struct {
		URL string `koanf:"url"`
	} `koanf:"database"`

	Listener struct {
		Port int `koanf:"port"`
	} `koanf:"listener"`

	Worker struct {
		MaxWorkers int `koanf:"max_workers"`
	} `koanf:"worker"`
}

// SwiftAnalysisDelay is how long the delayed Swift analysis follow-up task
// waits before its first fetch, giving the analysis page time to publish.
const SwiftAnalysisDelay = 180 * time.Second

// LoadConfig loads the configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	// Set up default configuration
	k.Load(confmap.Provider(map[string]interface{}{
		"kafka.group_id":         "gcnstream",
		"listener.port":          8787,
		"worker.max_workers":     4,
		"paths.notice_dir":       "./notices",
		"paths.output_dir":       "./gwemopt_output",
		"gwemopt.nside_flat":     128,
		"gwemopt.planner_bin":    "gwemopt-cli",
		"gwemopt.galaxy_catalog": "mangrove",
	}, "."), nil)

	// Load from TOML file if it exists
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		// Try to load from default locations
		defaultPaths := []string{"./gcnstream.toml", "$HOME/.gcnstream.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// Load from environment variables with prefix GCNSTREAM_
	k.Load(env.Provider("GCNSTREAM_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "GCNSTREAM_")
		return strings.Replace(strings.ToLower(s), "_", ".", -1)
	}), nil)

	// Unmarshal into Config struct
	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration
func Validate(config *Config) error {
	if len(config.Kafka.Topics) == 0 {
		return fmt.Errorf("at least one kafka topic is required")
	}

	if config.Slack.Token == "" {
		return fmt.Errorf("slack token is required")
	}

	if config.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}

	n := len(config.Gwemopt.Telescopes)
	if len(config.Gwemopt.NumberOfTiles) != n || len(config.Gwemopt.ObservationStrategy) != n {
		return fmt.Errorf(
			"gwemopt telescopes, number_of_tiles and observation_strategy must have the same length (got %d, %d, %d)",
			n, len(config.Gwemopt.NumberOfTiles), len(config.Gwemopt.ObservationStrategy),
		)
	}

	return nil
}
