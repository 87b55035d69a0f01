package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8787, cfg.Listener.Port)
	assert.Equal(t, 4, cfg.Worker.MaxWorkers)
	assert.Equal(t, 128, cfg.Gwemopt.NsideFlat)
	assert.Equal(t, "gcnstream", cfg.Kafka.GroupID)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gcnstream.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[database]
url = "postgres://file/db"

[listener]
port = 9999
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://file/db", cfg.Database.URL)
	assert.Equal(t, 9999, cfg.Listener.Port)
	assert.Equal(t, 4, cfg.Worker.MaxWorkers, "unset keys keep their defaults")
}

func TestEnvOverridesFileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gcnstream.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[database]
url = "postgres://file/db"
`), 0o644))

	t.Setenv("GCNSTREAM_DATABASE_URL", "postgres://env-override/db")
	t.Setenv("GCNSTREAM_SLACK_TOKEN", "xoxb-from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env-override/db", cfg.Database.URL)
	assert.Equal(t, "xoxb-from-env", cfg.Slack.Token)
}

func TestValidateRejectsMismatchedGwemoptLists(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Kafka.Topics = []string{"igwn.gwalert"}
	cfg.Slack.Token = "xoxb-x"
	cfg.Database.URL = "postgres://x/db"
	cfg.Gwemopt.Telescopes = [][]string{{"TCA"}, {"TCH"}}
	cfg.Gwemopt.NumberOfTiles = [][]int{{10}}
	cfg.Gwemopt.ObservationStrategy = []string{"tiling"}

	assert.Error(t, Validate(cfg))

	cfg.Gwemopt.NumberOfTiles = [][]int{{10}, {10}}
	cfg.Gwemopt.ObservationStrategy = []string{"tiling", "tiling"}
	assert.NoError(t, Validate(cfg))
}
