package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefault(t *testing.T) {
	cfg, err := LoadNode("", "")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "poseidon", cfg.Forest.Hasher)
	assert.Equal(t, 12*time.Second, cfg.Coordinator.TickInterval.Duration)
	assert.Equal(t, "2", cfg.Rewards.PremiumRate.String())
	assert.Equal(t, uint64(10), cfg.Rewards.MinEmptyQueueAge)
	assert.False(t, cfg.PostgreSQL.Enabled)
}

func TestLoadFileOverlay(t *testing.T) {
	dir, err := os.MkdirTemp("", "tmpconfig")
	require.NoError(t, err)
	defer func() { assert.NoError(t, os.RemoveAll(dir)) }()

	path := filepath.Join(dir, "cfg.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[Forest]
Hasher = "mimc"
TaxiDepth = 4

[Coordinator]
TickInterval = "0s"
`), 0600))
	cfg, err := LoadNode(path, "")
	require.NoError(t, err)
	assert.Equal(t, "mimc", cfg.Forest.Hasher)
	assert.Equal(t, 4, cfg.Forest.TaxiDepth)
	// untouched values keep their defaults
	assert.Equal(t, 16, cfg.Forest.BusDepth)
	assert.Equal(t, time.Duration(0), cfg.Coordinator.TickInterval.Duration)
}

func TestLoadEnvOverlay(t *testing.T) {
	t.Setenv("FOREST_LOG_LEVEL", "debug")
	t.Setenv("FOREST_STATEDB_PATH", "/tmp/forest-env")
	cfg, err := LoadNode("", "")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/forest-env", cfg.StateDB.Path)
}

func TestLoadDotEnv(t *testing.T) {
	dir, err := os.MkdirTemp("", "tmpconfig")
	require.NoError(t, err)
	defer func() { assert.NoError(t, os.RemoveAll(dir)) }()

	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath,
		[]byte("FOREST_API_ADDRESS=0.0.0.0:9000\n"), 0600))
	// registered so t.Setenv restores the environment after the test
	t.Setenv("FOREST_API_ADDRESS", "")
	require.NoError(t, os.Unsetenv("FOREST_API_ADDRESS"))

	cfg, err := LoadNode("", envPath)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.API.Address)
}

func TestValidation(t *testing.T) {
	dir, err := os.MkdirTemp("", "tmpconfig")
	require.NoError(t, err)
	defer func() { assert.NoError(t, os.RemoveAll(dir)) }()

	path := filepath.Join(dir, "cfg.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[Forest]
Hasher = "sha256"
`), 0600))
	_, err = LoadNode(path, "")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
[Coordinator]
TickInterval = "twelve"
`), 0600))
	_, err = LoadNode(path, "")
	assert.Error(t, err)
}
