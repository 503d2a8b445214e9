package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platesolver/internal/errors"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	t.Setenv(EnvConfig, filepath.Join(t.TempDir(), "nope.json"))
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Solver.MagnitudeLadder, cfg.Solver.MagnitudeLadder)
	require.NoError(t, cfg.Validate())
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := Default()
	cfg.Catalog.Path = "/data/hyg.csv"
	cfg.Solver.MinMatches = 9
	cfg.Extraction.Sigma = 3.5
	require.NoError(t, cfg.Save(path))

	got, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/hyg.csv", got.Catalog.Path)
	assert.Equal(t, 9, got.Solver.MinMatches)

	sc := got.SolverConfig()
	assert.Equal(t, 3.5, sc.Extract.Sigma)
	assert.Equal(t, cfg.Solver.TimeBudget, sc.TimeBudget)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644))
	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, defaultParallel, cfg.Processing.ParallelJobs)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":`), 0o644))
	_, err := LoadFrom(path)
	assert.True(t, errors.Is(err, errors.ErrInput))
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"parallel":  func(c *Config) { c.Processing.ParallelJobs = 0 },
		"level":     func(c *Config) { c.Logging.Level = "loud" },
		"format":    func(c *Config) { c.Catalog.Format = "fits" },
		"watchrate": func(c *Config) { c.Server.WatchRate = -1 },
		"ladder":    func(c *Config) { c.Solver.MagnitudeLadder = []float64{15, 10} },
	} {
		cfg := Default()
		mutate(cfg)
		err := cfg.Validate()
		assert.True(t, errors.Is(err, errors.ErrInput), name)
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err := ExpandUser("~/x/y")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x/y"), got)

	got, err = ExpandUser("/abs")
	require.NoError(t, err)
	assert.Equal(t, "/abs", got)
}
