package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"platesolver/internal/catalog"
	"platesolver/internal/errors"
	"platesolver/internal/extract"
	"platesolver/internal/solver"
)

const (
	defaultConfigPath = "~/.config/platesolver/config.json"
	defaultParallel   = 2

	// EnvConfig overrides the config file location.
	EnvConfig = "PLATESOLVER_CONFIG"
)

// Config holds user-editable settings for the solver and its services.
type Config struct {
	Solver     solver.Config  `json:"solver"`
	Extraction extract.Config `json:"extraction"`
	Catalog    Catalog        `json:"catalog"`
	Processing Processing     `json:"processing"`
	Logging    Logging        `json:"logging"`
	Paths      Paths          `json:"paths"`
	Server     Server         `json:"server"`
}

// Catalog selects the reference star source.
type Catalog struct {
	Path   string `json:"path"`
	Format string `json:"format"` // hyg, gaia, csv, sqlite; empty detects from the extension
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	QueueSize    int    `json:"queue_size"`
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Server configures the long-running surfaces.
type Server struct {
	HTTPAddr  string   `json:"http_addr"`
	GRPCAddr  string   `json:"grpc_addr"`
	WatchDirs []string `json:"watch_dirs"`
	// WatchRate is the sustained number of watch-triggered solves per
	// second; WatchBurst the bucket size.
	WatchRate  float64 `json:"watch_rate"`
	WatchBurst int     `json:"watch_burst"`
}

// Path returns the config file location in effect.
func Path() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFrom(Path())
}

// LoadFrom reads the file at path over the defaults. A missing file yields
// the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrInput), "decode %s", expanded)
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON, creating parent
// directories.
func (c *Config) Save(path string) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return errors.Wrap(err, "create config directory")
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, append(data, '\n'), 0o644)
}

// SolverConfig is the solver section with the extraction settings applied.
func (c *Config) SolverConfig() solver.Config {
	sc := c.Solver
	sc.Extract = c.Extraction
	return sc
}

// Validate rejects settings nothing can run with.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs < 1 {
		return errors.Inputf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.Inputf("logging.level %q", c.Logging.Level)
	}
	switch catalog.Format(strings.ToLower(c.Catalog.Format)) {
	case "", catalog.FormatHYG, catalog.FormatGaia, catalog.FormatCSV, catalog.FormatSQLite:
	default:
		return errors.Inputf("catalog.format %q", c.Catalog.Format)
	}
	if c.Server.WatchRate < 0 || c.Server.WatchBurst < 0 {
		return errors.Inputf("server watch rate %g burst %d", c.Server.WatchRate, c.Server.WatchBurst)
	}
	if c.Extraction.Sigma < 0 || c.Extraction.MinPixels < 0 {
		return errors.Inputf("extraction sigma %g min_pixels %d", c.Extraction.Sigma, c.Extraction.MinPixels)
	}
	return errors.Wrap(c.Solver.Validate(), "solver")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Solver:     solver.DefaultConfig(),
		Extraction: extract.DefaultConfig(),
		Catalog: Catalog{
			Path: filepath.Join("~", ".local", "share", "platesolver", "catalog.db"),
		},
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    100,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "platesolver.db"),
		},
		Server: Server{
			HTTPAddr:   ":8080",
			GRPCAddr:   ":9090",
			WatchRate:  1,
			WatchBurst: 4,
		},
	}
}

// ExpandUser resolves a leading ~ to the home directory.
func ExpandUser(path string) (string, error) { return expandUser(path) }

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
