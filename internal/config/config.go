package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	defaultConfigPath = "~/.config/deepfield/config.json"
	envConfig         = "DEEPFIELD_CONFIG"
)

// Config holds user-editable settings for the reduction pipeline.
type Config struct {
	Reduction Reduction `json:"reduction" yaml:"reduction"`
	Logging   Logging   `json:"logging" yaml:"logging"`
	Paths     Paths     `json:"paths" yaml:"paths"`
	Database  Database  `json:"database" yaml:"database"`
	Server    Server    `json:"server" yaml:"server"`
	Watch     Watch     `json:"watch" yaml:"watch"`
	Preview   Preview   `json:"preview" yaml:"preview"`
}

// Reduction controls the combination recipe.
type Reduction struct {
	RefIndex  int       `json:"ref_index" yaml:"ref_index"`
	Method    string    `json:"method" yaml:"method"`     // mean, median
	SkyMode   string    `json:"sky_mode" yaml:"sky_mode"` // none, simple, advanced
	MaskFill  float64   `json:"mask_fill" yaml:"mask_fill"`
	ImageFill float64   `json:"image_fill" yaml:"image_fill"`
	SkyFill   float64   `json:"sky_fill" yaml:"sky_fill"`
	Errors    bool      `json:"errors" yaml:"errors"` // write VARIANCE and MAP
	Refine    Refine    `json:"refine" yaml:"refine"`
	Detection Detection `json:"detection" yaml:"detection"`
}

// Refine tunes cross-correlation refinement.
type Refine struct {
	Enabled   bool    `json:"enabled" yaml:"enabled"`
	Box       int     `json:"box" yaml:"box"`
	Quadrants bool    `json:"quadrants" yaml:"quadrants"`
	MaxShift  int     `json:"max_shift" yaml:"max_shift"`
	MaxIter   int     `json:"max_iter" yaml:"max_iter"`
	Tolerance float64 `json:"tolerance" yaml:"tolerance"`
}

// Detection tunes the built-in source segmenter.
type Detection struct {
	SNR     float64 `json:"snr" yaml:"snr"`
	MinArea int     `json:"min_area" yaml:"min_area"`
	Border  int     `json:"border" yaml:"border"`
	FWHM    float64 `json:"fwhm" yaml:"fwhm"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input" yaml:"default_input"`
	DefaultOutput string `json:"default_output" yaml:"default_output"`
	DatabasePath  string `json:"database_path" yaml:"database_path"`
}

// Database selects the SQL driver.
type Database struct {
	Driver string `json:"driver" yaml:"driver"` // sqlite (pure Go), sqlite3 (cgo)
}

// Server configures the status daemon.
type Server struct {
	Addr     string `json:"addr" yaml:"addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// Watch configures the round watcher.
type Watch struct {
	RoundSize int    `json:"round_size" yaml:"round_size"`
	Settle    string `json:"settle" yaml:"settle"` // duration a file must stay quiet
	Pattern   string `json:"pattern" yaml:"pattern"`
}

// Preview configures quick-look images.
type Preview struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Stretch string `json:"stretch" yaml:"stretch"` // asinh, linear
}

// Path returns the configuration file location Load reads.
func Path() string {
	if p := os.Getenv(envConfig); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	expanded, err := expandUser(Path())
	if err != nil {
		return nil, err
	}
	return LoadFile(expanded)
}

// LoadFile reads path over the defaults. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the reduction cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Reduction.Method) {
	case "", "mean", "average", "median":
	default:
		return fmt.Errorf("reduction.method %q is not mean or median", c.Reduction.Method)
	}
	switch strings.ToLower(c.Reduction.SkyMode) {
	case "", "none", "off", "simple", "median", "advanced", "masked":
	default:
		return fmt.Errorf("reduction.sky_mode %q is not none, simple or advanced", c.Reduction.SkyMode)
	}
	if c.Reduction.MaskFill == 0 {
		return fmt.Errorf("reduction.mask_fill must be nonzero, uncovered pixels are always excluded")
	}
	if c.Reduction.RefIndex < 0 {
		return fmt.Errorf("reduction.ref_index must not be negative")
	}
	switch c.Database.Driver {
	case "", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver %q is not sqlite or sqlite3", c.Database.Driver)
	}
	if c.Watch.RoundSize < 0 {
		return fmt.Errorf("watch.round_size must not be negative")
	}
	return nil
}

// Marshal renders the configuration as indented JSON, or YAML when asYAML.
func (c *Config) Marshal(asYAML bool) ([]byte, error) {
	if asYAML {
		return yaml.Marshal(c)
	}
	return json.MarshalIndent(c, "", "  ")
}

// Default returns the built-in settings.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	return &Config{
		Reduction: Reduction{
			RefIndex:  0,
			Method:    "mean",
			SkyMode:   "simple",
			MaskFill:  1,
			ImageFill: 1,
			SkyFill:   0,
			Errors:    true,
			Refine: Refine{
				Enabled:   true,
				Box:       64,
				Quadrants: true,
				MaxShift:  10,
				MaxIter:   10,
				Tolerance: 0.01,
			},
			Detection: Detection{SNR: 3, MinArea: 15, Border: 0, FWHM: 0},
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "deepfield.db"),
		},
		Database: Database{Driver: "sqlite"},
		Server:   Server{Addr: ":8080", GRPCAddr: ":9090"},
		Watch:    Watch{RoundSize: 4, Settle: "2s", Pattern: "*.fits"},
		Preview:  Preview{Enabled: false, Stretch: "asinh"},
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
