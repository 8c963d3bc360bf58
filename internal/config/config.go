package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"

	"chromalign/internal/display"
	"chromalign/internal/fsutil"
	"chromalign/internal/register"
	"chromalign/internal/stack"
)

const (
	defaultConfigPath = "~/.config/chromalign/config.json"
	defaultParallel   = 2
	envPrefix         = "CHROMALIGN_"
)

// Config holds user-editable settings.
type Config struct {
	Alignment  AlignmentConfig `json:"alignment" yaml:"alignment" envPrefix:"ALIGN_"`
	Display    Display         `json:"display" yaml:"display" envPrefix:"DISPLAY_"`
	Export     Export          `json:"export" yaml:"export" envPrefix:"EXPORT_"`
	Processing Processing      `json:"processing" yaml:"processing" envPrefix:"PROCESSING_"`
	Logging    Logging         `json:"logging" yaml:"logging" envPrefix:"LOG_"`
	Paths      Paths           `json:"paths" yaml:"paths" envPrefix:"PATHS_"`
	Server     Server          `json:"server" yaml:"server" envPrefix:"SERVER_"`
}

// AlignmentConfig is what the registration core consumes.
type AlignmentConfig struct {
	Projection     string  `json:"projection" yaml:"projection" env:"PROJECTION"` // max, frame
	FrameIndex     int     `json:"frame_index" yaml:"frame_index" env:"FRAME_INDEX"`
	UpsampleFactor int     `json:"upsample_factor" yaml:"upsample_factor" env:"UPSAMPLE_FACTOR"`
	Window         int     `json:"window" yaml:"window" env:"WINDOW"`
	FillValue      float64 `json:"fill_value" yaml:"fill_value" env:"FILL_VALUE"`
	MinConfidence  float64 `json:"min_confidence" yaml:"min_confidence" env:"MIN_CONFIDENCE"`
	SettleDelayMS  int     `json:"settle_delay_ms" yaml:"settle_delay_ms" env:"SETTLE_DELAY_MS"`
	Workers        int     `json:"workers" yaml:"workers" env:"WORKERS"` // 0 = NumCPU
}

// Display controls preview rendering only.
type Display struct {
	Mode           string  `json:"mode" yaml:"mode" env:"MODE"` // minmax, percentile
	LowPercentile  float64 `json:"low_percentile" yaml:"low_percentile" env:"LOW_PERCENTILE"`
	HighPercentile float64 `json:"high_percentile" yaml:"high_percentile" env:"HIGH_PERCENTILE"`
	ReferenceColor string  `json:"reference_color" yaml:"reference_color" env:"REFERENCE_COLOR"`
	TargetColor    string  `json:"target_color" yaml:"target_color" env:"TARGET_COLOR"`
}

// Export configures written stacks.
type Export struct {
	Prefix      string `json:"prefix" yaml:"prefix" env:"PREFIX"`
	Compression string `json:"compression" yaml:"compression" env:"COMPRESSION"` // deflate, none
}

// Processing captures execution preferences for the job pipeline.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs" yaml:"parallel_jobs" env:"PARALLEL_JOBS"`
	QueueSize    int `json:"queue_size" yaml:"queue_size" env:"QUEUE_SIZE"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format     string `json:"format" yaml:"format" env:"FORMAT"` // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output" env:"FILE_OUTPUT"`
	LogDir     string `json:"log_dir" yaml:"log_dir" env:"DIR"`
}

// Paths configures default locations.
type Paths struct {
	DefaultOutput string `json:"default_output" yaml:"default_output" env:"DEFAULT_OUTPUT"`
	DatabasePath  string `json:"database_path" yaml:"database_path" env:"DATABASE"`
}

// Server configures the HTTP/WebSocket surface.
type Server struct {
	Addr        string `json:"addr" yaml:"addr" env:"ADDR"`
	WatchInputs bool   `json:"watch_inputs" yaml:"watch_inputs" env:"WATCH_INPUTS"`
}

// Load reads configuration from CHROMALIGN_CONFIG or the default path,
// falling back to defaults when the file does not exist, then applies
// CHROMALIGN_* environment overrides.
func Load() (*Config, error) {
	configPath := os.Getenv(envPrefix + "CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(fsutil.ExpandUser(configPath))
}

// LoadFile is Load for an explicit path. The format follows the extension:
// .yaml/.yml are YAML, anything else JSON.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Alignment: AlignmentConfig{
			Projection:     "max",
			FrameIndex:     0,
			UpsampleFactor: 100,
			Window:         11,
			FillValue:      0,
			MinConfidence:  1.5,
			SettleDelayMS:  250,
		},
		Display: Display{
			Mode:           "minmax",
			LowPercentile:  0.5,
			HighPercentile: 99.5,
			ReferenceColor: "#ff00ff",
			TargetColor:    "#00ff00",
		},
		Export: Export{
			Prefix:      "frame",
			Compression: "deflate",
		},
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    64,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./aligned",
			DatabasePath:  filepath.Join(os.TempDir(), "chromalign.db"),
		},
		Server: Server{
			Addr: ":8080",
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	a := c.Alignment
	if _, err := stack.ParseProjectionMode(a.Projection); err != nil {
		errs = append(errs, fmt.Errorf("alignment.projection: %w", err))
	}
	if a.FrameIndex < 0 {
		errs = append(errs, fmt.Errorf("alignment.frame_index must be >= 0, got %d", a.FrameIndex))
	}
	if err := c.RegisterOptions().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("alignment: %w", err))
	}
	if math.IsNaN(a.FillValue) || a.FillValue < 0 || a.FillValue > math.MaxUint16 {
		errs = append(errs, fmt.Errorf("alignment.fill_value %v outside 0..65535", a.FillValue))
	}
	if a.SettleDelayMS < 0 {
		errs = append(errs, fmt.Errorf("alignment.settle_delay_ms must be >= 0"))
	}
	if a.Workers < 0 {
		errs = append(errs, fmt.Errorf("alignment.workers must be >= 0"))
	}

	if _, err := display.ParseMode(c.Display.Mode); err != nil {
		errs = append(errs, fmt.Errorf("display.mode: %w", err))
	}
	d := c.Display
	if d.LowPercentile < 0 || d.HighPercentile > 100 || d.LowPercentile >= d.HighPercentile {
		errs = append(errs, fmt.Errorf("display percentiles must satisfy 0 <= low < high <= 100"))
	}
	if _, err := display.ParsePalette(d.ReferenceColor, d.TargetColor); err != nil {
		errs = append(errs, fmt.Errorf("display: %w", err))
	}

	switch strings.ToLower(c.Export.Compression) {
	case "", "deflate", "zip", "none", "uncompressed":
	default:
		errs = append(errs, fmt.Errorf("export.compression %q not supported", c.Export.Compression))
	}
	if c.Processing.ParallelJobs < 1 {
		errs = append(errs, fmt.Errorf("processing.parallel_jobs must be >= 1"))
	}
	return errors.Join(errs...)
}

// RegisterOptions converts the alignment section for the registration core.
func (c *Config) RegisterOptions() register.Options {
	return register.Options{
		UpsampleFactor: c.Alignment.UpsampleFactor,
		Window:         c.Alignment.Window,
		MinConfidence:  c.Alignment.MinConfidence,
	}
}

// ProjectionMode returns the configured projection, defaulting to max.
func (c *Config) ProjectionMode() stack.ProjectionMode {
	m, err := stack.ParseProjectionMode(c.Alignment.Projection)
	if err != nil {
		return stack.ProjectMax
	}
	return m
}

// SettleDelay is the quiet period after a nudge before previews settle.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Alignment.SettleDelayMS) * time.Millisecond
}

// Mapper builds the preview mapper.
func (c *Config) Mapper() display.Mapper {
	mode, _ := display.ParseMode(c.Display.Mode)
	return display.Mapper{Mode: mode, LowPercentile: c.Display.LowPercentile, HighPercentile: c.Display.HighPercentile}
}

// Palette builds the overlay palette, falling back to magenta/green.
func (c *Config) Palette() display.Palette {
	p, err := display.ParsePalette(c.Display.ReferenceColor, c.Display.TargetColor)
	if err != nil {
		return display.DefaultPalette()
	}
	return p
}
