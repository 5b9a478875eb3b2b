// Package config loads the daemon configuration from YAML
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/VictorTagayun/PFController/adc"
	"github.com/VictorTagayun/PFController/core"
	"github.com/VictorTagayun/PFController/host/serial"
	"github.com/VictorTagayun/PFController/logging"
	"github.com/VictorTagayun/PFController/sim"
)

// Acquisition sources
const (
	SourceGenerator = "generator" // synthetic grid, optionally closed through the plant model
	SourceNone      = "none"      // no samples: protocol only, the state machine stays in INIT
)

// Config is the whole daemon configuration
type Config struct {
	Source    string              `yaml:"source"`
	Simulate  bool                `yaml:"simulate"` // close the loop through sim.Plant
	Generator adc.GeneratorConfig `yaml:"generator"`
	Plant     sim.PlantConfig     `yaml:"plant"`
	Core      core.Config         `yaml:"core"`

	// SettingsPath is the persisted settings file; empty keeps settings
	// in memory only
	SettingsPath string `yaml:"settings_path"`

	// Serial is the operator link. An empty device disables it.
	Serial  serial.Config  `yaml:"serial"`
	Monitor MonitorConfig  `yaml:"monitor"`
	Log     logging.Config `yaml:"log"`
}

// MonitorConfig is the WebSocket bridge. An empty address disables it.
type MonitorConfig struct {
	Addr         string        `yaml:"addr"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Origins      []string      `yaml:"origins"`   // empty allows any
	ReadOnly     bool          `yaml:"read_only"` // refuse operator commands
}

// Default returns a configuration running the simulated converter with
// no serial link
func Default() *Config {
	return &Config{
		Source:    SourceGenerator,
		Simulate:  true,
		Generator: adc.DefaultGeneratorConfig(),
		Plant:     sim.DefaultPlantConfig(),
		Core:      core.DefaultConfig(),
		Serial:    *serial.DefaultConfig(""),
		Monitor:   MonitorConfig{PollInterval: 500 * time.Millisecond},
		Log:       logging.DefaultConfig(),
	}
}

// Load reads path over the defaults
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML over the defaults. Unknown keys are an error.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults replaces explicit zeros that would stall the daemon
func applyDefaults(cfg *Config) {
	if cfg.Source == "" {
		cfg.Source = SourceGenerator
	}
	if cfg.Core.SampleRate <= 0 {
		cfg.Core.SampleRate = core.DefaultConfig().SampleRate
	}
	// The generator, the plant and the control loop share one clock
	if cfg.Generator.SampleRate <= 0 {
		cfg.Generator.SampleRate = cfg.Core.SampleRate
	}
	if cfg.Plant.SampleRate <= 0 {
		cfg.Plant.SampleRate = cfg.Core.SampleRate
	}
	if cfg.Core.HandoffDepth <= 0 {
		cfg.Core.HandoffDepth = 1
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = serial.DefaultConfig("").Baud
	}
	if cfg.Serial.ReadTimeout <= 0 {
		cfg.Serial.ReadTimeout = serial.DefaultConfig("").ReadTimeout
	}
	if cfg.Monitor.PollInterval <= 0 {
		cfg.Monitor.PollInterval = 500 * time.Millisecond
	}
}

// Validate rejects inconsistent combinations
func (c *Config) Validate() error {
	switch c.Source {
	case SourceGenerator, SourceNone:
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}
	if c.Simulate && c.Source != SourceGenerator {
		return errors.New("simulate needs the generator source")
	}
	if c.Generator.SampleRate != c.Core.SampleRate {
		return fmt.Errorf("generator sample rate %g differs from control rate %g",
			c.Generator.SampleRate, c.Core.SampleRate)
	}
	return nil
}
