package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorTagayun/PFController/core"
)

func TestEmptyIsDefault(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, SourceGenerator, cfg.Source)
	assert.Empty(t, cfg.Serial.Device)
	assert.Empty(t, cfg.Monitor.Addr)
}

func TestOverridesKeepOtherDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
serial:
  device: /dev/ttyUSB1
  baud: 57600
monitor:
  addr: ":8080"
  poll_interval: 250ms
core:
  protection:
    debounce_cycles: 5
log:
  level: debug
settings_path: /var/lib/pfc/settings.yaml
`))
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB1", cfg.Serial.Device)
	assert.Equal(t, 57600, cfg.Serial.Baud)
	assert.Equal(t, 100, cfg.Serial.ReadTimeout)
	assert.Equal(t, ":8080", cfg.Monitor.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Monitor.PollInterval)
	assert.Equal(t, 5, cfg.Core.Protection.DebounceCycles)
	assert.Equal(t, core.DefaultConfig().PFC, cfg.Core.PFC)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/lib/pfc/settings.yaml", cfg.SettingsPath)
}

func TestZeroRatesFollowControlRate(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
core:
  sample_rate: 3200
generator:
  sample_rate: 0
plant:
  sample_rate: 0
`))
	require.NoError(t, err)
	assert.Equal(t, 3200.0, cfg.Generator.SampleRate)
	assert.Equal(t, 3200.0, cfg.Plant.SampleRate)
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "bogus: 1\n"},
		{"unknown source", "source: scope\n"},
		{"simulate without generator", "source: none\nsimulate: true\n"},
		{"rate mismatch", "generator:\n  sample_rate: 1000\n"},
		{"bad yaml", "serial: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pfcd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("source: none\nsimulate: false\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, SourceNone, cfg.Source)
	assert.False(t, cfg.Simulate)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
