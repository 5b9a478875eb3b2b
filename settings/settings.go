// Package settings holds the persisted configuration of the controller:
// channel calibration, protection thresholds and capacitor regulation.
package settings

import (
	"fmt"
	"math"

	"github.com/VictorTagayun/PFController/adc"
)

// CalibrationEntry maps a raw code to engineering units:
// calibrated = (raw - Offset) * Multiplier
type CalibrationEntry struct {
	Offset     float32 `yaml:"offset"`
	Multiplier float32 `yaml:"multiplier"`
}

// Apply converts one raw code
func (e CalibrationEntry) Apply(raw uint16) float32 {
	return (float32(raw) - e.Offset) * e.Multiplier
}

// Calibration is the per channel calibration table
type Calibration [adc.NumChannels]CalibrationEntry

// ProtectionThresholds are the trip limits of the protection monitor.
// Voltages in volts, currents in amperes, frequency in hertz, temperature
// in degrees Celsius.
type ProtectionThresholds struct {
	UdMin          float32 `yaml:"ud_min"`
	UdMax          float32 `yaml:"ud_max"`
	TemperatureMax float32 `yaml:"temperature_max"`
	UMin           float32 `yaml:"u_min"`
	UMax           float32 `yaml:"u_max"`
	FMin           float32 `yaml:"f_min"`
	FMax           float32 `yaml:"f_max"`
	IMaxRMS        float32 `yaml:"i_max_rms"`
	IMaxPeak       float32 `yaml:"i_max_peak"`
}

// CapacitorSettings configure the DC bus regulator
type CapacitorSettings struct {
	Kp          float32 `yaml:"kp"`
	Ki          float32 `yaml:"ki"`
	Kd          float32 `yaml:"kd"`
	UdNominal   float32 `yaml:"ud_nominal"`
	UdPrecharge float32 `yaml:"ud_precharge"`
}

// Settings is everything that survives a power cycle
type Settings struct {
	Calibration Calibration
	Protection  ProtectionThresholds
	Capacitor   CapacitorSettings
}

// ValidationError names the first offending field of a rejected write
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func finite(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}

// Validate checks that every entry is finite
func (c *Calibration) Validate() error {
	for ch, e := range c {
		name := adc.Channel(ch).String()
		if !finite(e.Offset) {
			return &ValidationError{Field: "calibration." + name + ".offset", Reason: "not finite"}
		}
		if !finite(e.Multiplier) {
			return &ValidationError{Field: "calibration." + name + ".multiplier", Reason: "not finite"}
		}
	}
	return nil
}

// Validate checks finiteness, min < max per pair and positive limits
func (p *ProtectionThresholds) Validate() error {
	fields := []struct {
		name string
		v    float32
	}{
		{"ud_min", p.UdMin}, {"ud_max", p.UdMax},
		{"temperature_max", p.TemperatureMax},
		{"u_min", p.UMin}, {"u_max", p.UMax},
		{"f_min", p.FMin}, {"f_max", p.FMax},
		{"i_max_rms", p.IMaxRMS}, {"i_max_peak", p.IMaxPeak},
	}
	for _, f := range fields {
		if !finite(f.v) {
			return &ValidationError{Field: f.name, Reason: "not finite"}
		}
		if f.v < 0 {
			return &ValidationError{Field: f.name, Reason: "negative"}
		}
	}

	pairs := []struct {
		name     string
		min, max float32
	}{
		{"ud_min", p.UdMin, p.UdMax},
		{"u_min", p.UMin, p.UMax},
		{"f_min", p.FMin, p.FMax},
	}
	for _, pr := range pairs {
		if pr.min >= pr.max {
			return &ValidationError{Field: pr.name, Reason: "must be below its maximum"}
		}
	}

	if p.TemperatureMax == 0 {
		return &ValidationError{Field: "temperature_max", Reason: "must be positive"}
	}
	if p.IMaxRMS == 0 {
		return &ValidationError{Field: "i_max_rms", Reason: "must be positive"}
	}
	if p.IMaxPeak == 0 {
		return &ValidationError{Field: "i_max_peak", Reason: "must be positive"}
	}
	return nil
}

// Validate checks gains and setpoints
func (c *CapacitorSettings) Validate() error {
	gains := []struct {
		name string
		v    float32
	}{{"kp", c.Kp}, {"ki", c.Ki}, {"kd", c.Kd}}
	for _, g := range gains {
		if !finite(g.v) {
			return &ValidationError{Field: g.name, Reason: "not finite"}
		}
		if g.v < 0 {
			return &ValidationError{Field: g.name, Reason: "negative"}
		}
	}

	if !finite(c.UdNominal) || c.UdNominal <= 0 {
		return &ValidationError{Field: "ud_nominal", Reason: "must be positive"}
	}
	if !finite(c.UdPrecharge) || c.UdPrecharge <= 0 {
		return &ValidationError{Field: "ud_precharge", Reason: "must be positive"}
	}
	if c.UdPrecharge > c.UdNominal {
		return &ValidationError{Field: "ud_precharge", Reason: "above ud_nominal"}
	}
	return nil
}

// Validate checks all three groups
func (s *Settings) Validate() error {
	if err := s.Calibration.Validate(); err != nil {
		return err
	}
	if err := s.Protection.Validate(); err != nil {
		return err
	}
	return s.Capacitor.Validate()
}

// DefaultCalibration matches the reference front end: AC channels centred
// on mid-scale, DC bus and temperatures referenced to zero.
func DefaultCalibration() Calibration {
	var c Calibration
	for ch := range c {
		c[ch] = CalibrationEntry{Offset: 2000, Multiplier: 0.02}
	}
	c[adc.ChUD] = CalibrationEntry{Offset: 0, Multiplier: 0.2}
	for _, ch := range adc.VoltageChannels {
		c[ch] = CalibrationEntry{Offset: 2000, Multiplier: 0.18}
	}
	for _, ch := range adc.TemperatureChannels {
		c[ch] = CalibrationEntry{Offset: 0, Multiplier: 0.02}
	}
	return c
}

// DefaultProtection returns conservative limits for a 230 V / 50 Hz grid
func DefaultProtection() ProtectionThresholds {
	return ProtectionThresholds{
		UdMin:          450,
		UdMax:          780,
		TemperatureMax: 80,
		UMin:           250,
		UMax:           400,
		FMin:           45,
		FMax:           55,
		IMaxRMS:        30,
		IMaxPeak:       50,
	}
}

// DefaultCapacitor returns the regulator defaults
func DefaultCapacitor() CapacitorSettings {
	return CapacitorSettings{
		Kp:          0.01,
		Ki:          0.1,
		Kd:          0,
		UdNominal:   700,
		UdPrecharge: 540,
	}
}

// Default returns a complete, valid settings set
func Default() Settings {
	return Settings{
		Calibration: DefaultCalibration(),
		Protection:  DefaultProtection(),
		Capacitor:   DefaultCapacitor(),
	}
}
