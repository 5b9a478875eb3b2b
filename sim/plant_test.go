package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorTagayun/PFController/adc"
	"github.com/VictorTagayun/PFController/control"
	"github.com/VictorTagayun/PFController/settings"
)

var allPhases = [3]bool{true, true, true}

func run(p *Plant, d control.Drive, n int) {
	for i := 0; i < n; i++ {
		p.Apply(d)
	}
}

func TestPrechargeApproachesRectifiedPeak(t *testing.T) {
	cfg := DefaultPlantConfig()
	p := NewPlant(cfg, nil, settings.CalibrationEntry{})
	require.Zero(t, p.Ud())

	// Contactors open: nothing charges the bus
	run(p, control.Drive{}, 100)
	assert.Zero(t, p.Ud())

	// Five RC time constants through the precharge resistor
	run(p, control.Drive{Precharge: true}, 6400)
	assert.InDelta(t, cfg.RectifiedPeak, p.Ud(), 10)
	assert.LessOrEqual(t, p.Ud(), cfg.RectifiedPeak)
	assert.Equal(t, uint64(6500), p.Applied())
}

func TestBoostRaisesBusAboveRectifier(t *testing.T) {
	cfg := DefaultPlantConfig()
	p := NewPlant(cfg, nil, settings.CalibrationEntry{})
	p.SetUd(cfg.RectifiedPeak)

	d := control.Drive{Enable: true, Duty: 1, Main: true, Channels: allPhases}
	run(p, d, 200)
	assert.Greater(t, p.Ud(), cfg.RectifiedPeak+50)
	assert.Equal(t, d, p.LastDrive())

	// Fewer phases deliver proportionally less current
	one := NewPlant(cfg, nil, settings.CalibrationEntry{})
	one.SetUd(cfg.RectifiedPeak)
	run(one, control.Drive{Enable: true, Duty: 1, Main: true, Channels: [3]bool{true}}, 200)
	assert.Less(t, one.Ud(), p.Ud())
}

func TestFaultStopsBoost(t *testing.T) {
	cfg := DefaultPlantConfig()
	p := NewPlant(cfg, nil, settings.CalibrationEntry{})
	p.SetUd(700)

	p.InjectFault(5)
	faulted, code := p.Fault()
	assert.True(t, faulted)
	assert.Equal(t, uint8(5), code)

	run(p, control.Drive{Enable: true, Duty: 1, Main: true, Channels: allPhases}, 200)
	assert.Less(t, p.Ud(), 700.0, "load discharges the bus while the stage is faulted")

	p.ClearFault()
	faulted, code = p.Fault()
	assert.False(t, faulted)
	assert.Zero(t, code)
}

func TestFeedbackUsesInverseCalibration(t *testing.T) {
	gcfg := adc.DefaultGeneratorConfig()
	gcfg.Noise = 0
	gen := adc.NewGenerator(gcfg)

	cal := settings.CalibrationEntry{Offset: 100, Multiplier: 0.5}
	p := NewPlant(DefaultPlantConfig(), gen, cal)
	assert.Equal(t, uint16(100), gen.Next()[adc.ChUD])

	p.SetUd(400)
	raw := gen.Next()
	assert.Equal(t, uint16(900), raw[adc.ChUD])
	assert.InDelta(t, 400, cal.Apply(raw[adc.ChUD]), 0.5)
}

func TestZeroConfigTakesDefaults(t *testing.T) {
	p := NewPlant(PlantConfig{RectifiedPeak: 100}, nil, settings.CalibrationEntry{})
	def := DefaultPlantConfig()
	assert.Equal(t, def.Capacitance, p.cfg.Capacitance)
	assert.Equal(t, def.SampleRate, p.cfg.SampleRate)
	assert.Equal(t, 100.0, p.cfg.RectifiedPeak)
}
