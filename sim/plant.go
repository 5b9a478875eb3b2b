// Package sim closes the control loop without hardware: a power stage and
// DC bus model feeding the bus voltage and phase current back into the
// synthetic ADC generator.
package sim

import (
	"math"
	"sync"

	"github.com/VictorTagayun/PFController/adc"
	"github.com/VictorTagayun/PFController/control"
	"github.com/VictorTagayun/PFController/settings"
)

// PlantConfig describes the simulated bus
type PlantConfig struct {
	SampleRate    float64 `yaml:"sample_rate"`    // integration steps per second
	Capacitance   float64 `yaml:"capacitance"`    // farads
	LoadPower     float64 `yaml:"load_power"`     // watts drawn while the main contactor is closed
	BoostCurrent  float64 `yaml:"boost_current"`  // bus current at full duty, amperes
	RectifiedPeak float64 `yaml:"rectified_peak"` // uncontrolled rectifier level, volts
	PrechargeOhms float64 `yaml:"precharge_ohms"`
	MainOhms      float64 `yaml:"main_ohms"`
	BleedOhms     float64 `yaml:"bleed_ohms"`
}

// DefaultPlantConfig matches the default generator and calibration: 324 V
// phase peak rectifies to about 560 V, 550 V after line drop.
func DefaultPlantConfig() PlantConfig {
	return PlantConfig{
		SampleRate:    6400,
		Capacitance:   0.01,
		LoadPower:     3000,
		BoostCurrent:  40,
		RectifiedPeak: 550,
		PrechargeOhms: 20,
		MainOhms:      1,
		BleedOhms:     50000,
	}
}

// Plant implements control.Stage
type Plant struct {
	cfg PlantConfig
	gen *adc.Generator
	cal settings.CalibrationEntry

	mu        sync.Mutex
	ud        float64
	lastDrive control.Drive
	faulted   bool
	faultCode uint8
	applied   uint64
}

// NewPlant creates a discharged bus writing its voltage to gen through the
// inverse of the UD calibration. gen may be nil.
func NewPlant(cfg PlantConfig, gen *adc.Generator, udCal settings.CalibrationEntry) *Plant {
	def := DefaultPlantConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Capacitance <= 0 {
		cfg.Capacitance = def.Capacitance
	}
	if cfg.BoostCurrent <= 0 {
		cfg.BoostCurrent = def.BoostCurrent
	}
	if cfg.PrechargeOhms <= 0 {
		cfg.PrechargeOhms = def.PrechargeOhms
	}
	if cfg.MainOhms <= 0 {
		cfg.MainOhms = def.MainOhms
	}
	if cfg.BleedOhms <= 0 {
		cfg.BleedOhms = def.BleedOhms
	}
	p := &Plant{cfg: cfg, gen: gen, cal: udCal}
	p.feedback(0)
	return p
}

// Apply advances the model by one sample period under d
func (p *Plant) Apply(d control.Drive) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastDrive = d
	p.applied++
	dt := 1 / p.cfg.SampleRate

	var in float64
	// Diode rectifier through whichever path is closed
	if p.ud < p.cfg.RectifiedPeak {
		switch {
		case d.Main:
			in += (p.cfg.RectifiedPeak - p.ud) / p.cfg.MainOhms
		case d.Precharge:
			in += (p.cfg.RectifiedPeak - p.ud) / p.cfg.PrechargeOhms
		}
	}
	if d.Enable && !p.faulted && (d.Main || d.Precharge) {
		in += float64(d.Duty) * p.cfg.BoostCurrent * float64(enabledPhases(d.Channels)) / 3
	}

	out := p.ud / p.cfg.BleedOhms
	if d.Main && p.ud > 1 {
		out += p.cfg.LoadPower / p.ud
	}

	p.ud += (in - out) * dt / p.cfg.Capacitance
	if p.ud < 0 {
		p.ud = 0
	}
	p.feedback(in)
}

func (p *Plant) feedback(in float64) {
	if p.gen == nil {
		return
	}
	code := p.cal.Offset
	if p.cal.Multiplier != 0 {
		code += float32(p.ud) / p.cal.Multiplier
	}
	p.gen.SetLevel(adc.ChUD, float64(code))

	scale := in / p.cfg.BoostCurrent
	p.gen.SetCurrentScale(math.Max(0.02, math.Min(scale, 2)))
}

func enabledPhases(ch [3]bool) int {
	n := 0
	for _, on := range ch {
		if on {
			n++
		}
	}
	return n
}

// Fault implements control.Stage
func (p *Plant) Fault() (bool, uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.faulted, p.faultCode
}

// InjectFault latches a driver fault with the given code
func (p *Plant) InjectFault(code uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faulted = true
	p.faultCode = code
}

// ClearFault releases an injected fault
func (p *Plant) ClearFault() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faulted = false
	p.faultCode = 0
}

// Ud returns the modelled bus voltage
func (p *Plant) Ud() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ud
}

// SetUd forces the bus voltage, for scenario setup
func (p *Plant) SetUd(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ud = v
	p.feedback(0)
}

// LastDrive returns the drive of the latest Apply
func (p *Plant) LastDrive() control.Drive {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastDrive
}

// Applied returns the number of Apply calls
func (p *Plant) Applied() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied
}
