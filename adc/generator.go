package adc

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"time"
)

// GeneratorConfig shapes the synthetic grid signals
type GeneratorConfig struct {
	SampleRate       float64 `yaml:"sample_rate"`       // samples per second
	Frequency        float64 `yaml:"frequency"`         // grid frequency, Hz
	VoltageAmplitude float64 `yaml:"voltage_amplitude"` // codes, peak
	CurrentAmplitude float64 `yaml:"current_amplitude"` // codes, peak
	Offset           float64 `yaml:"offset"`            // mid-scale code of AC channels
	DCLevel          float64 `yaml:"dc_level"`          // code of DC channels
	Noise            int     `yaml:"noise"`             // DC channels add [0, Noise) codes
	Seed             int64   `yaml:"seed"`
}

// DefaultGeneratorConfig is a 50 Hz grid sampled 128 times per period
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		SampleRate:       6400,
		Frequency:        50,
		VoltageAmplitude: 1800,
		CurrentAmplitude: 1000,
		Offset:           2000,
		DCLevel:          2000,
		Noise:            50,
		Seed:             1,
	}
}

// Generator is a Source producing a balanced three phase grid with
// positive sequence rotation (B lags A by 120 degrees, C by 240).
// DC channel levels and the current scale can be changed while running.
type Generator struct {
	cfg   GeneratorConfig
	rng   *rand.Rand
	phase float64

	frequency    atomic.Uint64 // float64 bits
	currentScale atomic.Uint64 // float64 bits
	levels       [NumChannels]atomic.Uint64
	hasLevel     [NumChannels]atomic.Bool
}

// NewGenerator creates a generator; zero config fields take defaults
func NewGenerator(cfg GeneratorConfig) *Generator {
	def := DefaultGeneratorConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = def.Frequency
	}
	if cfg.Offset == 0 {
		cfg.Offset = def.Offset
	}
	if cfg.DCLevel == 0 {
		cfg.DCLevel = def.DCLevel
	}
	if cfg.Noise < 0 {
		cfg.Noise = 0
	}

	g := &Generator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	g.frequency.Store(math.Float64bits(cfg.Frequency))
	g.currentScale.Store(math.Float64bits(1))
	return g
}

// SetFrequency changes the grid frequency; phase stays continuous
func (g *Generator) SetFrequency(hz float64) {
	g.frequency.Store(math.Float64bits(hz))
}

// SetCurrentScale scales the phase current amplitude (0 = no load)
func (g *Generator) SetCurrentScale(scale float64) {
	g.currentScale.Store(math.Float64bits(scale))
}

// SetLevel pins a channel to a fixed code instead of its default signal
func (g *Generator) SetLevel(ch Channel, code float64) {
	if int(ch) >= NumChannels {
		return
	}
	g.levels[ch].Store(math.Float64bits(code))
	g.hasLevel[ch].Store(true)
}

// ClearLevel returns a channel to its default signal
func (g *Generator) ClearLevel(ch Channel) {
	if int(ch) < NumChannels {
		g.hasLevel[ch].Store(false)
	}
}

// Next computes the following sample. Not safe for concurrent use.
func (g *Generator) Next() RawSample {
	var s RawSample

	freq := math.Float64frombits(g.frequency.Load())
	g.phase += 2 * math.Pi * freq / g.cfg.SampleRate
	if g.phase >= 2*math.Pi {
		g.phase -= 2 * math.Pi
	}

	iAmp := g.cfg.CurrentAmplitude * math.Float64frombits(g.currentScale.Load())
	for k := 0; k < 3; k++ {
		shift := float64(k) * 2 * math.Pi / 3
		sin := math.Sin(g.phase - shift)
		s[VoltageChannels[k]] = toCode(g.cfg.Offset + g.cfg.VoltageAmplitude*sin)
		s[CurrentChannels[k]] = toCode(g.cfg.Offset + iAmp*sin)
	}

	for ch := Channel(0); ch < NumChannels; ch++ {
		if ch.IsAC() && !g.hasLevel[ch].Load() {
			continue
		}
		level := g.cfg.DCLevel
		if g.hasLevel[ch].Load() {
			level = math.Float64frombits(g.levels[ch].Load())
		}
		if g.cfg.Noise > 0 {
			level += float64(g.rng.Intn(g.cfg.Noise))
		}
		s[ch] = toCode(level)
	}

	return s
}

// Start emits samples at the configured rate until ctx ends. A late tick
// emits every sample that became due, so the long run rate is exact.
func (g *Generator) Start(ctx context.Context, obs Observer) error {
	tick := time.Duration(float64(time.Second) / g.cfg.SampleRate)
	if tick < 100*time.Microsecond {
		tick = 100 * time.Microsecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	start := time.Now()
	var emitted uint64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			due := uint64(now.Sub(start).Seconds() * g.cfg.SampleRate)
			for ; emitted < due; emitted++ {
				obs.OnSampleReady(g.Next())
			}
		}
	}
}

func toCode(v float64) uint16 {
	switch {
	case v <= 0:
		return 0
	case v >= ADCMax:
		return ADCMax
	default:
		return uint16(math.Round(v))
	}
}
