package measure

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorTagayun/PFController/adc"
	"github.com/VictorTagayun/PFController/settings"
)

func TestConditionerConvergesMonotonically(t *testing.T) {
	cal := settings.DefaultCalibration()
	c := NewConditioner()

	var first, target adc.RawSample
	for ch := range first {
		first[ch] = 100
		target[ch] = 3000
	}

	c.Process(first, &cal)
	start := c.Filtered()

	prevErr := make([]float64, adc.NumChannels)
	for ch := range prevErr {
		prevErr[ch] = math.Inf(1)
	}

	for i := 0; i < 300; i++ {
		c.Process(target, &cal)
		f := c.Filtered()
		for ch := 0; ch < adc.NumChannels; ch++ {
			want := cal[ch].Apply(3000)
			lo := math.Min(float64(start[ch]), float64(want))
			hi := math.Max(float64(start[ch]), float64(want))

			// Convex combination: never outside the input range
			require.GreaterOrEqual(t, float64(f[ch]), lo-1e-3)
			require.LessOrEqual(t, float64(f[ch]), hi+1e-3)

			e := math.Abs(float64(f[ch] - want))
			require.LessOrEqual(t, e, prevErr[ch]+1e-4)
			prevErr[ch] = e
		}
	}

	for ch := 0; ch < adc.NumChannels; ch++ {
		assert.InDelta(t, cal[ch].Apply(3000), c.Filtered()[ch], 0.01)
	}
}

func TestConditionerFilterStep(t *testing.T) {
	var cal settings.Calibration
	for ch := range cal {
		cal[ch] = settings.CalibrationEntry{Offset: 0, Multiplier: 1}
	}
	c := NewConditioner()

	c.Process(adc.RawSample{}, &cal)
	c.Process(adc.RawSample{1000}, &cal)
	assert.InDelta(t, 100, c.Value(adc.ChUD), 1e-3)
	assert.InDelta(t, 1000, c.Instant()[adc.ChUD], 1e-3)
	assert.InDelta(t, 100, c.RawFiltered()[adc.ChUD], 1e-3)

	// Codes beyond the converter range are not clamped
	for i := 0; i < 200; i++ {
		c.Process(adc.RawSample{60000}, &cal)
	}
	assert.InDelta(t, 60000, c.Value(adc.ChUD), 1)

	c.Reset()
	assert.Zero(t, c.Samples())
	c.Process(adc.RawSample{7}, &cal)
	assert.InDelta(t, 7, c.Value(adc.ChUD), 1e-6)
}

func feedGrid(t *testing.T, a *Analyzer, g *adc.Generator, cal *settings.Calibration, n int) {
	t.Helper()
	c := NewConditioner()
	for i := 0; i < n; i++ {
		c.Process(g.Next(), cal)
		a.Push(c.Instant())
	}
}

func TestAnalyzerBalancedGrid(t *testing.T) {
	cfg := adc.DefaultGeneratorConfig()
	cfg.Noise = 0
	g := adc.NewGenerator(cfg)
	cal := settings.DefaultCalibration()
	a := NewAnalyzer(cfg.SampleRate)

	feedGrid(t, a, g, &cal, 128*6)

	p := a.Params()
	require.True(t, p.Valid)
	assert.GreaterOrEqual(t, a.Periods(), uint64(4))
	assert.InDelta(t, 50, p.Frequency, 0.05)
	assert.InDelta(t, 20000, p.PeriodUS, 20)

	uPeak := 1800 * 0.18
	iPeak := 1000 * 0.02
	for k := 0; k < 3; k++ {
		assert.InDelta(t, uPeak, p.U0Hz[k], 2, "phase %d", k)
		assert.InDelta(t, uPeak/math.Sqrt2, p.URMS[k], 2)
		assert.InDelta(t, iPeak, p.I0Hz[k], 0.2)
		assert.InDelta(t, iPeak/math.Sqrt2, p.IRMS[k], 0.2)
		assert.Less(t, p.THDU[k], float32(2))
	}

	assert.InDelta(t, 0, p.UPhase[0], 1e-6)
	assert.InDelta(t, -2*math.Pi/3, p.UPhase[1], 0.05)
	assert.InDelta(t, 2*math.Pi/3, p.UPhase[2], 0.05)
}

func TestAnalyzerFollowsFrequency(t *testing.T) {
	cfg := adc.DefaultGeneratorConfig()
	cfg.Noise = 0
	cfg.Frequency = 60
	g := adc.NewGenerator(cfg)
	cal := settings.DefaultCalibration()
	a := NewAnalyzer(cfg.SampleRate)

	feedGrid(t, a, g, &cal, 128*6)
	assert.InDelta(t, 60, a.Params().Frequency, 0.05)
}

func TestAnalyzerDeclaresLostSignal(t *testing.T) {
	cfg := adc.DefaultGeneratorConfig()
	cfg.Noise = 0
	g := adc.NewGenerator(cfg)
	cal := settings.DefaultCalibration()
	a := NewAnalyzer(cfg.SampleRate)
	feedGrid(t, a, g, &cal, 128*4)
	require.True(t, a.Params().Valid)

	var flat Signals
	changed := false
	for i := 0; i < MaxPeriodSamples+10; i++ {
		if a.Push(flat) {
			changed = true
		}
	}
	assert.True(t, changed)
	assert.False(t, a.Params().Valid)
}

func TestSyncTrackerLockAndLoss(t *testing.T) {
	th := settings.DefaultProtection()
	s := NewSyncTracker(SyncConfig{StablePeriods: 3, LossPeriods: 2, Jitter: 0.02})

	good := NetParams{Valid: true, PeriodUS: 20000, Frequency: 50, U0Hz: [3]float32{320, 320, 320}}
	for i := 0; i < 2; i++ {
		s.Update(good, &th)
		assert.False(t, s.Synced())
	}
	s.Update(good, &th)
	assert.True(t, s.Synced())

	// One bad period does not drop the lock
	s.Update(NetParams{}, &th)
	assert.True(t, s.Synced())
	s.Update(good, &th)
	assert.True(t, s.Synced())

	offBand := good
	offBand.Frequency = 40
	offBand.PeriodUS = 25000
	s.Update(offBand, &th)
	s.Update(offBand, &th)
	assert.False(t, s.Synced())
	assert.True(t, s.Lost())

	s.Reset()
	assert.False(t, s.Lost())
	assert.Zero(t, s.StableCount())
}

func TestSyncTrackerRejectsJitterAndLowVoltage(t *testing.T) {
	th := settings.DefaultProtection()
	s := NewSyncTracker(SyncConfig{StablePeriods: 2, LossPeriods: 1, Jitter: 0.01})

	p := NetParams{Valid: true, PeriodUS: 20000, Frequency: 50, U0Hz: [3]float32{320, 320, 320}}
	s.Update(p, &th)
	p.PeriodUS = 20500 // 2.5% jump
	s.Update(p, &th)
	assert.False(t, s.Synced())

	low := p
	low.U0Hz[2] = 10
	s.Update(low, &th)
	s.Update(low, &th)
	assert.False(t, s.Synced())
	assert.Zero(t, s.StableCount())
}
