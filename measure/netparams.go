package measure

import (
	"math"

	"github.com/VictorTagayun/PFController/adc"
)

const (
	// MaxPeriodSamples bounds the per period history. A longer period
	// means the phase A signal is gone.
	MaxPeriodSamples = 512
	// MinPeriodSamples rejects crossings closer than this as noise
	MinPeriodSamples = 16

	// DefaultHysteresis is the negative swing (volts) phase A must make
	// before the next rising zero crossing counts
	DefaultHysteresis = 10
)

// NetParams are the grid quantities derived once per line period.
// Amplitudes are fundamental peak values, phase angles are radians
// relative to phase A in (-pi, pi].
type NetParams struct {
	Valid     bool
	PeriodUS  float32
	Frequency float32
	U0Hz      [3]float32
	I0Hz      [3]float32
	THDU      [3]float32 // percent
	UPhase    [3]float32
	URMS      [3]float32
	IRMS      [3]float32
}

// Analyzer accumulates one line period of the six AC channels, delimited
// by rising zero crossings of phase A voltage.
type Analyzer struct {
	sampleRate float64
	hysteresis float32

	buf   [6][]float32
	index uint64 // samples seen

	prevA     float32
	armed     bool
	started   bool
	lastCross float64

	params  NetParams
	periods uint64
}

// NewAnalyzer creates an analyzer for the given sample rate
func NewAnalyzer(sampleRate float64) *Analyzer {
	a := &Analyzer{sampleRate: sampleRate, hysteresis: DefaultHysteresis}
	for i := range a.buf {
		a.buf[i] = make([]float32, 0, MaxPeriodSamples)
	}
	return a
}

// SetHysteresis changes the crossing hysteresis (volts)
func (a *Analyzer) SetHysteresis(v float32) {
	a.hysteresis = v
}

// Params returns the latest parameters
func (a *Analyzer) Params() NetParams { return a.params }

// Periods returns the number of completed periods
func (a *Analyzer) Periods() uint64 { return a.periods }

// Push adds one sample of calibrated, unfiltered values. It returns true
// when Params changed: a period completed or the signal was declared lost.
func (a *Analyzer) Push(s Signals) bool {
	ua := s[adc.ChUA]
	changed := false
	a.index++

	if ua < -a.hysteresis {
		a.armed = true
	}

	if a.armed && a.prevA < 0 && ua >= 0 {
		// Sub-sample position of the crossing
		frac := float64(-a.prevA / (ua - a.prevA))
		cross := float64(a.index-1) + frac

		if a.started && len(a.buf[0]) >= MinPeriodSamples {
			a.complete(cross - a.lastCross)
			changed = true
		}
		a.started = true
		a.armed = false
		a.lastCross = cross
		a.resetBuffers()
	}
	a.prevA = ua

	if a.started {
		if len(a.buf[0]) == MaxPeriodSamples {
			a.started = false
			a.resetBuffers()
			if a.params.Valid {
				a.params = NetParams{}
				changed = true
			}
		} else {
			for k := 0; k < 3; k++ {
				a.buf[k] = append(a.buf[k], s[adc.VoltageChannels[k]])
				a.buf[3+k] = append(a.buf[3+k], s[adc.CurrentChannels[k]])
			}
		}
	}

	return changed
}

// Reset drops history and parameters
func (a *Analyzer) Reset() {
	a.resetBuffers()
	a.started = false
	a.armed = false
	a.prevA = 0
	a.params = NetParams{}
}

func (a *Analyzer) resetBuffers() {
	for i := range a.buf {
		a.buf[i] = a.buf[i][:0]
	}
}

func (a *Analyzer) complete(periodSamples float64) {
	var p NetParams
	p.Valid = true
	p.PeriodUS = float32(periodSamples / a.sampleRate * 1e6)
	p.Frequency = float32(a.sampleRate / periodSamples)

	var phase [3]float64
	for k := 0; k < 3; k++ {
		amp, ph, rms := fundamental(a.buf[k])
		p.U0Hz[k] = float32(amp)
		p.URMS[k] = float32(rms)
		p.THDU[k] = float32(thd(amp, rms))
		phase[k] = ph

		iamp, _, irms := fundamental(a.buf[3+k])
		p.I0Hz[k] = float32(iamp)
		p.IRMS[k] = float32(irms)
	}
	for k := 0; k < 3; k++ {
		p.UPhase[k] = float32(wrapAngle(phase[k] - phase[0]))
	}

	a.params = p
	a.periods++
}

// fundamental correlates x with one sine period spanning the buffer and
// returns peak amplitude, phase of the sine and the true RMS.
func fundamental(x []float32) (amp, phase, rms float64) {
	n := len(x)
	if n == 0 {
		return 0, 0, 0
	}
	w := 2 * math.Pi / float64(n)
	var re, im, sq float64
	for i, v := range x {
		f := float64(v)
		re += f * math.Cos(w*float64(i))
		im += f * math.Sin(w*float64(i))
		sq += f * f
	}
	amp = 2 / float64(n) * math.Hypot(re, im)
	phase = math.Atan2(re, im)
	rms = math.Sqrt(sq / float64(n))
	return amp, phase, rms
}

// thd is the harmonic (non fundamental) RMS relative to the fundamental RMS
func thd(amp, rms float64) float64 {
	fund := amp / math.Sqrt2
	if fund < 1e-6 {
		return 0
	}
	h := rms*rms - fund*fund
	if h <= 0 {
		return 0
	}
	return math.Sqrt(h) / fund * 100
}

func wrapAngle(a float64) float64 {
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	return a
}
