// Package protection evaluates the trip conditions every control cycle,
// latches confirmed faults and gates the operator re-arm.
package protection

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/VictorTagayun/PFController/adc"
	"github.com/VictorTagayun/PFController/events"
	"github.com/VictorTagayun/PFController/measure"
	"github.com/VictorTagayun/PFController/settings"
)

const maxInfo = adc.NumChannels

// Config tunes debounce and clearing
type Config struct {
	DebounceCycles int    `yaml:"debounce_cycles"` // consecutive violations to trip, >= 1
	HoldOffCycles  int    `yaml:"holdoff_cycles"`  // consecutive clean cycles before a latch may be re-armed
	OverloadMargin uint16 `yaml:"overload_margin"` // codes from either rail that count as pinned
}

// DefaultConfig trips on 3 consecutive cycles and clears after 10 ms at
// 6.4 kHz
func DefaultConfig() Config {
	return Config{DebounceCycles: 3, HoldOffCycles: 64, OverloadMargin: 10}
}

// Inputs is the snapshot evaluated in one cycle
type Inputs struct {
	Raw      adc.RawSample
	Instant  measure.Signals // calibrated, unfiltered
	Filtered measure.Signals
	Net      measure.NetParams

	GridActive bool // grid side checks (U_MIN, F band, rotation) apply
	Regulating bool // DC bus under-voltage applies
	SyncFault  bool // synchronization timed out or was lost
	StageFault bool
	StageCode  uint8
}

// Result summarizes the cycle
type Result struct {
	Tripped bool // a new fault latched this cycle
	Faulted bool // at least one latch is held
	Cause   events.Cause
	Info    uint8
	Value   float32
}

type slot struct {
	count   int // consecutive violations
	clean   int // consecutive clean cycles while latched
	latched bool
	value   float32
}

// Monitor owns the debounce counters and latches of every (cause, info)
// pair. A pair logs exactly one PROTECTION record per latch.
type Monitor struct {
	cfg    Config
	log    *events.Log
	logger zerolog.Logger
	slots  [events.NumCauses][maxInfo]slot
	trips  uint64

	violations []violation
}

type violation struct {
	cause  events.Cause
	info   uint8
	value  float32
	active bool // false: condition holds but the check is gated off
}

// NewMonitor creates a monitor appending to log
func NewMonitor(cfg Config, log *events.Log, logger zerolog.Logger) *Monitor {
	if cfg.DebounceCycles < 1 {
		cfg.DebounceCycles = 1
	}
	if cfg.HoldOffCycles < 1 {
		cfg.HoldOffCycles = 1
	}
	return &Monitor{
		cfg:        cfg,
		log:        log,
		logger:     logger.With().Str("component", "protection").Logger(),
		violations: make([]violation, 0, 32),
	}
}

// Evaluate runs all checks against the thresholds. Checks are listed in
// priority order; the first new trip of the cycle names the Result.
func (m *Monitor) Evaluate(in *Inputs, th *settings.ProtectionThresholds) Result {
	m.collect(in, th)

	var seen [events.NumCauses][maxInfo]bool
	var res Result
	haveNew := false

	for _, v := range m.violations {
		s := &m.slots[v.cause][v.info]
		seen[v.cause][v.info] = true
		s.clean = 0

		if !v.active {
			// Grid side check gated off: the grid is still bad, so an existing
			// latch must not clear
			s.count = 0
			continue
		}

		s.value = v.value
		if s.count < m.cfg.DebounceCycles {
			s.count++
		}
		if s.latched || s.count < m.cfg.DebounceCycles {
			continue
		}

		s.latched = true
		m.trips++
		m.log.Append(events.TypeProtection, uint16(v.cause), v.info, v.value)
		m.logger.Warn().
			Str("cause", v.cause.String()).
			Uint8("info", v.info).
			Float32("value", v.value).
			Msg("Protection tripped")

		if !haveNew {
			haveNew = true
			res = Result{Tripped: true, Cause: v.cause, Info: v.info, Value: v.value}
		}
	}

	for c := range m.slots {
		for i := range m.slots[c] {
			if seen[c][i] {
				continue
			}
			s := &m.slots[c][i]
			s.count = 0
			if s.latched && s.clean < m.cfg.HoldOffCycles {
				s.clean++
			}
		}
	}

	if !haveNew {
		if c, i, ok := m.firstLatched(); ok {
			res.Cause = c
			res.Info = i
			res.Value = m.slots[c][i].value
		}
	}
	res.Faulted = m.Faulted()
	return res
}

func (m *Monitor) add(cause events.Cause, info uint8, value float32, active bool) {
	m.violations = append(m.violations, violation{cause: cause, info: info, value: value, active: active})
}

// collect lists every condition currently out of bounds
func (m *Monitor) collect(in *Inputs, th *settings.ProtectionThresholds) {
	m.violations = m.violations[:0]

	ud := in.Filtered[adc.ChUD]
	// An open stage drains the bus, so outside regulation a low bus is
	// expected and counts as clean
	if in.Regulating && ud < th.UdMin {
		m.add(events.CauseUcapMin, 0, ud, true)
	}
	if ud > th.UdMax {
		m.add(events.CauseUcapMax, 0, ud, true)
	}

	for k, ch := range adc.TemperatureChannels {
		if t := in.Filtered[ch]; t > th.TemperatureMax {
			m.add(events.CauseTemperature, uint8(k), t, true)
		}
	}

	for k := 0; k < 3; k++ {
		if u := in.Net.U0Hz[k]; u < th.UMin {
			m.add(events.CauseUMin, uint8(k), u, in.GridActive)
		}
	}
	for k, ch := range adc.VoltageChannels {
		if u := abs(in.Instant[ch]); u > th.UMax {
			m.add(events.CauseUMax, uint8(k), u, true)
		}
	}

	if in.Net.Valid {
		if f := in.Net.Frequency; f < th.FMin {
			m.add(events.CauseFMin, 0, f, in.GridActive)
		}
		if f := in.Net.Frequency; f > th.FMax {
			m.add(events.CauseFMax, 0, f, in.GridActive)
		}
		for k := 0; k < 3; k++ {
			if i := in.Net.IRMS[k]; i > th.IMaxRMS {
				m.add(events.CauseIMaxRMS, uint8(k), i, true)
			}
		}
	}
	for k, ch := range adc.CurrentChannels {
		if i := abs(in.Instant[ch]); i > th.IMaxPeak {
			m.add(events.CauseIMaxPeak, uint8(k), i, true)
		}
	}

	// Positive sequence: B lags A, C leads A (lags by 240 degrees)
	if in.Net.Valid && (in.Net.UPhase[1] >= 0 || in.Net.UPhase[2] <= 0) {
		deg := in.Net.UPhase[1] * 180 / math.Pi
		m.add(events.CausePhases, 0, deg, in.GridActive)
	}

	lo := m.cfg.OverloadMargin
	hi := uint16(adc.ADCMax) - m.cfg.OverloadMargin
	for ch := adc.ChUA; ch <= adc.ChIC; ch++ {
		if code := in.Raw[ch]; code <= lo || code >= hi {
			m.add(events.CauseADCOverload, uint8(ch), float32(code), true)
		}
	}

	if in.SyncFault {
		m.add(events.CauseBadSync, 0, in.Net.Frequency, true)
	}
	if in.StageFault {
		m.add(events.CauseIGBT, in.StageCode%maxInfo, float32(in.StageCode), true)
	}
}

// Faulted reports whether any latch is held
func (m *Monitor) Faulted() bool {
	_, _, ok := m.firstLatched()
	return ok
}

func (m *Monitor) firstLatched() (events.Cause, uint8, bool) {
	for c := range m.slots {
		for i := range m.slots[c] {
			if m.slots[c][i].latched {
				return events.Cause(c), uint8(i), true
			}
		}
	}
	return 0, 0, false
}

// CanRearm is true when every latched condition has stayed clean for the
// hold-off period
func (m *Monitor) CanRearm() bool {
	for c := range m.slots {
		for i := range m.slots[c] {
			s := &m.slots[c][i]
			if s.latched && s.clean < m.cfg.HoldOffCycles {
				return false
			}
		}
	}
	return true
}

// Rearm drops all latches if CanRearm allows it
func (m *Monitor) Rearm() bool {
	if !m.CanRearm() {
		return false
	}
	m.slots = [events.NumCauses][maxInfo]slot{}
	return true
}

// Latched lists the held latches in priority order
func (m *Monitor) Latched() []Latch {
	var out []Latch
	for c := range m.slots {
		for i := range m.slots[c] {
			s := m.slots[c][i]
			if s.latched {
				out = append(out, Latch{
					Cause:   events.Cause(c),
					Info:    uint8(i),
					Value:   s.value,
					Cleared: s.clean >= m.cfg.HoldOffCycles,
				})
			}
		}
	}
	return out
}

// Latch describes one held fault
type Latch struct {
	Cause   events.Cause
	Info    uint8
	Value   float32
	Cleared bool
}

// Trips returns the number of latches taken since start
func (m *Monitor) Trips() uint64 { return m.trips }

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
