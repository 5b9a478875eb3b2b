package control

import (
	"fmt"

	"github.com/VictorTagayun/PFController/settings"
)

// Mode selects what the loop regulates
type Mode uint8

const (
	ModeIdle      Mode = iota // stage disabled, integrator reset
	ModePrecharge             // ramp towards UdPrecharge with limited duty
	ModeRegulate              // hold UdNominal
	ModeCharge                // hold UdNominal * ChargeTargetRatio
	ModeTest                  // fixed duty, no regulation
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModePrecharge:
		return "precharge"
	case ModeRegulate:
		return "regulate"
	case ModeCharge:
		return "charge"
	case ModeTest:
		return "test"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Config holds the loop tuning that is not part of the persisted settings
type Config struct {
	PrechargeLimit    float32 `yaml:"precharge_limit"`     // duty ceiling while precharging, 0..1
	ChargeTargetRatio float32 `yaml:"charge_target_ratio"` // CHARGE setpoint relative to UdNominal
}

// DefaultConfig returns the loop defaults
func DefaultConfig() Config {
	return Config{PrechargeLimit: 0.3, ChargeTargetRatio: 1.05}
}

// Drive is what the power stage receives every cycle
type Drive struct {
	Enable    bool    // gate drivers switching
	Duty      float32 // 0..1
	Precharge bool    // precharge relay closed
	Main      bool    // main contactor closed
	Channels  [3]bool // per phase enable
}

// Stage is the power stage boundary: PWM modulation lives behind it
type Stage interface {
	Apply(d Drive)
	// Fault reports a latched driver fault and its hardware code
	Fault() (bool, uint8)
}

// Loop turns the DC bus measurement into a duty command
type Loop struct {
	cfg      Config
	pid      *PID
	mode     Mode
	testDuty float32
	target   float32
}

// NewLoop creates a loop stepped at sampleRate Hz
func NewLoop(cfg Config, sampleRate float64) *Loop {
	def := DefaultConfig()
	if cfg.PrechargeLimit <= 0 || cfg.PrechargeLimit > 1 {
		cfg.PrechargeLimit = def.PrechargeLimit
	}
	if cfg.ChargeTargetRatio <= 0 {
		cfg.ChargeTargetRatio = def.ChargeTargetRatio
	}
	return &Loop{cfg: cfg, pid: NewPID(sampleRate)}
}

// SetMode switches the regulation mode. Leaving or entering Idle and Test
// resets the regulator so a restart does not inherit stale integral.
func (l *Loop) SetMode(m Mode) {
	if m == l.mode {
		return
	}
	if m == ModeIdle || m == ModeTest || l.mode == ModeIdle || l.mode == ModeTest {
		l.pid.Reset()
	}
	l.mode = m
}

// Mode returns the active mode
func (l *Loop) Mode() Mode { return l.mode }

// SetTestDuty sets the fixed duty of test mode in permille
func (l *Loop) SetTestDuty(permille uint32) {
	l.testDuty = clamp(float32(permille)/1000, 0, 1)
}

// TestDuty returns the test mode duty, 0..1
func (l *Loop) TestDuty() float32 { return l.testDuty }

// Target returns the setpoint of the last Update, 0 when not regulating
func (l *Loop) Target() float32 { return l.target }

// Update computes the duty for one cycle from the filtered bus voltage.
// cap is the settings snapshot taken at the start of the cycle.
func (l *Loop) Update(ud float32, cap *settings.CapacitorSettings) Drive {
	l.pid.SetGains(cap.Kp, cap.Ki, cap.Kd)

	var d Drive
	switch l.mode {
	case ModeIdle:
		l.target = 0
		l.pid.Reset()
	case ModePrecharge:
		l.target = cap.UdPrecharge
		d.Duty = l.pid.Update(l.target, ud, l.cfg.PrechargeLimit)
		d.Enable = true
	case ModeRegulate:
		l.target = cap.UdNominal
		d.Duty = l.pid.Update(l.target, ud, 1)
		d.Enable = true
	case ModeCharge:
		l.target = cap.UdNominal * l.cfg.ChargeTargetRatio
		d.Duty = l.pid.Update(l.target, ud, 1)
		d.Enable = true
	case ModeTest:
		l.target = 0
		d.Duty = l.testDuty
		d.Enable = true
	}
	return d
}
