package pfc

import (
	"github.com/rs/zerolog"

	"github.com/VictorTagayun/PFController/events"
)

// Config holds the sequencing delays, all counted in control cycles
type Config struct {
	PrepareCycles     int     `yaml:"prepare_cycles"`      // PRECHARGE_PREPARE dwell
	SettleCycles      int     `yaml:"settle_cycles"`       // Ud within tolerance before advancing
	Tolerance         float32 `yaml:"tolerance"`           // volts
	DisableCycles     int     `yaml:"disable_cycles"`      // PRECHARGE_DISABLE dwell
	StoppingCycles    int     `yaml:"stopping_cycles"`     // STOPPING dwell
	SyncTimeoutCycles int     `yaml:"sync_timeout_cycles"` // SYNC without lock before BAD_SYNC
}

// DefaultConfig returns delays for a 6.4 kHz control rate
func DefaultConfig() Config {
	return Config{
		PrepareCycles:     640,
		SettleCycles:      320,
		Tolerance:         25,
		DisableCycles:     320,
		StoppingCycles:    640,
		SyncTimeoutCycles: 6400 * 2,
	}
}

// Inputs is what the machine sees each cycle
type Inputs struct {
	Ud          float32 // filtered DC bus voltage
	UdPrecharge float32
	UdNominal   float32
	Synced      bool
	Faulted     bool // the protection monitor holds a latch
	SelfCheckOK bool
}

// Rearmer clears protection latches when allowed
type Rearmer interface {
	Rearm() bool
}

// Machine sequences the converter. It is owned by the control goroutine and
// is not safe for concurrent use.
type Machine struct {
	cfg     Config
	log     *events.Log
	logger  zerolog.Logger
	rearmer Rearmer

	state    State
	cycles   int // cycles spent in the current state
	settled  int // consecutive cycles with Ud in tolerance
	testDuty uint32
	channels [3]bool

	syncTimedOut bool
}

// NewMachine creates a machine in INIT
func NewMachine(cfg Config, log *events.Log, rearmer Rearmer, logger zerolog.Logger) *Machine {
	def := DefaultConfig()
	if cfg.SettleCycles < 1 {
		cfg.SettleCycles = def.SettleCycles
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.SyncTimeoutCycles < 1 {
		cfg.SyncTimeoutCycles = def.SyncTimeoutCycles
	}
	return &Machine{
		cfg:      cfg,
		log:      log,
		logger:   logger.With().Str("component", "pfc").Logger(),
		rearmer:  rearmer,
		channels: [3]bool{true, true, true},
	}
}

// State returns the current state
func (m *Machine) State() State { return m.state }

// TestDuty returns the TEST_ON duty in permille
func (m *Machine) TestDuty() uint32 { return m.testDuty }

// Channels returns the per phase enable flags
func (m *Machine) Channels() [3]bool { return m.channels }

// SyncTimedOut is set once SYNC waited longer than SyncTimeoutCycles
func (m *Machine) SyncTimedOut() bool { return m.syncTimedOut }

// Request applies an operator command. It returns false when the command is
// not accepted in the current state; nothing changes in that case.
func (m *Machine) Request(cmd Command, data uint32) bool {
	switch cmd {
	case CmdWorkOn:
		if m.state != StateStop {
			return false
		}
		m.enter(StateSync)

	case CmdWorkOff:
		if !m.state.Operating() {
			return false
		}
		m.enter(StatePrechargeDisable)

	case CmdChargeOn:
		if m.state != StateWork {
			return false
		}
		m.enter(StateCharge)

	case CmdChargeOff:
		if m.state != StateCharge {
			return false
		}
		m.enter(StateWork)

	case CmdTestOn:
		if m.state != StateStop || data > 1000 {
			return false
		}
		m.testDuty = data
		m.enter(StateTest)

	case CmdTestOff:
		if m.state != StateTest {
			return false
		}
		m.enter(StateStop)

	case CmdRearm:
		if m.state != StateFaultBlock || !m.rearmer.Rearm() {
			return false
		}
		m.enter(StateStop)

	case CmdChannel0Data, CmdChannel1Data, CmdChannel2Data:
		if m.state == StateFaultBlock {
			return false
		}
		m.channels[cmd-CmdChannel0Data] = data != 0

	default:
		return false
	}
	return true
}

// Tick advances the machine by one control cycle
func (m *Machine) Tick(in Inputs) State {
	m.cycles++

	if in.Faulted && m.state != StateFaultBlock {
		m.enter(StateFaultBlock)
		return m.state
	}

	switch m.state {
	case StateInit:
		if in.SelfCheckOK {
			m.enter(StateStop)
		} else {
			m.enter(StateFaultBlock)
		}

	case StateSync:
		if in.Synced {
			m.enter(StatePrechargePrepare)
		} else if m.cycles >= m.cfg.SyncTimeoutCycles {
			m.syncTimedOut = true
		}

	case StatePrechargePrepare:
		if m.cycles >= m.cfg.PrepareCycles {
			m.enter(StatePrecharge)
		}

	case StatePrecharge:
		if m.settle(in.Ud, in.UdPrecharge) {
			m.enter(StateMain)
		}

	case StateMain:
		if m.settle(in.Ud, in.UdNominal) {
			m.enter(StateWork)
		}

	case StatePrechargeDisable:
		if m.cycles >= m.cfg.DisableCycles {
			m.enter(StateStopping)
		}

	case StateStopping:
		if m.cycles >= m.cfg.StoppingCycles {
			m.enter(StateStop)
		}
	}

	return m.state
}

// Fault forces FAULTBLOCK outside of the protection path
func (m *Machine) Fault() {
	if m.state != StateFaultBlock {
		m.enter(StateFaultBlock)
	}
}

func (m *Machine) settle(ud, target float32) bool {
	d := ud - target
	if d < 0 {
		d = -d
	}
	if d <= m.cfg.Tolerance {
		m.settled++
	} else {
		m.settled = 0
	}
	return m.settled >= m.cfg.SettleCycles
}

func (m *Machine) enter(next State) {
	prev := m.state
	m.state = next
	m.cycles = 0
	m.settled = 0
	if next != StateSync {
		m.syncTimedOut = false
	}

	m.log.Append(events.TypeChangeState, uint16(next), uint8(prev), 0)
	m.logger.Info().
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("State changed")
}
