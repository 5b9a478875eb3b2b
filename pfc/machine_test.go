package pfc

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorTagayun/PFController/control"
	"github.com/VictorTagayun/PFController/events"
)

type fakeRearmer struct{ allow bool }

func (f *fakeRearmer) Rearm() bool { return f.allow }

func testConfig() Config {
	return Config{
		PrepareCycles:     5,
		SettleCycles:      3,
		Tolerance:         10,
		DisableCycles:     2,
		StoppingCycles:    4,
		SyncTimeoutCycles: 50,
	}
}

func newMachine(t *testing.T) (*Machine, *events.Log, *fakeRearmer) {
	t.Helper()
	log := events.NewLog(128, nil)
	r := &fakeRearmer{}
	m := NewMachine(testConfig(), log, r, zerolog.Nop())
	require.Equal(t, StateInit, m.State())
	return m, log, r
}

func base() Inputs {
	return Inputs{UdPrecharge: 540, UdNominal: 700, SelfCheckOK: true}
}

func tickN(m *Machine, in Inputs, n int) State {
	for i := 0; i < n; i++ {
		m.Tick(in)
	}
	return m.State()
}

func TestInitSelfCheck(t *testing.T) {
	m, _, _ := newMachine(t)
	assert.Equal(t, StateStop, m.Tick(base()))

	m2, _, _ := newMachine(t)
	in := base()
	in.SelfCheckOK = false
	assert.Equal(t, StateFaultBlock, m2.Tick(in))
}

func TestStartupSequence(t *testing.T) {
	m, log, _ := newMachine(t)
	in := base()
	m.Tick(in)

	require.True(t, m.Request(CmdWorkOn, 0))
	assert.Equal(t, StateSync, m.State())

	// Waits for the grid lock
	assert.Equal(t, StateSync, tickN(m, in, 10))
	in.Synced = true
	assert.Equal(t, StatePrechargePrepare, m.Tick(in))
	assert.Equal(t, StatePrechargePrepare, tickN(m, in, 4))
	assert.Equal(t, StatePrecharge, m.Tick(in))

	in.Ud = 300
	assert.Equal(t, StatePrecharge, tickN(m, in, 20))
	in.Ud = 535
	assert.Equal(t, StatePrecharge, tickN(m, in, 2))
	assert.Equal(t, StateMain, m.Tick(in))

	in.Ud = 695
	assert.Equal(t, StateMain, tickN(m, in, 2))
	in.Ud = 650 // a dip restarts the settle count
	m.Tick(in)
	in.Ud = 702
	assert.Equal(t, StateMain, tickN(m, in, 2))
	assert.Equal(t, StateWork, m.Tick(in))

	var states []uint16
	all, _ := log.After(0, 0)
	for _, r := range all {
		if r.Type == events.TypeChangeState {
			states = append(states, r.Subtype)
		}
	}
	assert.Equal(t, []uint16{
		uint16(StateStop), uint16(StateSync), uint16(StatePrechargePrepare),
		uint16(StatePrecharge), uint16(StateMain), uint16(StateWork),
	}, states)
}

func TestShutdownSequence(t *testing.T) {
	m, _, _ := newMachine(t)
	in := base()
	m.Tick(in)
	require.True(t, m.Request(CmdWorkOn, 0))
	in.Synced = true
	m.Tick(in)

	require.True(t, m.Request(CmdWorkOff, 0))
	assert.Equal(t, StatePrechargeDisable, m.State())
	assert.Equal(t, StatePrechargeDisable, m.Tick(in))
	assert.Equal(t, StateStopping, m.Tick(in))
	assert.Equal(t, StateStopping, tickN(m, in, 3))
	assert.Equal(t, StateStop, m.Tick(in))

	assert.False(t, m.Request(CmdWorkOff, 0), "not operating")
}

func TestCommandAcceptance(t *testing.T) {
	m, _, _ := newMachine(t)
	in := base()

	assert.False(t, m.Request(CmdWorkOn, 0), "INIT rejects WORK_ON")
	m.Tick(in)

	assert.False(t, m.Request(CmdChargeOn, 0))
	assert.False(t, m.Request(CmdTestOff, 0))
	assert.False(t, m.Request(CmdTestOn, 1001))
	assert.False(t, m.Request(CmdSettingsSave, 0), "handled outside the machine")
	assert.False(t, m.Request(Command(99), 0))

	require.True(t, m.Request(CmdTestOn, 400))
	assert.Equal(t, StateTest, m.State())
	assert.Equal(t, uint32(400), m.TestDuty())
	assert.False(t, m.Request(CmdWorkOn, 0))
	require.True(t, m.Request(CmdTestOff, 0))
	assert.Equal(t, StateStop, m.State())

	require.True(t, m.Request(CmdChannel1Data, 0))
	assert.Equal(t, [3]bool{true, false, true}, m.Channels())
	require.True(t, m.Request(CmdChannel1Data, 1))
	assert.Equal(t, [3]bool{true, true, true}, m.Channels())
}

func TestChargeToggle(t *testing.T) {
	m, _, _ := newMachine(t)
	in := base()
	in.Synced = true
	m.Tick(in)
	m.Request(CmdWorkOn, 0)
	m.Tick(in)
	tickN(m, in, 5)
	in.Ud = 540
	tickN(m, in, 3)
	in.Ud = 700
	tickN(m, in, 3)
	require.Equal(t, StateWork, m.State())

	require.True(t, m.Request(CmdChargeOn, 0))
	assert.Equal(t, StateCharge, m.State())
	assert.Equal(t, StateCharge, m.Tick(in))
	require.True(t, m.Request(CmdChargeOff, 0))
	assert.Equal(t, StateWork, m.State())
}

func TestFaultBlockAndRearm(t *testing.T) {
	m, _, r := newMachine(t)
	in := base()
	m.Tick(in)
	m.Request(CmdWorkOn, 0)

	in.Faulted = true
	assert.Equal(t, StateFaultBlock, m.Tick(in))

	// No command other than REARM leaves FAULTBLOCK
	for _, cmd := range []Command{CmdWorkOn, CmdWorkOff, CmdChargeOn, CmdTestOn, CmdChannel0Data} {
		assert.False(t, m.Request(cmd, 0), cmd.String())
	}
	in.Faulted = false
	assert.Equal(t, StateFaultBlock, tickN(m, in, 100))

	assert.False(t, m.Request(CmdRearm, 0), "monitor refuses")
	r.allow = true
	require.True(t, m.Request(CmdRearm, 0))
	assert.Equal(t, StateStop, m.State())
	assert.False(t, m.Request(CmdRearm, 0), "only from FAULTBLOCK")
}

func TestSyncTimeout(t *testing.T) {
	m, _, _ := newMachine(t)
	in := base()
	m.Tick(in)
	m.Request(CmdWorkOn, 0)

	tickN(m, in, 49)
	assert.False(t, m.SyncTimedOut())
	m.Tick(in)
	assert.True(t, m.SyncTimedOut())
	assert.Equal(t, StateSync, m.State())

	in.Faulted = true
	m.Tick(in)
	assert.False(t, m.SyncTimedOut())
}

func TestStateTraits(t *testing.T) {
	tests := []struct {
		state     State
		mode      control.Mode
		precharge bool
		main      bool
		grid      bool
	}{
		{StateStop, control.ModeIdle, false, false, false},
		{StateSync, control.ModeIdle, false, false, false},
		{StatePrechargePrepare, control.ModeIdle, true, false, true},
		{StatePrecharge, control.ModePrecharge, true, false, true},
		{StateMain, control.ModeRegulate, true, true, true},
		{StateWork, control.ModeRegulate, false, true, true},
		{StateCharge, control.ModeCharge, false, true, true},
		{StateTest, control.ModeTest, false, false, false},
		{StateFaultBlock, control.ModeIdle, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.mode, tt.state.Mode())
			pre, main := tt.state.Contactors()
			assert.Equal(t, tt.precharge, pre)
			assert.Equal(t, tt.main, main)
			assert.Equal(t, tt.grid, tt.state.GridActive())
		})
	}
}

func TestNames(t *testing.T) {
	s, ok := ParseState("PRECHARGE_DISABLE")
	require.True(t, ok)
	assert.Equal(t, StatePrechargeDisable, s)
	assert.Equal(t, State(6), s)
	assert.Equal(t, "STATE(40)", State(40).String())

	c, ok := ParseCommand("REARM")
	require.True(t, ok)
	assert.Equal(t, Command(9), c)
	_, ok = ParseCommand("NOPE")
	assert.False(t, ok)
}
