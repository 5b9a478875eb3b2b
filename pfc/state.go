// Package pfc implements the operating state machine of the converter.
package pfc

import (
	"fmt"

	"github.com/VictorTagayun/PFController/control"
)

// State is the operating state. Values are carried on the wire.
type State uint8

const (
	StateInit State = iota
	StateStop
	StateSync
	StatePrechargePrepare
	StatePrecharge
	StateMain
	StatePrechargeDisable
	StateWork
	StateCharge
	StateTest
	StateStopping
	StateFaultBlock

	NumStates = 12
)

var stateNames = [NumStates]string{
	"INIT", "STOP", "SYNC", "PRECHARGE_PREPARE", "PRECHARGE", "MAIN",
	"PRECHARGE_DISABLE", "WORK", "CHARGE", "TEST", "STOPPING", "FAULTBLOCK",
}

func (s State) String() string {
	if int(s) < NumStates {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

// ParseState looks a state up by name
func ParseState(name string) (State, bool) {
	for i, n := range stateNames {
		if n == name {
			return State(i), true
		}
	}
	return 0, false
}

// Mode is the regulation mode that runs in this state
func (s State) Mode() control.Mode {
	switch s {
	case StatePrecharge:
		return control.ModePrecharge
	case StateMain, StateWork:
		return control.ModeRegulate
	case StateCharge:
		return control.ModeCharge
	case StateTest:
		return control.ModeTest
	default:
		return control.ModeIdle
	}
}

// Contactors returns the precharge relay and main contactor positions
func (s State) Contactors() (precharge, main bool) {
	switch s {
	case StatePrechargePrepare, StatePrecharge:
		return true, false
	case StateMain:
		return true, true
	case StatePrechargeDisable, StateWork, StateCharge:
		return false, true
	default:
		return false, false
	}
}

// GridActive reports whether the converter is connected to a synchronized
// grid, so grid side protection applies
func (s State) GridActive() bool {
	switch s {
	case StatePrechargePrepare, StatePrecharge, StateMain, StateWork, StateCharge:
		return true
	}
	return false
}

// Regulating reports whether the DC bus is expected to stay above UdMin
func (s State) Regulating() bool {
	return s == StateMain || s == StateWork || s == StateCharge
}

// Operating is true between WORK_ON and the end of the shutdown sequence
func (s State) Operating() bool {
	switch s {
	case StateSync, StatePrechargePrepare, StatePrecharge, StateMain, StateWork, StateCharge:
		return true
	}
	return false
}

// Command is an operator request
type Command uint8

const (
	CmdWorkOn Command = iota + 1
	CmdWorkOff
	CmdSettingsSave
	CmdChannel0Data
	CmdChannel1Data
	CmdChannel2Data
	CmdChargeOn
	CmdChargeOff
	CmdRearm
	CmdTestOn
	CmdTestOff
)

var commandNames = map[Command]string{
	CmdWorkOn:       "WORK_ON",
	CmdWorkOff:      "WORK_OFF",
	CmdSettingsSave: "SETTINGS_SAVE",
	CmdChannel0Data: "CHANNEL0_DATA",
	CmdChannel1Data: "CHANNEL1_DATA",
	CmdChannel2Data: "CHANNEL2_DATA",
	CmdChargeOn:     "CHARGE_ON",
	CmdChargeOff:    "CHARGE_OFF",
	CmdRearm:        "REARM",
	CmdTestOn:       "TEST_ON",
	CmdTestOff:      "TEST_OFF",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("COMMAND(%d)", uint8(c))
}

// ParseCommand looks a command up by name
func ParseCommand(name string) (Command, bool) {
	for c, n := range commandNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}
