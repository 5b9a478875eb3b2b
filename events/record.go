// Package events keeps the bounded history of power, state, protection and
// operator events, indexed by a strictly increasing millisecond timestamp.
package events

import "fmt"

// Type is the first level event category
type Type uint16

const (
	TypePower Type = iota
	TypeChangeState
	TypeProtection
	TypeEvent
)

func (t Type) String() string {
	switch t {
	case TypePower:
		return "POWER"
	case TypeChangeState:
		return "CHANGESTATE"
	case TypeProtection:
		return "PROTECTION"
	case TypeEvent:
		return "EVENT"
	default:
		return fmt.Sprintf("TYPE(%d)", uint16(t))
	}
}

// Power subtypes
const (
	PowerOn uint16 = iota
)

// Cause is the subtype of a PROTECTION record
type Cause uint16

const (
	CauseUcapMin Cause = iota
	CauseUcapMax
	CauseTemperature
	CauseUMin
	CauseUMax
	CauseFMin
	CauseFMax
	CauseIMaxRMS
	CauseIMaxPeak
	CausePhases
	CauseADCOverload
	CauseBadSync
	CauseIGBT

	NumCauses = 13
)

var causeNames = [NumCauses]string{
	"UCAP_MIN", "UCAP_MAX", "TEMPERATURE", "U_MIN", "U_MAX", "F_MIN",
	"F_MAX", "I_MAX_RMS", "I_MAX_PEAK", "PHASES", "ADC_OVERLOAD",
	"BAD_SYNC", "IGBT",
}

func (c Cause) String() string {
	if int(c) < NumCauses {
		return causeNames[c]
	}
	return fmt.Sprintf("CAUSE(%d)", uint16(c))
}

// Subtypes of TypeEvent records
const (
	EventSettingsLoaded uint16 = iota
	EventSettingsSaved
	EventSettingsSaveFailed
	EventRearmed
	EventCommand
)

// Record is one history entry. TimestampMS is both the sort key and the
// cursor clients page with.
type Record struct {
	TimestampMS uint64
	Type        Type
	Subtype     uint16
	Info        uint8
	Value       float32
}

// Code packs type and subtype the way the wire carries them:
// type in the low 16 bits, subtype in the high 16 bits.
func (r Record) Code() uint32 {
	return uint32(r.Type) | uint32(r.Subtype)<<16
}

// SplitCode is the inverse of Record.Code
func SplitCode(code uint32) (Type, uint16) {
	return Type(code & 0xFFFF), uint16(code >> 16)
}

func (r Record) String() string {
	switch r.Type {
	case TypePower:
		if r.Subtype == PowerOn {
			return "power on"
		}
	case TypeChangeState:
		return fmt.Sprintf("state -> %d", r.Subtype)
	case TypeProtection:
		return fmt.Sprintf("protection %s info=%d value=%g", Cause(r.Subtype), r.Info, r.Value)
	case TypeEvent:
		switch r.Subtype {
		case EventSettingsLoaded:
			return "settings loaded"
		case EventSettingsSaved:
			return "settings saved"
		case EventSettingsSaveFailed:
			return "settings save failed"
		case EventRearmed:
			return "protection re-armed"
		case EventCommand:
			return fmt.Sprintf("command %d data=%g", r.Info, r.Value)
		}
	}
	return fmt.Sprintf("%s/%d info=%d value=%g", r.Type, r.Subtype, r.Info, r.Value)
}
