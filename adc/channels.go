// Package adc is the acquisition boundary of the controller: the raw sample
// layout, the observer a source reports to, and a synthetic grid source.
package adc

// Channel indexes a slot of RawSample
type Channel uint8

// Channel order of one conversion sequence
const (
	ChUD Channel = iota // DC bus (capacitor) voltage
	ChUA
	ChUB
	ChUC
	ChIA
	ChIB
	ChIC
	ChIET
	ChTemp1
	ChTemp2
	ChEMSA
	ChEMSB
	ChEMSC
	ChEMSI

	NumChannels = 14
)

// ADCMax is the largest code of the 12-bit converter
const ADCMax = 4095

// RawSample is one completed conversion sequence, one code per channel
type RawSample [NumChannels]uint16

var channelNames = [NumChannels]string{
	"UD", "U_A", "U_B", "U_C", "I_A", "I_B", "I_C", "I_ET",
	"TEMP1", "TEMP2", "EMS_A", "EMS_B", "EMS_C", "EMS_I",
}

func (c Channel) String() string {
	if int(c) < NumChannels {
		return channelNames[c]
	}
	return "UNKNOWN"
}

// ParseChannel looks a channel up by name
func ParseChannel(name string) (Channel, bool) {
	for ch := Channel(0); ch < NumChannels; ch++ {
		if channelNames[ch] == name {
			return ch, true
		}
	}
	return 0, false
}

// VoltageChannels are the grid phase voltages A, B, C
var VoltageChannels = [3]Channel{ChUA, ChUB, ChUC}

// CurrentChannels are the grid phase currents A, B, C
var CurrentChannels = [3]Channel{ChIA, ChIB, ChIC}

// TemperatureChannels are the heatsink sensors
var TemperatureChannels = [2]Channel{ChTemp1, ChTemp2}

// IsAC reports whether the channel carries a line frequency signal
func (c Channel) IsAC() bool {
	return c >= ChUA && c <= ChIC
}
