package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/VictorTagayun/PFController/adc"
	"github.com/VictorTagayun/PFController/engine"
	"github.com/VictorTagayun/PFController/events"
	"github.com/VictorTagayun/PFController/pfc"
)

// FormatEvent renders one history record the way the operator log shows
// it: local time then a description.
func FormatEvent(r events.Record) string {
	ts := time.UnixMilli(int64(r.TimestampMS)).Format("2006-01-02 15:04:05.000")
	return ts + "  " + describe(r)
}

func describe(r events.Record) string {
	switch r.Type {
	case events.TypeChangeState:
		return fmt.Sprintf("state %s -> %s", pfc.State(r.Info), pfc.State(r.Subtype))
	case events.TypeProtection:
		cause := events.Cause(r.Subtype)
		switch cause {
		case events.CauseADCOverload:
			return fmt.Sprintf("protection %s channel %s code %.0f", cause, adc.Channel(r.Info), r.Value)
		case events.CauseTemperature:
			return fmt.Sprintf("protection %s sensor %d value %.1f", cause, r.Info+1, r.Value)
		case events.CauseUMin, events.CauseUMax, events.CauseIMaxRMS, events.CauseIMaxPeak:
			return fmt.Sprintf("protection %s phase %c value %.1f", cause, 'A'+rune(r.Info), r.Value)
		case events.CauseIGBT:
			return fmt.Sprintf("protection %s code %.0f", cause, r.Value)
		default:
			return fmt.Sprintf("protection %s value %.1f", cause, r.Value)
		}
	case events.TypeEvent:
		if r.Subtype == events.EventCommand {
			return fmt.Sprintf("command %s data %g", pfc.Command(r.Info), r.Value)
		}
	}
	return r.String()
}

// FormatStatus renders a Status on one line
func FormatStatus(s engine.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s ud=%.1f target=%.1f duty=%.3f", s.State, s.Ud, s.Target, s.Duty)
	b.WriteString(" channels=")
	for k, on := range s.Channels {
		if on {
			b.WriteByte(byte('A' + k))
		} else {
			b.WriteByte('-')
		}
	}
	if s.Synced {
		b.WriteString(" synced")
	}
	if s.Faulted {
		fmt.Fprintf(&b, " fault=%s/%d", s.Cause, s.Info)
	}
	return b.String()
}
