package engine

import (
	"github.com/VictorTagayun/PFController/adc"
	"github.com/VictorTagayun/PFController/events"
	"github.com/VictorTagayun/PFController/measure"
	"github.com/VictorTagayun/PFController/pfc"
	"github.com/VictorTagayun/PFController/protocol"
)

// MaxEventBatch is the number of records one MsgGetEvents response carries
const MaxEventBatch = 8

// Firmware version
const (
	VersionMajor = 0
	VersionMinor = 1
	VersionMicro = 1
)

// Build is stamped at link time (-ldflags "-X .../engine.Build=...")
var Build = "dev"

// Ack answers commands and settings writes
type Ack struct {
	OK     bool
	Reason string // rejected field or cause, empty when OK
}

func (a Ack) Encode(out protocol.OutputBuffer) {
	protocol.EncodeBool(out, a.OK)
	protocol.EncodeVLQString(out, a.Reason)
}

func (a *Ack) Decode(data *[]byte) (err error) {
	if a.OK, err = protocol.DecodeBool(data); err != nil {
		return err
	}
	a.Reason, err = protocol.DecodeVLQString(data)
	return err
}

// Version answers MsgVersion
type Version struct {
	Major, Minor, Micro uint32
	Build               string
}

func (v Version) Encode(out protocol.OutputBuffer) {
	protocol.EncodeVLQUint(out, v.Major)
	protocol.EncodeVLQUint(out, v.Minor)
	protocol.EncodeVLQUint(out, v.Micro)
	protocol.EncodeVLQString(out, v.Build)
}

func (v *Version) Decode(data *[]byte) (err error) {
	for _, f := range []*uint32{&v.Major, &v.Minor, &v.Micro} {
		if *f, err = protocol.DecodeVLQUint(data); err != nil {
			return err
		}
	}
	v.Build, err = protocol.DecodeVLQString(data)
	return err
}

// EncodeSignals writes all channels in channel order
func EncodeSignals(out protocol.OutputBuffer, s *measure.Signals) {
	for ch := 0; ch < adc.NumChannels; ch++ {
		protocol.EncodeFloat32(out, s[ch])
	}
}

// DecodeSignals is the inverse of EncodeSignals
func DecodeSignals(data *[]byte, s *measure.Signals) error {
	for ch := 0; ch < adc.NumChannels; ch++ {
		v, err := protocol.DecodeFloat32(data)
		if err != nil {
			return err
		}
		s[ch] = v
	}
	return nil
}

func netFields(p *measure.NetParams) []*float32 {
	f := []*float32{&p.PeriodUS, &p.Frequency}
	for _, arr := range []*[3]float32{&p.U0Hz, &p.I0Hz, &p.THDU, &p.UPhase, &p.URMS, &p.IRMS} {
		for k := range arr {
			f = append(f, &arr[k])
		}
	}
	return f
}

// EncodeNetParams writes the valid flag followed by every value
func EncodeNetParams(out protocol.OutputBuffer, p *measure.NetParams) {
	protocol.EncodeBool(out, p.Valid)
	for _, f := range netFields(p) {
		protocol.EncodeFloat32(out, *f)
	}
}

// DecodeNetParams is the inverse of EncodeNetParams
func DecodeNetParams(data *[]byte, p *measure.NetParams) (err error) {
	if p.Valid, err = protocol.DecodeBool(data); err != nil {
		return err
	}
	return decodeFloats(data, netFields(p)...)
}

// Status answers MsgGetState
type Status struct {
	State    pfc.State
	Channels [3]bool
	Synced   bool
	Faulted  bool
	Cause    events.Cause // highest priority latch, meaningful when Faulted
	Info     uint8
	Ud       float32
	Target   float32
	Duty     float32
}

func (s Status) Encode(out protocol.OutputBuffer) {
	protocol.EncodeVLQUint(out, uint32(s.State))
	for _, ch := range s.Channels {
		protocol.EncodeBool(out, ch)
	}
	protocol.EncodeBool(out, s.Synced)
	protocol.EncodeBool(out, s.Faulted)
	protocol.EncodeVLQUint(out, uint32(s.Cause))
	protocol.EncodeVLQUint(out, uint32(s.Info))
	protocol.EncodeFloat32(out, s.Ud)
	protocol.EncodeFloat32(out, s.Target)
	protocol.EncodeFloat32(out, s.Duty)
}

func (s *Status) Decode(data *[]byte) error {
	st, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	s.State = pfc.State(st)
	for k := range s.Channels {
		if s.Channels[k], err = protocol.DecodeBool(data); err != nil {
			return err
		}
	}
	if s.Synced, err = protocol.DecodeBool(data); err != nil {
		return err
	}
	if s.Faulted, err = protocol.DecodeBool(data); err != nil {
		return err
	}
	cause, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	s.Cause = events.Cause(cause)
	info, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	s.Info = uint8(info)
	return decodeFloats(data, &s.Ud, &s.Target, &s.Duty)
}

// EventBatch answers MsgGetEvents
type EventBatch struct {
	Records []events.Record
	More    bool
}

func (b EventBatch) Encode(out protocol.OutputBuffer) {
	protocol.EncodeVLQUint(out, uint32(len(b.Records)))
	for _, r := range b.Records {
		protocol.EncodeUint64(out, r.TimestampMS)
		protocol.EncodeVLQUint(out, r.Code())
		protocol.EncodeVLQUint(out, uint32(r.Info))
		protocol.EncodeFloat32(out, r.Value)
	}
	protocol.EncodeBool(out, b.More)
}

func (b *EventBatch) Decode(data *[]byte) error {
	n, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if n > MaxEventBatch {
		return CodeInvalidPayload
	}
	b.Records = make([]events.Record, 0, n)
	for i := uint32(0); i < n; i++ {
		var r events.Record
		if r.TimestampMS, err = protocol.DecodeUint64(data); err != nil {
			return err
		}
		code, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		r.Type, r.Subtype = events.SplitCode(code)
		info, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		r.Info = uint8(info)
		if r.Value, err = protocol.DecodeFloat32(data); err != nil {
			return err
		}
		b.Records = append(b.Records, r)
	}
	b.More, err = protocol.DecodeBool(data)
	return err
}

// Stats answers MsgGetStats
type Stats struct {
	Cycles   uint64
	Overruns uint64
	Panics   uint64
	Trips    uint64
	Evicted  uint64
}

func (s *Stats) fields() []*uint64 {
	return []*uint64{&s.Cycles, &s.Overruns, &s.Panics, &s.Trips, &s.Evicted}
}

func (s Stats) Encode(out protocol.OutputBuffer) {
	for _, f := range s.fields() {
		protocol.EncodeUint64(out, *f)
	}
}

func (s *Stats) Decode(data *[]byte) (err error) {
	for _, f := range s.fields() {
		if *f, err = protocol.DecodeUint64(data); err != nil {
			return err
		}
	}
	return nil
}

// ErrorReply is the body of MsgError
type ErrorReply struct {
	Request uint32
	Code    Code
}

func (e ErrorReply) Encode(out protocol.OutputBuffer) {
	protocol.EncodeVLQUint(out, e.Request)
	protocol.EncodeVLQString(out, string(e.Code))
}

func (e *ErrorReply) Decode(data *[]byte) error {
	id, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	code, err := protocol.DecodeVLQString(data)
	if err != nil {
		return err
	}
	e.Request, e.Code = id, Code(code)
	return nil
}
