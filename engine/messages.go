package engine

import (
	"github.com/VictorTagayun/PFController/adc"
	"github.com/VictorTagayun/PFController/pfc"
	"github.com/VictorTagayun/PFController/protocol"
	"github.com/VictorTagayun/PFController/settings"
)

// Message IDs. A response echoes the request ID; failures answer MsgError.
const (
	MsgError uint32 = iota
	MsgVersion
	MsgCommand
	MsgGetCalibration
	MsgSetCalibration
	MsgGetProtection
	MsgSetProtection
	MsgGetCapacitor
	MsgSetCapacitor
	MsgGetSignals
	MsgGetRawSignals
	MsgGetNetParams
	MsgGetState
	MsgGetEvents
	MsgGetStats
)

// Request is one decoded request. The set of variants is closed: every
// implementation lives in this file and is handled by Engine.execute.
type Request interface {
	ID() uint32
	Encode(out protocol.OutputBuffer)
	decode(data *[]byte) error
}

type (
	VersionRequest        struct{}
	GetCalibrationRequest struct{}
	GetProtectionRequest  struct{}
	GetCapacitorRequest   struct{}
	GetSignalsRequest     struct{}
	GetRawSignalsRequest  struct{}
	GetNetParamsRequest   struct{}
	GetStateRequest       struct{}
	GetStatsRequest       struct{}
)

// CommandRequest carries an operator command
type CommandRequest struct {
	Command pfc.Command
	Data    uint32
}

// SetCalibrationRequest replaces the whole calibration table
type SetCalibrationRequest struct {
	Table settings.Calibration
}

// SetProtectionRequest replaces all thresholds
type SetProtectionRequest struct {
	Thresholds settings.ProtectionThresholds
}

// SetCapacitorRequest replaces the regulator settings
type SetCapacitorRequest struct {
	Capacitor settings.CapacitorSettings
}

// GetEventsRequest asks for records with index >= After
type GetEventsRequest struct {
	After uint64
}

func (VersionRequest) ID() uint32        { return MsgVersion }
func (CommandRequest) ID() uint32        { return MsgCommand }
func (GetCalibrationRequest) ID() uint32 { return MsgGetCalibration }
func (SetCalibrationRequest) ID() uint32 { return MsgSetCalibration }
func (GetProtectionRequest) ID() uint32  { return MsgGetProtection }
func (SetProtectionRequest) ID() uint32  { return MsgSetProtection }
func (GetCapacitorRequest) ID() uint32   { return MsgGetCapacitor }
func (SetCapacitorRequest) ID() uint32   { return MsgSetCapacitor }
func (GetSignalsRequest) ID() uint32     { return MsgGetSignals }
func (GetRawSignalsRequest) ID() uint32  { return MsgGetRawSignals }
func (GetNetParamsRequest) ID() uint32   { return MsgGetNetParams }
func (GetStateRequest) ID() uint32       { return MsgGetState }
func (GetEventsRequest) ID() uint32      { return MsgGetEvents }
func (GetStatsRequest) ID() uint32       { return MsgGetStats }

// Argument-less requests
func (VersionRequest) Encode(protocol.OutputBuffer)        {}
func (GetCalibrationRequest) Encode(protocol.OutputBuffer) {}
func (GetProtectionRequest) Encode(protocol.OutputBuffer)  {}
func (GetCapacitorRequest) Encode(protocol.OutputBuffer)   {}
func (GetSignalsRequest) Encode(protocol.OutputBuffer)     {}
func (GetRawSignalsRequest) Encode(protocol.OutputBuffer)  {}
func (GetNetParamsRequest) Encode(protocol.OutputBuffer)   {}
func (GetStateRequest) Encode(protocol.OutputBuffer)       {}
func (GetStatsRequest) Encode(protocol.OutputBuffer)       {}

func (*VersionRequest) decode(*[]byte) error        { return nil }
func (*GetCalibrationRequest) decode(*[]byte) error { return nil }
func (*GetProtectionRequest) decode(*[]byte) error  { return nil }
func (*GetCapacitorRequest) decode(*[]byte) error   { return nil }
func (*GetSignalsRequest) decode(*[]byte) error     { return nil }
func (*GetRawSignalsRequest) decode(*[]byte) error  { return nil }
func (*GetNetParamsRequest) decode(*[]byte) error   { return nil }
func (*GetStateRequest) decode(*[]byte) error       { return nil }
func (*GetStatsRequest) decode(*[]byte) error       { return nil }

func (r CommandRequest) Encode(out protocol.OutputBuffer) {
	protocol.EncodeVLQUint(out, uint32(r.Command))
	protocol.EncodeVLQUint(out, r.Data)
}

func (r *CommandRequest) decode(data *[]byte) error {
	cmd, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if cmd > 0xFF {
		return CodeInvalidParams
	}
	r.Command = pfc.Command(cmd)
	r.Data, err = protocol.DecodeVLQUint(data)
	return err
}

func (r SetCalibrationRequest) Encode(out protocol.OutputBuffer) {
	EncodeCalibration(out, &r.Table)
}

func (r *SetCalibrationRequest) decode(data *[]byte) error {
	return DecodeCalibration(data, &r.Table)
}

func (r SetProtectionRequest) Encode(out protocol.OutputBuffer) {
	EncodeProtection(out, &r.Thresholds)
}

func (r *SetProtectionRequest) decode(data *[]byte) error {
	return DecodeProtection(data, &r.Thresholds)
}

func (r SetCapacitorRequest) Encode(out protocol.OutputBuffer) {
	EncodeCapacitor(out, &r.Capacitor)
}

func (r *SetCapacitorRequest) decode(data *[]byte) error {
	return DecodeCapacitor(data, &r.Capacitor)
}

func (r GetEventsRequest) Encode(out protocol.OutputBuffer) {
	protocol.EncodeUint64(out, r.After)
}

func (r *GetEventsRequest) decode(data *[]byte) error {
	var err error
	r.After, err = protocol.DecodeUint64(data)
	return err
}

// EncodeCalibration writes offset and multiplier of every channel in
// channel order
func EncodeCalibration(out protocol.OutputBuffer, c *settings.Calibration) {
	for ch := 0; ch < adc.NumChannels; ch++ {
		protocol.EncodeFloat32(out, c[ch].Offset)
		protocol.EncodeFloat32(out, c[ch].Multiplier)
	}
}

// DecodeCalibration is the inverse of EncodeCalibration
func DecodeCalibration(data *[]byte, c *settings.Calibration) error {
	for ch := 0; ch < adc.NumChannels; ch++ {
		if err := decodeFloats(data, &c[ch].Offset, &c[ch].Multiplier); err != nil {
			return err
		}
	}
	return nil
}

func protectionFields(p *settings.ProtectionThresholds) []*float32 {
	return []*float32{
		&p.UdMin, &p.UdMax, &p.TemperatureMax, &p.UMin, &p.UMax,
		&p.FMin, &p.FMax, &p.IMaxRMS, &p.IMaxPeak,
	}
}

// EncodeProtection writes the thresholds in declaration order
func EncodeProtection(out protocol.OutputBuffer, p *settings.ProtectionThresholds) {
	for _, f := range protectionFields(p) {
		protocol.EncodeFloat32(out, *f)
	}
}

// DecodeProtection is the inverse of EncodeProtection
func DecodeProtection(data *[]byte, p *settings.ProtectionThresholds) error {
	return decodeFloats(data, protectionFields(p)...)
}

func capacitorFields(c *settings.CapacitorSettings) []*float32 {
	return []*float32{&c.Kp, &c.Ki, &c.Kd, &c.UdNominal, &c.UdPrecharge}
}

// EncodeCapacitor writes the regulator settings in declaration order
func EncodeCapacitor(out protocol.OutputBuffer, c *settings.CapacitorSettings) {
	for _, f := range capacitorFields(c) {
		protocol.EncodeFloat32(out, *f)
	}
}

// DecodeCapacitor is the inverse of EncodeCapacitor
func DecodeCapacitor(data *[]byte, c *settings.CapacitorSettings) error {
	return decodeFloats(data, capacitorFields(c)...)
}

func decodeFloats(data *[]byte, dst ...*float32) error {
	for _, d := range dst {
		v, err := protocol.DecodeFloat32(data)
		if err != nil {
			return err
		}
		*d = v
	}
	return nil
}

// EncodeRequest builds the complete payload of req
func EncodeRequest(req Request) ([]byte, error) {
	out := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(out, req.ID())
	req.Encode(out)
	if out.Overflow() || len(out.Result()) > protocol.MessagePayloadMax {
		return nil, CodeTooLarge
	}
	return append([]byte(nil), out.Result()...), nil
}

// ResponseBody checks that payload answers request id and returns the
// bytes after the message ID. A MsgError reply is returned as its Code.
func ResponseBody(id uint32, payload []byte) ([]byte, error) {
	data := payload
	got, err := protocol.DecodeVLQUint(&data)
	if err != nil {
		return nil, CodeInvalidPayload
	}
	if got == MsgError {
		var e ErrorReply
		if err := e.Decode(&data); err != nil {
			return nil, CodeInvalidPayload
		}
		return nil, e.Code
	}
	if got != id {
		return nil, CodeUnknownMessage
	}
	return data, nil
}
