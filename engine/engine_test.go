package engine

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorTagayun/PFController/adc"
	"github.com/VictorTagayun/PFController/core"
	"github.com/VictorTagayun/PFController/events"
	"github.com/VictorTagayun/PFController/measure"
	"github.com/VictorTagayun/PFController/pfc"
	"github.com/VictorTagayun/PFController/protocol"
	"github.com/VictorTagayun/PFController/settings"
)

func newEngine(t *testing.T) (*Engine, *core.Controller) {
	t.Helper()
	c := core.New(core.DefaultConfig(), core.Deps{Logger: zerolog.Nop()})
	return New(core.Direct{C: c}, zerolog.Nop()), c
}

func midScale() adc.RawSample {
	var raw adc.RawSample
	for ch := range raw {
		raw[ch] = 2000
	}
	raw[adc.ChUD] = 0
	return raw
}

func commandPayload(cmd, data uint32) []byte {
	out := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(out, MsgCommand)
	protocol.EncodeVLQUint(out, cmd)
	protocol.EncodeVLQUint(out, data)
	return append([]byte(nil), out.Result()...)
}

func call(t *testing.T, e *Engine, req Request) ([]byte, error) {
	t.Helper()
	payload, err := EncodeRequest(req)
	require.NoError(t, err)
	resp, _ := e.HandleRequest(context.Background(), payload)
	return ResponseBody(req.ID(), resp)
}

func TestVersion(t *testing.T) {
	e, _ := newEngine(t)
	body, err := call(t, e, &VersionRequest{})
	require.NoError(t, err)

	var v Version
	require.NoError(t, v.Decode(&body))
	assert.Equal(t, Version{Major: 0, Minor: 1, Micro: 1, Build: Build}, v)
	assert.Empty(t, body)
}

func TestCalibrationRoundTrip(t *testing.T) {
	e, c := newEngine(t)

	table := settings.DefaultCalibration()
	table[adc.ChUA] = settings.CalibrationEntry{Offset: 2047.5, Multiplier: 0.1875}
	table[adc.ChTemp2] = settings.CalibrationEntry{Offset: -3, Multiplier: 0.125}

	body, err := call(t, e, &SetCalibrationRequest{Table: table})
	require.NoError(t, err)
	var ack Ack
	require.NoError(t, ack.Decode(&body))
	assert.True(t, ack.OK)

	body, err = call(t, e, &GetCalibrationRequest{})
	require.NoError(t, err)
	var got settings.Calibration
	require.NoError(t, DecodeCalibration(&body, &got))
	assert.Equal(t, table, got)
	assert.Equal(t, table, c.Settings().Calibration)
}

func TestRejectedWriteKeepsSettings(t *testing.T) {
	e, c := newEngine(t)
	before := c.Settings()

	bad := before.Protection
	bad.UMin = 500 // above u_max
	body, err := call(t, e, &SetProtectionRequest{Thresholds: bad})
	require.NoError(t, err)
	var ack Ack
	require.NoError(t, ack.Decode(&body))
	assert.False(t, ack.OK)
	assert.Equal(t, "u_min", ack.Reason)

	capset := before.Capacitor
	capset.Kp = float32(math.NaN())
	body, err = call(t, e, &SetCapacitorRequest{Capacitor: capset})
	require.NoError(t, err)
	require.NoError(t, ack.Decode(&body))
	assert.False(t, ack.OK)
	assert.Equal(t, "kp", ack.Reason)

	body, err = call(t, e, &GetProtectionRequest{})
	require.NoError(t, err)
	var p settings.ProtectionThresholds
	require.NoError(t, DecodeProtection(&body, &p))
	assert.Equal(t, before.Protection, p)
	assert.Equal(t, before, c.Settings())
}

func TestMalformedRequests(t *testing.T) {
	e, c := newEngine(t)
	before := c.Settings()

	full, err := EncodeRequest(&SetCapacitorRequest{Capacitor: settings.DefaultCapacitor()})
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
		want    Code
	}{
		{"empty", nil, CodeInvalidPayload},
		{"unknown id", []byte{0x7F}, CodeUnknownMessage},
		{"error id is not a request", []byte{byte(MsgError)}, CodeUnknownMessage},
		{"truncated floats", full[:len(full)-2], CodeInvalidPayload},
		{"trailing bytes", append(append([]byte(nil), full...), 0x00), CodeInvalidPayload},
		{"command out of range", commandPayload(300, 0), CodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := e.HandleRequest(context.Background(), tt.payload)
			assert.ErrorIs(t, err, tt.want)

			data := resp
			id, derr := protocol.DecodeVLQUint(&data)
			require.NoError(t, derr)
			assert.Equal(t, MsgError, id)
			var reply ErrorReply
			require.NoError(t, reply.Decode(&data))
			assert.Equal(t, tt.want, reply.Code)
		})
	}
	assert.Equal(t, before, c.Settings())
}

func TestCommandsFollowState(t *testing.T) {
	e, c := newEngine(t)

	body, err := call(t, e, &CommandRequest{Command: pfc.CmdWorkOn})
	require.NoError(t, err)
	var ack Ack
	require.NoError(t, ack.Decode(&body))
	assert.False(t, ack.OK, "still in INIT")

	c.Step(midScale())
	require.Equal(t, pfc.StateStop, c.State())

	body, err = call(t, e, &CommandRequest{Command: pfc.CmdTestOn, Data: 300})
	require.NoError(t, err)
	require.NoError(t, ack.Decode(&body))
	assert.True(t, ack.OK)

	c.Step(midScale())
	body, err = call(t, e, &GetStateRequest{})
	require.NoError(t, err)
	var st Status
	require.NoError(t, st.Decode(&body))
	assert.Equal(t, pfc.StateTest, st.State)
	assert.Equal(t, [3]bool{true, true, true}, st.Channels)
	assert.InDelta(t, 0.3, st.Duty, 1e-6)
}

func TestEventPaging(t *testing.T) {
	e, c := newEngine(t)
	for i := 0; i < 20; i++ {
		c.Events().Append(events.TypeEvent, events.EventCommand, uint8(i), float32(i))
	}
	total := c.Events().Len()

	var seen []events.Record
	cursor := uint64(0)
	for round := 0; round < 10; round++ {
		body, err := call(t, e, &GetEventsRequest{After: cursor})
		require.NoError(t, err)
		var b EventBatch
		require.NoError(t, b.Decode(&body))
		assert.LessOrEqual(t, len(b.Records), MaxEventBatch)

		for _, r := range b.Records {
			assert.GreaterOrEqual(t, r.TimestampMS, cursor)
		}
		seen = append(seen, b.Records...)
		if len(b.Records) > 0 {
			cursor = b.Records[len(b.Records)-1].TimestampMS + 1
		}
		if !b.More {
			break
		}
	}

	require.Len(t, seen, total)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i].TimestampMS, seen[i-1].TimestampMS)
	}
	last := seen[len(seen)-1]
	assert.Equal(t, events.TypeEvent, last.Type)
	assert.Equal(t, uint8(19), last.Info)
}

func TestTelemetry(t *testing.T) {
	e, c := newEngine(t)
	raw := midScale()
	raw[adc.ChUD] = 3500
	c.Step(raw)

	body, err := call(t, e, &GetSignalsRequest{})
	require.NoError(t, err)
	got := c.Signals()
	var decoded measure.Signals
	require.NoError(t, DecodeSignals(&body, &decoded))
	assert.Equal(t, got, decoded)
	assert.InDelta(t, 700, decoded[adc.ChUD], 1e-3)

	body, err = call(t, e, &GetRawSignalsRequest{})
	require.NoError(t, err)
	require.NoError(t, DecodeSignals(&body, &decoded))
	assert.Equal(t, float32(3500), decoded[adc.ChUD])

	body, err = call(t, e, &GetNetParamsRequest{})
	require.NoError(t, err)
	var np measure.NetParams
	require.NoError(t, DecodeNetParams(&body, &np))
	assert.False(t, np.Valid)

	body, err = call(t, e, &GetStatsRequest{})
	require.NoError(t, err)
	var st Stats
	require.NoError(t, st.Decode(&body))
	assert.Equal(t, uint64(1), st.Cycles)
}

type stuckExecutor struct{}

func (stuckExecutor) Do(ctx context.Context, fn func(*core.Controller)) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestBusyWhenControlLoopDoesNotAnswer(t *testing.T) {
	e := New(stuckExecutor{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	payload, err := EncodeRequest(&GetStateRequest{})
	require.NoError(t, err)
	resp, err := e.HandleRequest(ctx, payload)
	assert.ErrorIs(t, err, CodeBusy)

	_, err = ResponseBody(MsgGetState, resp)
	assert.ErrorIs(t, err, CodeBusy)
}

func TestDictionaryListsEveryMessage(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, int(MsgGetStats), r.Count())
	id, ok := r.LookupName("set_protection")
	require.True(t, ok)
	assert.Equal(t, MsgSetProtection, id)
	assert.Contains(t, r.Dictionary(), "2 command cmd=%u data=%u\n")

	// Re-registering a name keeps the original entry
	assert.Equal(t, MsgVersion, r.Register(99, "get_version", "", nil))
	_, ok = r.Lookup(99)
	assert.False(t, ok)
}
