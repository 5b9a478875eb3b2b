// Package engine decodes protocol requests, executes them on the control
// goroutine and encodes the responses.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/VictorTagayun/PFController/adc"
	"github.com/VictorTagayun/PFController/core"
	"github.com/VictorTagayun/PFController/protocol"
	"github.com/VictorTagayun/PFController/settings"
)

// DefaultTimeout bounds how long a request waits for the control goroutine
const DefaultTimeout = 500 * time.Millisecond

// Engine is the handle_request entry point of the device
type Engine struct {
	reg     *Registry
	exec    core.Executor
	logger  zerolog.Logger
	timeout time.Duration
}

// New creates an engine executing requests through exec
func New(exec core.Executor, logger zerolog.Logger) *Engine {
	return &Engine{
		reg:     NewRegistry(),
		exec:    exec,
		logger:  logger.With().Str("component", "engine").Logger(),
		timeout: DefaultTimeout,
	}
}

// SetTimeout changes the per request timeout of Handler
func (e *Engine) SetTimeout(d time.Duration) {
	if d > 0 {
		e.timeout = d
	}
}

// Registry returns the message registry
func (e *Engine) Registry() *Registry { return e.reg }

// Handler adapts the engine to the frame transport
func (e *Engine) Handler() protocol.RequestHandler {
	return func(payload []byte) []byte {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		resp, _ := e.HandleRequest(ctx, payload)
		return resp
	}
}

// HandleRequest answers one request payload. The response is always a
// complete payload; on failure it is a MsgError reply and the returned
// error carries the same Code. A failed request never changes state.
func (e *Engine) HandleRequest(ctx context.Context, payload []byte) ([]byte, error) {
	id, req, err := e.reg.Decode(payload)
	if err != nil {
		e.logger.Debug().Uint32("msg", id).Err(err).Msg("Request rejected")
		return errorReply(id, Of(err)), err
	}

	out := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(out, id)

	var execErr error
	err = e.exec.Do(ctx, func(c *core.Controller) {
		execErr = execute(c, req, out)
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, core.ErrStopped):
		return errorReply(id, CodeBusy), CodeBusy
	case err != nil:
		return errorReply(id, CodeInternal), fmt.Errorf("execute %d: %w", id, err)
	case execErr != nil:
		return errorReply(id, Of(execErr)), execErr
	}

	if out.Overflow() || len(out.Result()) > protocol.MessagePayloadMax {
		return errorReply(id, CodeTooLarge), CodeTooLarge
	}
	return out.Result(), nil
}

func errorReply(id uint32, code Code) []byte {
	out := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(out, MsgError)
	ErrorReply{Request: id, Code: code}.Encode(out)
	return out.Result()
}

// execute runs on the control goroutine. Every Request variant has a case.
func execute(c *core.Controller, req Request, out protocol.OutputBuffer) error {
	switch r := req.(type) {
	case *VersionRequest:
		Version{Major: VersionMajor, Minor: VersionMinor, Micro: VersionMicro, Build: Build}.Encode(out)

	case *CommandRequest:
		Ack{OK: c.Command(r.Command, r.Data)}.Encode(out)

	case *GetCalibrationRequest:
		s := c.Settings()
		EncodeCalibration(out, &s.Calibration)

	case *SetCalibrationRequest:
		writeAck(out, c.SetCalibration(r.Table))

	case *GetProtectionRequest:
		s := c.Settings()
		EncodeProtection(out, &s.Protection)

	case *SetProtectionRequest:
		writeAck(out, c.SetProtection(r.Thresholds))

	case *GetCapacitorRequest:
		s := c.Settings()
		EncodeCapacitor(out, &s.Capacitor)

	case *SetCapacitorRequest:
		writeAck(out, c.SetCapacitor(r.Capacitor))

	case *GetSignalsRequest:
		s := c.Signals()
		EncodeSignals(out, &s)

	case *GetRawSignalsRequest:
		s := c.RawSignals()
		EncodeSignals(out, &s)

	case *GetNetParamsRequest:
		p := c.NetParams()
		EncodeNetParams(out, &p)

	case *GetStateRequest:
		res := c.Protection()
		d := c.Drive()
		Status{
			State:    c.State(),
			Channels: c.Channels(),
			Synced:   c.Synced(),
			Faulted:  res.Faulted,
			Cause:    res.Cause,
			Info:     res.Info,
			Ud:       c.Signals()[adc.ChUD],
			Target:   c.Target(),
			Duty:     d.Duty,
		}.Encode(out)

	case *GetEventsRequest:
		recs, more := c.Events().After(r.After, MaxEventBatch)
		EventBatch{Records: recs, More: more}.Encode(out)

	case *GetStatsRequest:
		s := c.Stats()
		Stats{
			Cycles:   s.Cycles,
			Overruns: s.Overruns,
			Panics:   s.Panics,
			Trips:    s.Trips,
			Evicted:  s.Evicted,
		}.Encode(out)

	default:
		return CodeUnknownMessage
	}
	return nil
}

func writeAck(out protocol.OutputBuffer, err error) {
	if err == nil {
		Ack{OK: true}.Encode(out)
		return
	}
	reason := err.Error()
	var verr *settings.ValidationError
	if errors.As(err, &verr) {
		reason = verr.Field
	}
	Ack{OK: false, Reason: reason}.Encode(out)
}
