// Package client is the operator side of the serial protocol: typed calls
// for every message the converter answers, plus the event history cursor.
package client

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/VictorTagayun/PFController/engine"
	"github.com/VictorTagayun/PFController/events"
	"github.com/VictorTagayun/PFController/host/serial"
	"github.com/VictorTagayun/PFController/measure"
	"github.com/VictorTagayun/PFController/pfc"
	"github.com/VictorTagayun/PFController/protocol"
	"github.com/VictorTagayun/PFController/settings"
)

// DefaultTimeout bounds one request/response round trip
const DefaultTimeout = time.Second

// maxEventPages stops a single Events call from paging forever when the
// device appends faster than it is drained
const maxEventPages = 32

var ErrNotConnected = errors.New("not connected")

// Client talks to one converter
type Client struct {
	mu        sync.Mutex
	transport *protocol.HostTransport
	timeout   time.Duration
	logger    zerolog.Logger

	cursor uint64 // next event index to ask for
}

// Connect opens the serial port and returns a client on it
func Connect(cfg *serial.Config, logger zerolog.Logger) (*Client, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := port.Flush(); err != nil {
		logger.Debug().Err(err).Msg("Flush failed")
	}
	return New(port, logger), nil
}

// New wraps an already open port
func New(port io.ReadWriteCloser, logger zerolog.Logger) *Client {
	return &Client{
		transport: protocol.NewHostTransport(port),
		timeout:   DefaultTimeout,
		logger:    logger.With().Str("component", "client").Logger(),
	}
}

// SetTimeout changes the round trip timeout
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Close closes the transport and its port
func (c *Client) Close() error {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Close()
}

// Reset resynchronizes the link after errors and restarts event paging
// from the oldest record the device keeps
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		c.transport.Reset()
	}
	c.cursor = 0
}

// do performs one exchange and returns the response body
func (c *Client) do(req engine.Request) ([]byte, error) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return nil, ErrNotConnected
	}

	payload, err := t.Exchange(req.ID(), req.Encode, c.timeout)
	if err != nil {
		c.logger.Debug().Uint32("msg", req.ID()).Err(err).Msg("Exchange failed")
		return nil, fmt.Errorf("message %d: %w", req.ID(), err)
	}
	body, err := engine.ResponseBody(req.ID(), payload)
	if err != nil {
		return nil, fmt.Errorf("message %d: %w", req.ID(), err)
	}
	return body, nil
}

// Version asks for the firmware version
func (c *Client) Version() (engine.Version, error) {
	var v engine.Version
	body, err := c.do(&engine.VersionRequest{})
	if err != nil {
		return v, err
	}
	return v, v.Decode(&body)
}

// Command sends one operator command. ok reports whether the state
// machine accepted it.
func (c *Client) Command(cmd pfc.Command, data uint32) (bool, error) {
	ack, err := c.ack(&engine.CommandRequest{Command: cmd, Data: data})
	return ack.OK, err
}

func (c *Client) ack(req engine.Request) (engine.Ack, error) {
	var a engine.Ack
	body, err := c.do(req)
	if err != nil {
		return a, err
	}
	return a, a.Decode(&body)
}

// Calibration reads the calibration table
func (c *Client) Calibration() (settings.Calibration, error) {
	var cal settings.Calibration
	body, err := c.do(&engine.GetCalibrationRequest{})
	if err != nil {
		return cal, err
	}
	return cal, engine.DecodeCalibration(&body, &cal)
}

// SetCalibration writes the calibration table. A rejected write returns
// the offending field in the Ack.
func (c *Client) SetCalibration(cal settings.Calibration) (engine.Ack, error) {
	return c.ack(&engine.SetCalibrationRequest{Table: cal})
}

// Protection reads the protection thresholds
func (c *Client) Protection() (settings.ProtectionThresholds, error) {
	var p settings.ProtectionThresholds
	body, err := c.do(&engine.GetProtectionRequest{})
	if err != nil {
		return p, err
	}
	return p, engine.DecodeProtection(&body, &p)
}

func (c *Client) SetProtection(p settings.ProtectionThresholds) (engine.Ack, error) {
	return c.ack(&engine.SetProtectionRequest{Thresholds: p})
}

// Capacitor reads the regulator settings
func (c *Client) Capacitor() (settings.CapacitorSettings, error) {
	var cs settings.CapacitorSettings
	body, err := c.do(&engine.GetCapacitorRequest{})
	if err != nil {
		return cs, err
	}
	return cs, engine.DecodeCapacitor(&body, &cs)
}

func (c *Client) SetCapacitor(cs settings.CapacitorSettings) (engine.Ack, error) {
	return c.ack(&engine.SetCapacitorRequest{Capacitor: cs})
}

// Signals reads the filtered calibrated channel values
func (c *Client) Signals() (measure.Signals, error) {
	return c.signals(&engine.GetSignalsRequest{})
}

// RawSignals reads the filtered uncalibrated channel values
func (c *Client) RawSignals() (measure.Signals, error) {
	return c.signals(&engine.GetRawSignalsRequest{})
}

func (c *Client) signals(req engine.Request) (measure.Signals, error) {
	var s measure.Signals
	body, err := c.do(req)
	if err != nil {
		return s, err
	}
	return s, engine.DecodeSignals(&body, &s)
}

// NetParams reads the grid parameters of the last complete period
func (c *Client) NetParams() (measure.NetParams, error) {
	var p measure.NetParams
	body, err := c.do(&engine.GetNetParamsRequest{})
	if err != nil {
		return p, err
	}
	return p, engine.DecodeNetParams(&body, &p)
}

// Status reads the converter state
func (c *Client) Status() (engine.Status, error) {
	var s engine.Status
	body, err := c.do(&engine.GetStateRequest{})
	if err != nil {
		return s, err
	}
	return s, s.Decode(&body)
}

// Stats reads the control loop counters
func (c *Client) Stats() (engine.Stats, error) {
	var s engine.Stats
	body, err := c.do(&engine.GetStatsRequest{})
	if err != nil {
		return s, err
	}
	return s, s.Decode(&body)
}

// Events returns the records appended since the previous call, oldest
// first, and advances the cursor past them.
func (c *Client) Events() ([]events.Record, error) {
	var out []events.Record
	for page := 0; page < maxEventPages; page++ {
		c.mu.Lock()
		after := c.cursor
		c.mu.Unlock()

		body, err := c.do(&engine.GetEventsRequest{After: after})
		if err != nil {
			return out, err
		}
		var batch engine.EventBatch
		if err := batch.Decode(&body); err != nil {
			return out, err
		}

		c.mu.Lock()
		for _, r := range batch.Records {
			if r.TimestampMS >= c.cursor {
				c.cursor = r.TimestampMS + 1
			}
		}
		if c.cursor > events.TimeMaxValue {
			c.cursor = 0
		}
		c.mu.Unlock()

		out = append(out, batch.Records...)
		if !batch.More || len(batch.Records) == 0 {
			break
		}
	}
	return out, nil
}

// Cursor returns the index the next Events call starts from
func (c *Client) Cursor() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Dictionary lists the messages this client speaks
func (c *Client) Dictionary() string {
	return engine.NewRegistry().Dictionary()
}
