package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/VictorTagayun/PFController/adc"
	"github.com/VictorTagayun/PFController/core"
	"github.com/VictorTagayun/PFController/events"
	"github.com/VictorTagayun/PFController/host/client"
	"github.com/VictorTagayun/PFController/measure"
	"github.com/VictorTagayun/PFController/pfc"
)

// maxEventsPerPoll bounds the records pushed by one poll
const maxEventsPerPoll = 64

// Config of the bridge
type Config struct {
	Interval time.Duration // status push period
	Origins  []string      // allowed Origin headers; empty allows any
	ReadOnly bool          // ignore commands from clients
}

// Status is the TopicStatus payload
type Status struct {
	State    string             `json:"state"`
	Channels [3]bool            `json:"channels"`
	Synced   bool               `json:"synced"`
	Faulted  bool               `json:"faulted"`
	Cause    string             `json:"cause,omitempty"`
	Info     uint8              `json:"info,omitempty"`
	Target   float32            `json:"target"`
	Duty     float32            `json:"duty"`
	Signals  map[string]float32 `json:"signals"`
}

// Event is one TopicEvents payload
type Event struct {
	Index uint64  `json:"index"`
	Type  string  `json:"type"`
	Code  uint32  `json:"code"`
	Info  uint8   `json:"info"`
	Value float32 `json:"value"`
	Text  string  `json:"text"`
}

// Server polls the controller and publishes to the hub
type Server struct {
	cfg      Config
	exec     core.Executor
	hub      *Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	cursor uint64
}

// New creates a bridge reading the controller through exec
func New(exec core.Executor, cfg Config, logger zerolog.Logger) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	s := &Server{
		cfg:    cfg,
		exec:   exec,
		logger: logger.With().Str("component", "monitor").Logger(),
	}
	var commands CommandFunc
	if !cfg.ReadOnly {
		commands = s.command
	}
	s.hub = NewHub(commands, s.logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Hub returns the client hub
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.Origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.cfg.Origins {
		if o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request to a WebSocket client
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Upgrade failed")
		return
	}
	s.hub.Attach(conn)
}

// Run serves the hub and pushes a poll every interval until ctx ends
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx.Done())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.hub.ClientCount() == 0 {
				continue
			}
			if err := s.Poll(ctx); err != nil {
				if errors.Is(err, core.ErrStopped) {
					return err
				}
				s.logger.Debug().Err(err).Msg("Poll failed")
			}
		}
	}
}

// ListenAndServe serves WebSocket clients on addr at /ws until ctx ends
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor listen: %w", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Monitor listening")
	go func() { _ = s.Run(ctx) }()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Poll reads one snapshot and publishes status, grid parameters and the
// records appended since the previous poll
func (s *Server) Poll(ctx context.Context) error {
	var (
		st   Status
		np   measure.NetParams
		recs []events.Record
	)
	err := s.exec.Do(ctx, func(c *core.Controller) {
		st = snapshot(c)
		np = c.NetParams()
		recs, _ = c.Events().After(s.cursor, maxEventsPerPoll)
	})
	if err != nil {
		return err
	}

	s.hub.Publish(TopicStatus, st)
	if np.Valid {
		s.hub.Publish(TopicNet, np)
	}
	for _, r := range recs {
		s.hub.Publish(TopicEvents, Event{
			Index: r.TimestampMS,
			Type:  r.Type.String(),
			Code:  r.Code(),
			Info:  r.Info,
			Value: r.Value,
			Text:  client.FormatEvent(r),
		})
		if r.TimestampMS >= s.cursor {
			s.cursor = r.TimestampMS + 1
		}
	}
	if s.cursor > events.TimeMaxValue {
		s.cursor = 0
	}
	return nil
}

func snapshot(c *core.Controller) Status {
	res := c.Protection()
	sig := c.Signals()
	st := Status{
		State:    c.State().String(),
		Channels: c.Channels(),
		Synced:   c.Synced(),
		Faulted:  res.Faulted,
		Target:   c.Target(),
		Duty:     c.Drive().Duty,
		Signals:  make(map[string]float32, adc.NumChannels),
	}
	if res.Faulted {
		st.Cause = res.Cause.String()
		st.Info = res.Info
	}
	for ch := adc.Channel(0); ch < adc.NumChannels; ch++ {
		st.Signals[ch.String()] = sig[ch]
	}
	return st
}

func (s *Server) command(name string, data uint32) (bool, error) {
	cmd, ok := pfc.ParseCommand(name)
	if !ok {
		return false, fmt.Errorf("unknown command %q", name)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var accepted bool
	err := s.exec.Do(ctx, func(c *core.Controller) {
		accepted = c.Command(cmd, data)
	})
	return accepted, err
}
