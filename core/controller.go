// Package core ties the measurement, protection, sequencing and regulation
// stages into one control cycle owned by a single goroutine.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/VictorTagayun/PFController/adc"
	"github.com/VictorTagayun/PFController/control"
	"github.com/VictorTagayun/PFController/events"
	"github.com/VictorTagayun/PFController/measure"
	"github.com/VictorTagayun/PFController/pfc"
	"github.com/VictorTagayun/PFController/protection"
	"github.com/VictorTagayun/PFController/settings"
)

// ErrStopped is returned by Do once the run loop has exited
var ErrStopped = errors.New("controller stopped")

// Config gathers the tuning of every stage
type Config struct {
	SampleRate    float64            `yaml:"sample_rate"`
	Sync          measure.SyncConfig `yaml:"sync"`
	Protection    protection.Config  `yaml:"protection"`
	Control       control.Config     `yaml:"control"`
	PFC           pfc.Config         `yaml:"pfc"`
	EventCapacity int                `yaml:"event_capacity"`
	HandoffDepth  int                `yaml:"handoff_depth"`
}

// DefaultConfig returns the defaults of all stages at 6.4 kHz
func DefaultConfig() Config {
	return Config{
		SampleRate:    6400,
		Sync:          measure.DefaultSyncConfig(),
		Protection:    protection.DefaultConfig(),
		Control:       control.DefaultConfig(),
		PFC:           pfc.DefaultConfig(),
		EventCapacity: events.DefaultCapacity,
		HandoffDepth:  64,
	}
}

// Deps are the collaborators of a controller
type Deps struct {
	Store  settings.Store
	Stage  control.Stage
	Logger zerolog.Logger
	Clock  func() time.Time // event timestamps; nil uses time.Now
}

// Stats are the controller counters
type Stats struct {
	Cycles   uint64
	Overruns uint64
	Panics   uint64
	Trips    uint64
	Evicted  uint64
}

type job struct {
	fn   func(*Controller)
	done chan struct{}
}

// Controller owns all mutable control state. Its methods other than Do and
// Run must only be called on the control goroutine: from inside a Do
// function, or directly when no Run loop is active.
type Controller struct {
	cfg    Config
	logger zerolog.Logger
	store  settings.Store
	stage  control.Stage

	settings settings.Settings
	selfOK   bool

	cond     *measure.Conditioner
	analyzer *measure.Analyzer
	tracker  *measure.SyncTracker
	monitor  *protection.Monitor
	loop     *control.Loop
	machine  *pfc.Machine
	log      *events.Log

	jobs    chan job
	stopped chan struct{}

	raw      adc.RawSample
	result   protection.Result
	drive    control.Drive
	sinceNet int

	cycles   uint64
	overruns uint64
	panics   uint64

	loggedOverruns uint64
	loggedAt       uint64 // cycle of the last overrun warning
}

// New builds a controller, loads the persisted settings and records the
// power-on event. The machine starts in INIT and leaves it on the first
// cycle.
func New(cfg Config, deps Deps) *Controller {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultConfig().SampleRate
	}
	if deps.Store == nil {
		deps.Store = settings.NewMemoryStore(nil)
	}

	c := &Controller{
		cfg:      cfg,
		logger:   deps.Logger.With().Str("component", "controller").Logger(),
		store:    deps.Store,
		stage:    deps.Stage,
		cond:     measure.NewConditioner(),
		analyzer: measure.NewAnalyzer(cfg.SampleRate),
		tracker:  measure.NewSyncTracker(cfg.Sync),
		loop:     control.NewLoop(cfg.Control, cfg.SampleRate),
		log:      events.NewLog(cfg.EventCapacity, deps.Clock),
		jobs:     make(chan job),
		stopped:  make(chan struct{}),
	}
	c.monitor = protection.NewMonitor(cfg.Protection, c.log, deps.Logger)
	c.machine = pfc.NewMachine(cfg.PFC, c.log, c.monitor, deps.Logger)

	c.log.Append(events.TypePower, events.PowerOn, 0, 0)
	c.loadSettings()
	return c
}

func (c *Controller) loadSettings() {
	c.settings = settings.Default()
	c.selfOK = true

	s, err := c.store.Load()
	switch {
	case errors.Is(err, settings.ErrNotFound):
		c.logger.Info().Msg("No stored settings, using defaults")
		c.log.Append(events.TypeEvent, events.EventSettingsLoaded, 0, 0)
	case err != nil:
		c.logger.Error().Err(err).Msg("Failed to load settings")
		c.selfOK = false
	default:
		if verr := s.Validate(); verr != nil {
			c.logger.Error().Err(verr).Msg("Stored settings rejected")
			c.selfOK = false
			return
		}
		c.settings = s
		c.log.Append(events.TypeEvent, events.EventSettingsLoaded, 1, 0)
	}
}

// Do runs fn on the control goroutine between two cycles and waits for it
func (c *Controller) Do(ctx context.Context, fn func(*Controller)) error {
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case c.jobs <- j:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-j.done:
		return nil
	case <-c.stopped:
		// The loop closes stopped only after finishing the running job
		select {
		case <-j.done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run acquires samples from src and runs one cycle per sample until ctx
// ends or the source fails. Jobs queued through Do run between cycles.
func (c *Controller) Run(ctx context.Context, src adc.Source) error {
	defer close(c.stopped)
	defer c.safeStage()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := adc.NewHandoff(c.cfg.HandoffDepth)
	srcErr := make(chan error, 1)
	go func() {
		srcErr <- src.Start(ctx, h)
	}()

	c.logger.Info().Float64("sample_rate", c.cfg.SampleRate).Msg("Control loop started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Uint64("cycles", c.cycles).Msg("Control loop stopped")
			return nil

		case err := <-srcErr:
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("acquisition: %w", err)

		case j := <-c.jobs:
			c.runJob(j)

		case <-h.Ready():
			for {
				s, ok := h.Take()
				if !ok {
					break
				}
				c.Step(s)
				c.drainJobs()
			}
			c.noteOverruns(h.Overruns())
		}
	}
}

func (c *Controller) runJob(j job) {
	defer close(j.done)
	defer func() {
		if r := recover(); r != nil {
			c.panics++
			c.logger.Error().Interface("panic", r).Msg("Request handler panicked")
		}
	}()
	j.fn(c)
}

func (c *Controller) drainJobs() {
	for {
		select {
		case j := <-c.jobs:
			c.runJob(j)
		default:
			return
		}
	}
}

func (c *Controller) noteOverruns(total uint64) {
	c.overruns = total
	if total == c.loggedOverruns {
		return
	}
	// At most one warning per second of samples
	if c.loggedOverruns != 0 && c.cycles-c.loggedAt < uint64(c.cfg.SampleRate) {
		return
	}
	c.logger.Warn().
		Uint64("overruns", total).
		Uint64("new", total-c.loggedOverruns).
		Msg("Samples dropped before processing")
	c.loggedOverruns = total
	c.loggedAt = c.cycles
}

// Step runs one control cycle on raw. A panic inside the cycle is
// recovered, logged and forces FAULTBLOCK with the stage disabled.
func (c *Controller) Step(raw adc.RawSample) (state pfc.State) {
	defer func() {
		if r := recover(); r != nil {
			c.panics++
			c.logger.Error().Interface("panic", r).Uint64("cycle", c.cycles).Msg("Control cycle panicked")
			c.machine.Fault()
			c.safeStage()
			state = c.machine.State()
		}
	}()

	c.cycles++
	c.raw = raw
	s := &c.settings

	c.cond.Process(raw, &s.Calibration)
	instant := c.cond.Instant()
	filtered := c.cond.Filtered()

	if c.analyzer.Push(instant) {
		c.tracker.Update(c.analyzer.Params(), &s.Protection)
		c.sinceNet = 0
	} else if c.sinceNet++; c.sinceNet >= measure.MaxPeriodSamples {
		// No period completed: the signal is gone, count it as a bad period
		c.tracker.Update(c.analyzer.Params(), &s.Protection)
		c.sinceNet = 0
	}

	current := c.machine.State()
	in := protection.Inputs{
		Raw:        raw,
		Instant:    instant,
		Filtered:   filtered,
		Net:        c.analyzer.Params(),
		GridActive: current.GridActive(),
		Regulating: current.Regulating(),
		SyncFault:  c.machine.SyncTimedOut() || (current.GridActive() && c.tracker.Lost()),
	}
	if c.stage != nil {
		in.StageFault, in.StageCode = c.stage.Fault()
	}
	c.result = c.monitor.Evaluate(&in, &s.Protection)

	next := c.machine.Tick(pfc.Inputs{
		Ud:          filtered[adc.ChUD],
		UdPrecharge: s.Capacitor.UdPrecharge,
		UdNominal:   s.Capacitor.UdNominal,
		Synced:      c.tracker.Synced(),
		Faulted:     c.result.Faulted,
		SelfCheckOK: c.selfOK,
	})

	c.loop.SetMode(next.Mode())
	c.loop.SetTestDuty(c.machine.TestDuty())
	d := c.loop.Update(filtered[adc.ChUD], &s.Capacitor)
	d.Precharge, d.Main = next.Contactors()
	d.Channels = c.machine.Channels()
	if next == pfc.StateFaultBlock {
		d = control.Drive{}
	}
	c.drive = d
	if c.stage != nil {
		c.stage.Apply(d)
	}
	return next
}

func (c *Controller) safeStage() {
	c.drive = control.Drive{}
	if c.stage == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Stage rejected the safe drive")
		}
	}()
	c.stage.Apply(c.drive)
}

// Command executes an operator command and reports whether it was accepted
func (c *Controller) Command(cmd pfc.Command, data uint32) bool {
	var ok bool
	switch cmd {
	case pfc.CmdSettingsSave:
		ok = c.saveSettings()
	default:
		ok = c.machine.Request(cmd, data)
	}

	if !ok {
		c.logger.Debug().
			Str("command", cmd.String()).
			Uint32("data", data).
			Str("state", c.machine.State().String()).
			Msg("Command rejected")
		return false
	}

	switch cmd {
	case pfc.CmdWorkOn:
		c.tracker.Reset()
		c.analyzer.Reset()
		c.sinceNet = 0
	case pfc.CmdRearm:
		c.log.Append(events.TypeEvent, events.EventRearmed, 0, 0)
	}
	c.log.Append(events.TypeEvent, events.EventCommand, uint8(cmd), float32(data))
	return true
}

func (c *Controller) saveSettings() bool {
	if err := c.store.Save(c.settings); err != nil {
		c.logger.Error().Err(err).Msg("Failed to save settings")
		c.log.Append(events.TypeEvent, events.EventSettingsSaveFailed, 0, 0)
		return false
	}
	c.log.Append(events.TypeEvent, events.EventSettingsSaved, 0, 0)
	c.logger.Info().Msg("Settings saved")
	return true
}

// Settings returns a copy of the active settings
func (c *Controller) Settings() settings.Settings { return c.settings }

// SetCalibration replaces the calibration table if it validates
func (c *Controller) SetCalibration(cal settings.Calibration) error {
	if err := cal.Validate(); err != nil {
		c.logger.Debug().Err(err).Msg("Calibration write rejected")
		return err
	}
	c.settings.Calibration = cal
	return nil
}

// SetProtection replaces the thresholds if they validate
func (c *Controller) SetProtection(p settings.ProtectionThresholds) error {
	if err := p.Validate(); err != nil {
		c.logger.Debug().Err(err).Msg("Protection write rejected")
		return err
	}
	c.settings.Protection = p
	return nil
}

// SetCapacitor replaces the regulator settings if they validate
func (c *Controller) SetCapacitor(cs settings.CapacitorSettings) error {
	if err := cs.Validate(); err != nil {
		c.logger.Debug().Err(err).Msg("Capacitor write rejected")
		return err
	}
	c.settings.Capacitor = cs
	return nil
}

// State returns the machine state
func (c *Controller) State() pfc.State { return c.machine.State() }

// Channels returns the per phase enable flags
func (c *Controller) Channels() [3]bool { return c.machine.Channels() }

// Signals returns the filtered engineering values
func (c *Controller) Signals() measure.Signals { return c.cond.Filtered() }

// Instant returns the calibrated values of the last sample
func (c *Controller) Instant() measure.Signals { return c.cond.Instant() }

// RawSignals returns the filtered raw codes
func (c *Controller) RawSignals() measure.Signals { return c.cond.RawFiltered() }

// LastRaw returns the last sample as acquired
func (c *Controller) LastRaw() adc.RawSample { return c.raw }

// NetParams returns the latest grid parameters
func (c *Controller) NetParams() measure.NetParams { return c.analyzer.Params() }

// Synced reports the grid lock
func (c *Controller) Synced() bool { return c.tracker.Synced() }

// Protection returns the result of the last evaluation
func (c *Controller) Protection() protection.Result { return c.result }

// Latched lists the held protection latches
func (c *Controller) Latched() []protection.Latch { return c.monitor.Latched() }

// Drive returns the last drive sent to the stage
func (c *Controller) Drive() control.Drive { return c.drive }

// Target returns the regulator setpoint
func (c *Controller) Target() float32 { return c.loop.Target() }

// Events returns the event log. It is safe for concurrent use.
func (c *Controller) Events() *events.Log { return c.log }

// Stats returns the counters
func (c *Controller) Stats() Stats {
	return Stats{
		Cycles:   c.cycles,
		Overruns: c.overruns,
		Panics:   c.panics,
		Trips:    c.monitor.Trips(),
		Evicted:  c.log.Evicted(),
	}
}
