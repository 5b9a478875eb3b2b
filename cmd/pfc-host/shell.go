package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/VictorTagayun/PFController/adc"
	"github.com/VictorTagayun/PFController/engine"
	"github.com/VictorTagayun/PFController/host/client"
	"github.com/VictorTagayun/PFController/measure"
	"github.com/VictorTagayun/PFController/pfc"
	"github.com/VictorTagayun/PFController/settings"
)

var errQuit = errors.New("quit")

type shell struct {
	cl  *client.Client
	out io.Writer
}

func newShell(cl *client.Client, out io.Writer) *shell {
	return &shell{cl: cl, out: out}
}

// exec runs one input line. Errors are printed; only errQuit is returned
// to the caller as a value worth acting on.
func (s *shell) exec(line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return err
	}
	if len(args) == 0 {
		return nil
	}
	if err := s.run(strings.ToLower(args[0]), args[1:]); err != nil {
		if !errors.Is(err, errQuit) {
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
		return err
	}
	return nil
}

func (s *shell) run(cmd string, args []string) error {
	switch cmd {
	case "quit", "exit", "q":
		return errQuit
	case "help", "?":
		s.help()
	case "dict":
		fmt.Fprint(s.out, s.cl.Dictionary())

	case "version":
		v, err := s.cl.Version()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%d.%d.%d (%s)\n", v.Major, v.Minor, v.Micro, v.Build)

	case "status":
		st, err := s.cl.Status()
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, client.FormatStatus(st))

	case "watch":
		n := 10
		if len(args) > 0 {
			var err error
			if n, err = strconv.Atoi(args[0]); err != nil || n < 1 {
				return fmt.Errorf("watch: bad count %q", args[0])
			}
		}
		for i := 0; i < n; i++ {
			if i > 0 {
				time.Sleep(watchInterval)
			}
			if err := s.run("status", nil); err != nil {
				return err
			}
			if err := s.run("events", nil); err != nil {
				return err
			}
		}

	case "signals", "raw":
		get := s.cl.Signals
		if cmd == "raw" {
			get = s.cl.RawSignals
		}
		sig, err := get()
		if err != nil {
			return err
		}
		s.printSignals(sig)

	case "net":
		p, err := s.cl.NetParams()
		if err != nil {
			return err
		}
		s.printNet(p)

	case "stats":
		st, err := s.cl.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "cycles=%d overruns=%d panics=%d trips=%d evicted=%d\n",
			st.Cycles, st.Overruns, st.Panics, st.Trips, st.Evicted)

	case "events":
		recs, err := s.cl.Events()
		if err != nil {
			return err
		}
		for _, r := range recs {
			fmt.Fprintln(s.out, client.FormatEvent(r))
		}

	case "reset":
		s.cl.Reset()
		fmt.Fprintln(s.out, "link reset, event history will be listed again")

	case "start":
		return s.command(pfc.CmdWorkOn, 0)
	case "stop":
		return s.command(pfc.CmdWorkOff, 0)
	case "save":
		return s.command(pfc.CmdSettingsSave, 0)
	case "rearm":
		return s.command(pfc.CmdRearm, 0)
	case "charge":
		on, err := onOff(args)
		if err != nil {
			return err
		}
		if on {
			return s.command(pfc.CmdChargeOn, 0)
		}
		return s.command(pfc.CmdChargeOff, 0)
	case "test":
		if len(args) == 1 && strings.EqualFold(args[0], "off") {
			return s.command(pfc.CmdTestOff, 0)
		}
		permille, err := uintArg(args, "test <permille>|off")
		if err != nil {
			return err
		}
		return s.command(pfc.CmdTestOn, permille)
	case "channel":
		if len(args) != 2 {
			return errors.New("usage: channel <a|b|c> <on|off>")
		}
		phase := strings.ToLower(args[0])
		if len(phase) != 1 || phase[0] < 'a' || phase[0] > 'c' {
			return fmt.Errorf("channel: bad phase %q", args[0])
		}
		on, err := onOff(args[1:])
		if err != nil {
			return err
		}
		data := uint32(0)
		if on {
			data = 1
		}
		return s.command(pfc.CmdChannel0Data+pfc.Command(phase[0]-'a'), data)
	case "cmd":
		if len(args) < 1 {
			return errors.New("usage: cmd <NAME> [data]")
		}
		c, ok := pfc.ParseCommand(strings.ToUpper(args[0]))
		if !ok {
			return fmt.Errorf("unknown command %q", args[0])
		}
		var data uint32
		if len(args) > 1 {
			v, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("bad data %q", args[1])
			}
			data = uint32(v)
		}
		return s.command(c, data)

	case "get":
		if len(args) != 1 {
			return errors.New("usage: get <cal|prot|cap>")
		}
		return s.get(args[0])
	case "set":
		return s.set(args)

	default:
		return fmt.Errorf("unknown command %q (type 'help')", cmd)
	}
	return nil
}

func (s *shell) command(c pfc.Command, data uint32) error {
	ok, err := s.cl.Command(c, data)
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintf(s.out, "%s accepted\n", c)
	} else {
		fmt.Fprintf(s.out, "%s rejected\n", c)
	}
	return nil
}

func (s *shell) get(what string) error {
	switch what {
	case "cal":
		cal, err := s.cl.Calibration()
		if err != nil {
			return err
		}
		for ch, e := range cal {
			fmt.Fprintf(s.out, "%-6s offset=%-9g multiplier=%g\n", adc.Channel(ch), e.Offset, e.Multiplier)
		}
	case "prot":
		p, err := s.cl.Protection()
		if err != nil {
			return err
		}
		for _, f := range protectionFields {
			fmt.Fprintf(s.out, "%-16s %g\n", f.name, *f.get(&p))
		}
	case "cap":
		c, err := s.cl.Capacitor()
		if err != nil {
			return err
		}
		for _, f := range capacitorFields {
			fmt.Fprintf(s.out, "%-16s %g\n", f.name, *f.get(&c))
		}
	default:
		return fmt.Errorf("get: unknown group %q", what)
	}
	return nil
}

// set reads the group, changes one value and writes the group back
func (s *shell) set(args []string) error {
	if len(args) < 3 {
		return errors.New("usage: set prot|cap <field> <value> | set cal <channel> <offset> <multiplier>")
	}
	var ack engine.Ack
	switch args[0] {
	case "cal":
		if len(args) != 4 {
			return errors.New("usage: set cal <channel> <offset> <multiplier>")
		}
		ch, ok := adc.ParseChannel(strings.ToUpper(args[1]))
		if !ok {
			return fmt.Errorf("unknown channel %q", args[1])
		}
		off, err := floatArg(args[2])
		if err != nil {
			return err
		}
		mul, err := floatArg(args[3])
		if err != nil {
			return err
		}
		cal, err := s.cl.Calibration()
		if err != nil {
			return err
		}
		cal[ch] = settings.CalibrationEntry{Offset: off, Multiplier: mul}
		if ack, err = s.cl.SetCalibration(cal); err != nil {
			return err
		}

	case "prot":
		f, ok := findField(protectionFields, args[1])
		if !ok {
			return fmt.Errorf("unknown field %q", args[1])
		}
		v, err := floatArg(args[2])
		if err != nil {
			return err
		}
		p, err := s.cl.Protection()
		if err != nil {
			return err
		}
		*f.get(&p) = v
		if ack, err = s.cl.SetProtection(p); err != nil {
			return err
		}

	case "cap":
		f, ok := findField(capacitorFields, args[1])
		if !ok {
			return fmt.Errorf("unknown field %q", args[1])
		}
		v, err := floatArg(args[2])
		if err != nil {
			return err
		}
		c, err := s.cl.Capacitor()
		if err != nil {
			return err
		}
		*f.get(&c) = v
		if ack, err = s.cl.SetCapacitor(c); err != nil {
			return err
		}

	default:
		return fmt.Errorf("set: unknown group %q", args[0])
	}

	if !ack.OK {
		fmt.Fprintf(s.out, "rejected: %s\n", ack.Reason)
		return nil
	}
	fmt.Fprintln(s.out, "ok ('save' makes it persistent)")
	return nil
}

type field[T any] struct {
	name string
	get  func(*T) *float32
}

var protectionFields = []field[settings.ProtectionThresholds]{
	{"ud_min", func(p *settings.ProtectionThresholds) *float32 { return &p.UdMin }},
	{"ud_max", func(p *settings.ProtectionThresholds) *float32 { return &p.UdMax }},
	{"temperature_max", func(p *settings.ProtectionThresholds) *float32 { return &p.TemperatureMax }},
	{"u_min", func(p *settings.ProtectionThresholds) *float32 { return &p.UMin }},
	{"u_max", func(p *settings.ProtectionThresholds) *float32 { return &p.UMax }},
	{"f_min", func(p *settings.ProtectionThresholds) *float32 { return &p.FMin }},
	{"f_max", func(p *settings.ProtectionThresholds) *float32 { return &p.FMax }},
	{"i_max_rms", func(p *settings.ProtectionThresholds) *float32 { return &p.IMaxRMS }},
	{"i_max_peak", func(p *settings.ProtectionThresholds) *float32 { return &p.IMaxPeak }},
}

var capacitorFields = []field[settings.CapacitorSettings]{
	{"kp", func(c *settings.CapacitorSettings) *float32 { return &c.Kp }},
	{"ki", func(c *settings.CapacitorSettings) *float32 { return &c.Ki }},
	{"kd", func(c *settings.CapacitorSettings) *float32 { return &c.Kd }},
	{"ud_nominal", func(c *settings.CapacitorSettings) *float32 { return &c.UdNominal }},
	{"ud_precharge", func(c *settings.CapacitorSettings) *float32 { return &c.UdPrecharge }},
}

func findField[T any](fields []field[T], name string) (field[T], bool) {
	for _, f := range fields {
		if f.name == strings.ToLower(name) {
			return f, true
		}
	}
	return field[T]{}, false
}

func (s *shell) printSignals(sig measure.Signals) {
	for ch := adc.Channel(0); ch < adc.NumChannels; ch++ {
		fmt.Fprintf(s.out, "%-6s %10.2f\n", ch, sig[ch])
	}
}

func (s *shell) printNet(p measure.NetParams) {
	if !p.Valid {
		fmt.Fprintln(s.out, "no complete line period yet")
		return
	}
	fmt.Fprintf(s.out, "f=%.2f Hz period=%.0f us\n", p.Frequency, p.PeriodUS)
	for k := 0; k < 3; k++ {
		fmt.Fprintf(s.out, "%c: U1=%.1f V Urms=%.1f V THD=%.1f%% phase=%.1f deg I1=%.2f A Irms=%.2f A\n",
			'A'+k, p.U0Hz[k], p.URMS[k], p.THDU[k], p.UPhase[k]*180/math.Pi, p.I0Hz[k], p.IRMS[k])
	}
}

func onOff(args []string) (bool, error) {
	if len(args) == 1 {
		switch strings.ToLower(args[0]) {
		case "on", "1":
			return true, nil
		case "off", "0":
			return false, nil
		}
	}
	return false, errors.New("expected on or off")
}

func uintArg(args []string, usage string) (uint32, error) {
	if len(args) != 1 {
		return 0, errors.New("usage: " + usage)
	}
	v, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", args[0])
	}
	return uint32(v), nil
}

func floatArg(s string) (float32, error) {
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return float32(v), nil
}

func (s *shell) help() {
	fmt.Fprint(s.out, `
Telemetry:
  status                 state, bus voltage, duty, channels, fault
  signals | raw          filtered channel values (calibrated | codes)
  net                    grid parameters of the last line period
  events                 history records since the last call
  watch [n]              status and events n times, once a second
  stats                  control loop counters
  version | dict         firmware version | message dictionary
Control:
  start | stop           WORK_ON | WORK_OFF
  charge on|off          raise the bus above nominal
  test <permille>|off    open loop duty test from STOP
  channel a|b|c on|off   enable a phase leg
  rearm                  leave FAULTBLOCK after the hold-off
  save                   persist the settings
  cmd <NAME> [data]      any command by name
Settings:
  get cal|prot|cap
  set prot|cap <field> <value>
  set cal <channel> <offset> <multiplier>
Link:
  reset                  resynchronize and list the history again
  quit
`)
}
