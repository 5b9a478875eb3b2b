// Command pfcd runs the converter control core: acquisition, the control
// cycle, the operator serial link and the optional WebSocket monitor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/VictorTagayun/PFController/adc"
	"github.com/VictorTagayun/PFController/config"
	"github.com/VictorTagayun/PFController/control"
	"github.com/VictorTagayun/PFController/core"
	"github.com/VictorTagayun/PFController/engine"
	"github.com/VictorTagayun/PFController/host/serial"
	"github.com/VictorTagayun/PFController/logging"
	"github.com/VictorTagayun/PFController/monitor"
	"github.com/VictorTagayun/PFController/protocol"
	"github.com/VictorTagayun/PFController/settings"
	"github.com/VictorTagayun/PFController/sim"
)

var (
	configPath  = flag.String("config", "", "YAML configuration file")
	device      = flag.String("device", "", "Serial device for the operator link (overrides config)")
	monitorAddr = flag.String("monitor", "", "WebSocket monitor address, e.g. :8080 (overrides config)")
	logLevel    = flag.String("log-level", "", "Log level (overrides config)")
	debug       = flag.Bool("debug", false, "Debug logging")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Exited")
		os.Exit(1)
	}
	logger.Info().Msg("Stopped")
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if *device != "" {
		cfg.Serial.Device = *device
	}
	if *monitorAddr != "" {
		cfg.Monitor.Addr = *monitorAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *debug {
		cfg.Log.Debug = true
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var store settings.Store = settings.NewMemoryStore(nil)
	if cfg.SettingsPath != "" {
		store = settings.NewFileStore(cfg.SettingsPath)
	}

	var (
		src   adc.Source = idleSource{}
		stage control.Stage
	)
	if cfg.Source == config.SourceGenerator {
		gen := adc.NewGenerator(cfg.Generator)
		src = gen
		if cfg.Simulate {
			udCal := settings.DefaultCalibration()[adc.ChUD]
			if s, err := store.Load(); err == nil {
				udCal = s.Calibration[adc.ChUD]
			}
			stage = sim.NewPlant(cfg.Plant, gen, udCal)
		}
	}

	ctrl := core.New(cfg.Core, core.Deps{
		Store:  store,
		Stage:  stage,
		Logger: logger,
	})

	logger.Info().
		Str("source", cfg.Source).
		Bool("simulate", cfg.Simulate).
		Float64("sample_rate", cfg.Core.SampleRate).
		Str("version", fmt.Sprintf("%d.%d.%d-%s", engine.VersionMajor, engine.VersionMinor, engine.VersionMicro, engine.Build)).
		Msg("Starting")

	// The daemon lives as long as the control loop
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Serial.Device != "" {
		port, err := serial.Open(&cfg.Serial)
		if err != nil {
			return err
		}
		eng := engine.New(ctrl, logger)
		link := protocol.NewLink(port, eng.Handler())
		link.Transport().SetResetCallback(func() {
			logger.Info().Msg("Operator link restarted")
		})

		// A blocked serial Read only returns once the port is closed
		g.Go(func() error {
			<-ctx.Done()
			port.Close()
			return nil
		})
		g.Go(func() error {
			logger.Info().Str("device", cfg.Serial.Device).Int("baud", cfg.Serial.Baud).Msg("Operator link open")
			if err := link.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("serial link: %w", err)
			}
			return nil
		})
	}

	if cfg.Monitor.Addr != "" {
		mon := monitor.New(ctrl, monitor.Config{
			Interval: cfg.Monitor.PollInterval,
			Origins:  cfg.Monitor.Origins,
			ReadOnly: cfg.Monitor.ReadOnly,
		}, logger)
		g.Go(func() error {
			return mon.ListenAndServe(ctx, cfg.Monitor.Addr)
		})
	}

	g.Go(func() error {
		defer cancel()
		return ctrl.Run(ctx, src)
	})

	return g.Wait()
}

// idleSource delivers no samples; the controller only answers requests
type idleSource struct{}

func (idleSource) Start(ctx context.Context, _ adc.Observer) error {
	<-ctx.Done()
	return ctx.Err()
}
