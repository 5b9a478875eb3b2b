package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorTagayun/PFController/config"
)

func runAsync(ctx context.Context, cfg *config.Config) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, zerolog.Nop())
	}()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		require.FailNow(t, "run did not return")
		return nil
	}
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := config.Default()
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, cfg)

	time.Sleep(50 * time.Millisecond)
	cancel()
	assert.NoError(t, wait(t, done))
}

func TestRunStopsWhenMonitorFails(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := config.Default()
	cfg.Monitor.Addr = busy.Addr().String()

	// The control loop would run forever; the failed listener cancels it
	err = wait(t, runAsync(context.Background(), cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitor listen")
}

func TestRunFailsOnMissingSerialDevice(t *testing.T) {
	cfg := config.Default()
	cfg.Serial.Device = filepath.Join(t.TempDir(), "ttyMissing")

	err := wait(t, runAsync(context.Background(), cfg))
	assert.Error(t, err)
}
