package adc

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandoffKeepsOrderAndCountsOverruns(t *testing.T) {
	h := NewHandoff(2)

	for i := uint16(1); i <= 3; i++ {
		h.OnSampleReady(RawSample{i})
	}

	assert.Equal(t, uint64(1), h.Overruns())
	assert.Equal(t, uint64(3), h.Samples())

	s, ok := h.Take()
	require.True(t, ok)
	assert.Equal(t, uint16(2), s[0])

	s, ok = h.Take()
	require.True(t, ok)
	assert.Equal(t, uint16(3), s[0])

	_, ok = h.Take()
	assert.False(t, ok)
}

func TestHandoffWaitCancelled(t *testing.T) {
	h := NewHandoff(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandoffConcurrentSamplesAreWhole(t *testing.T) {
	h := NewHandoff(4)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			var s RawSample
			for ch := range s {
				s[ch] = uint16(i % ADCMax)
			}
			h.OnSampleReady(s)
		}
	}()

	got := 0
	for {
		if s, ok := h.Take(); ok {
			for ch := range s {
				require.Equal(t, s[0], s[ch], "torn sample")
			}
			got++
			continue
		}
		select {
		case <-done:
			if h.Pending() == 0 {
				assert.Positive(t, got)
				assert.Equal(t, uint64(5000), uint64(got)+h.Overruns())
				return
			}
		default:
			runtime.Gosched()
		}
	}
}

func TestGeneratorPhaseRotation(t *testing.T) {
	cfg := DefaultGeneratorConfig()
	cfg.Noise = 0
	g := NewGenerator(cfg)

	perPeriod := int(cfg.SampleRate / cfg.Frequency)
	peakAt := [3]int{-1, -1, -1}
	best := [3]uint16{}
	for i := 0; i < perPeriod; i++ {
		s := g.Next()
		for k, ch := range VoltageChannels {
			if s[ch] > best[k] {
				best[k] = s[ch]
				peakAt[k] = i
			}
		}
	}

	// B peaks a third of a period after A, C two thirds
	third := perPeriod / 3
	assert.InDelta(t, (peakAt[0]+third)%perPeriod, peakAt[1], 2)
	assert.InDelta(t, (peakAt[0]+2*third)%perPeriod, peakAt[2], 2)
	assert.InDelta(t, cfg.Offset+cfg.VoltageAmplitude, float64(best[0]), 2)
}

func TestGeneratorLevelsAndNoise(t *testing.T) {
	cfg := DefaultGeneratorConfig()
	g := NewGenerator(cfg)

	g.SetLevel(ChUD, 3500)
	g.SetCurrentScale(0)
	for i := 0; i < 200; i++ {
		s := g.Next()
		assert.GreaterOrEqual(t, s[ChUD], uint16(3500))
		assert.Less(t, s[ChUD], uint16(3550))
		assert.GreaterOrEqual(t, s[ChTemp1], uint16(2000))
		assert.Less(t, s[ChTemp1], uint16(2050))
		assert.Equal(t, uint16(2000), s[ChIA])
	}

	g.SetLevel(ChUA, 5000)
	assert.Equal(t, uint16(ADCMax), g.Next()[ChUA])
	g.ClearLevel(ChUA)
	assert.Less(t, g.Next()[ChUA], uint16(ADCMax))
}

func TestGeneratorStartDeliversAtRate(t *testing.T) {
	cfg := DefaultGeneratorConfig()
	cfg.SampleRate = 2000
	g := NewGenerator(cfg)
	h := NewHandoff(10000)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := g.Start(ctx, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 200 samples expected; allow for scheduler jitter
	assert.InDelta(t, 200, float64(h.Samples()), 60)
	assert.Zero(t, h.Overruns())
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "UD", ChUD.String())
	assert.Equal(t, "EMS_I", ChEMSI.String())
	assert.Equal(t, "UNKNOWN", Channel(99).String())
	assert.True(t, ChIC.IsAC())
	assert.False(t, ChIET.IsAC())

	for ch := Channel(0); ch < NumChannels; ch++ {
		got, ok := ParseChannel(ch.String())
		require.True(t, ok)
		assert.Equal(t, ch, got)
	}
	_, ok := ParseChannel("UNKNOWN")
	assert.False(t, ok)
}
