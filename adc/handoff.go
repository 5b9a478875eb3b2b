package adc

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handoff passes samples from the acquisition goroutine to the control
// goroutine through a small ring guarded by a lock, so the reader never sees
// a half written sample. When the ring is full the oldest sample is dropped
// and counted as an overrun.
type Handoff struct {
	mu    sync.Mutex
	ring  []RawSample
	head  int // next read
	count int
	ready chan struct{}

	overruns atomic.Uint64
	samples  atomic.Uint64
}

// NewHandoff creates a handoff holding up to depth unread samples.
// Depth 1 keeps only the newest sample.
func NewHandoff(depth int) *Handoff {
	if depth < 1 {
		depth = 1
	}
	return &Handoff{
		ring:  make([]RawSample, depth),
		ready: make(chan struct{}, 1),
	}
}

// OnSampleReady implements Observer
func (h *Handoff) OnSampleReady(sample RawSample) {
	h.mu.Lock()
	if h.count == len(h.ring) {
		h.head = (h.head + 1) % len(h.ring)
		h.count--
		h.overruns.Add(1)
	}
	h.ring[(h.head+h.count)%len(h.ring)] = sample
	h.count++
	h.mu.Unlock()

	h.samples.Add(1)

	select {
	case h.ready <- struct{}{}:
	default:
	}
}

// Wait blocks until a sample is available or ctx ends
func (h *Handoff) Wait(ctx context.Context) (RawSample, error) {
	for {
		if s, ok := h.Take(); ok {
			return s, nil
		}
		select {
		case <-h.ready:
		case <-ctx.Done():
			return RawSample{}, ctx.Err()
		}
	}
}

// Take returns the oldest unread sample without blocking
func (h *Handoff) Take() (RawSample, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return RawSample{}, false
	}
	s := h.ring[h.head]
	h.head = (h.head + 1) % len(h.ring)
	h.count--
	return s, true
}

// Ready is signalled after a sample has been stored
func (h *Handoff) Ready() <-chan struct{} {
	return h.ready
}

// Pending returns the number of unread samples
func (h *Handoff) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Overruns returns how many samples were dropped unread
func (h *Handoff) Overruns() uint64 {
	return h.overruns.Load()
}

// Samples returns the number of samples delivered so far
func (h *Handoff) Samples() uint64 {
	return h.samples.Load()
}
