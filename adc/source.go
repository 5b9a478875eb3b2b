package adc

import "context"

// Observer receives every completed sample. Implementations must copy the
// sample and return quickly; they run on the acquisition goroutine.
type Observer interface {
	OnSampleReady(sample RawSample)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(sample RawSample)

// OnSampleReady calls f(sample)
func (f ObserverFunc) OnSampleReady(sample RawSample) { f(sample) }

// Source produces samples until ctx is cancelled. Start blocks.
type Source interface {
	Start(ctx context.Context, obs Observer) error
}
