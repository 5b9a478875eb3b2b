// Package measure turns raw samples into engineering quantities: the
// per channel calibrated and filtered values, and the once per line period
// grid parameters.
package measure

import (
	"github.com/VictorTagayun/PFController/adc"
	"github.com/VictorTagayun/PFController/settings"
)

// FilterCoefficient is the weight of the previous filtered value
const FilterCoefficient = 0.9

// Signals is one value per channel
type Signals [adc.NumChannels]float32

// Conditioner calibrates every channel and runs a single pole low-pass:
// filtered = filtered*F + calibrated*(1-F). Out of range codes are not
// clamped. The first sample after Reset seeds the filter.
type Conditioner struct {
	instant     Signals
	filtered    Signals
	rawFiltered Signals
	primed      bool
	samples     uint64
}

// NewConditioner creates a conditioner awaiting its first sample
func NewConditioner() *Conditioner {
	return &Conditioner{}
}

// Process folds one raw sample into the filter state
func (c *Conditioner) Process(raw adc.RawSample, cal *settings.Calibration) {
	for ch := 0; ch < adc.NumChannels; ch++ {
		v := cal[ch].Apply(raw[ch])
		c.instant[ch] = v
		if !c.primed {
			c.filtered[ch] = v
			c.rawFiltered[ch] = float32(raw[ch])
			continue
		}
		c.filtered[ch] = c.filtered[ch]*FilterCoefficient + v*(1-FilterCoefficient)
		c.rawFiltered[ch] = c.rawFiltered[ch]*FilterCoefficient + float32(raw[ch])*(1-FilterCoefficient)
	}
	c.primed = true
	c.samples++
}

// Instant returns the calibrated, unfiltered values of the last sample
func (c *Conditioner) Instant() Signals { return c.instant }

// Filtered returns the filtered engineering values
func (c *Conditioner) Filtered() Signals { return c.filtered }

// RawFiltered returns the filtered raw codes (calibration independent)
func (c *Conditioner) RawFiltered() Signals { return c.rawFiltered }

// Value returns the filtered value of one channel
func (c *Conditioner) Value(ch adc.Channel) float32 { return c.filtered[ch] }

// Samples returns the number of processed samples
func (c *Conditioner) Samples() uint64 { return c.samples }

// Reset forgets the filter state
func (c *Conditioner) Reset() {
	*c = Conditioner{}
}
