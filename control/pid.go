// Package control regulates the DC bus voltage and drives the power stage.
package control

import "golang.org/x/exp/constraints"

// PID is a discrete PID regulator with output clamped to [0, limit].
// The integrator only accumulates while the output is not saturated in the
// direction of the error, so it never winds up against a limit.
type PID struct {
	Kp, Ki, Kd float32

	dt       float32
	integral float32
	prevErr  float32
	primed   bool
	output   float32
}

// NewPID creates a regulator stepped once per sample at sampleRate Hz
func NewPID(sampleRate float64) *PID {
	if sampleRate <= 0 {
		sampleRate = 1
	}
	return &PID{dt: float32(1 / sampleRate)}
}

// SetGains replaces the gains; the accumulated state is kept
func (p *PID) SetGains(kp, ki, kd float32) {
	p.Kp, p.Ki, p.Kd = kp, ki, kd
}

// Update advances one step and returns the new output
func (p *PID) Update(setpoint, measured, limit float32) float32 {
	e := setpoint - measured

	var deriv float32
	if p.primed {
		deriv = (e - p.prevErr) / p.dt
	}
	p.prevErr = e
	p.primed = true

	integral := p.integral + e*p.dt
	raw := p.Kp*e + p.Ki*integral + p.Kd*deriv
	out := clamp(raw, 0, limit)

	// Accept the new integral unless it pushes further into saturation
	if raw == out || (raw > limit && e < 0) || (raw < 0 && e > 0) {
		p.integral = integral
	}

	p.output = out
	return out
}

// Output returns the last computed output
func (p *PID) Output() float32 { return p.output }

// Integral returns the integrator state
func (p *PID) Integral() float32 { return p.integral }

// Reset clears the integrator and derivative history
func (p *PID) Reset() {
	p.integral = 0
	p.prevErr = 0
	p.primed = false
	p.output = 0
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if hi < lo {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
