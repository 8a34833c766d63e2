// Package filter provides the causal filters used by edge detection.
package filter

import "math"

// TransientWidth is the number of leading outputs zeroed after Reset. It
// covers the settling time of the 300 Hz high-pass at probe sample rates.
const TransientWidth = 1000

// Biquad is a second order IIR section in transposed direct form II.
// State persists across Apply calls so a stream may be filtered in pieces.
type Biquad struct {
	a0, a1, a2 float64
	b1, b2     float64
	z1, z2     float64
	maxInt     float64
	nzero      int
}

// NewHighPass returns a Butterworth-Q high-pass at fc Hz for sample rate srate.
// Outputs are clamped to [-maxInt, maxInt-1].
func NewHighPass(fc, srate float64, maxInt int) *Biquad {
	const q = 0.7071
	k := math.Tan(math.Pi * fc / srate)
	norm := 1 / (1 + k/q + k*k)
	b := &Biquad{
		a0:     norm,
		b1:     2 * (k*k - 1) * norm,
		b2:     (1 - k/q + k*k) * norm,
		maxInt: float64(maxInt),
	}
	b.a1 = -2 * b.a0
	b.a2 = b.a0
	b.Reset()
	return b
}

// Reset clears the filter memory and zeroes the next TransientWidth outputs.
// Call it after any discontinuity in the input sequence.
func (b *Biquad) Reset() {
	b.z1, b.z2 = 0, 0
	b.nzero = TransientWidth
}

// Apply filters samples in place.
func (b *Biquad) Apply(samples []int16) {
	for i, s := range samples {
		in := float64(s)
		out := in*b.a0 + b.z1
		b.z1 = in*b.a1 + b.z2 - b.b1*out
		b.z2 = in*b.a2 - b.b2*out
		switch {
		case out >= b.maxInt:
			out = b.maxInt - 1
		case out < -b.maxInt:
			out = -b.maxInt
		}
		samples[i] = int16(math.Round(out))
	}
	if b.nzero > 0 {
		n := min(b.nzero, len(samples))
		clear(samples[:n])
		b.nzero -= n
	}
}

// Pending reports how many upcoming outputs will still be zeroed.
func (b *Biquad) Pending() int {
	return b.nzero
}
