// Package clocksync translates absolute scan counts between independently
// clocked streams.
//
// Each stream may record a periodic sync pulse. The k-th pulse seen by two
// streams marks the same wall-clock instant, so a count in one stream maps to
// another by locating the bracketing pulses and interpolating with each
// stream's measured rate. Streams without pulses fall back to their nominal
// sample rate and time origin.
//
// The package also carries the X12 rules relating a probe's full rate AP
// counts to its decimated LF counts.
package clocksync
