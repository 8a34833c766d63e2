// Package trigger decides, while the gate is high, when recording segments
// open and close and which scan ranges of each stream they hold.
//
// Base owns the open data files of the current segment and the plumbing
// shared by every policy: file naming, AP/LF splitting with X12 decimation,
// cross-stream alignment and throughput reporting. Each policy is a Machine
// (immediate, timed, ttl, spike, remote) driven by a Runner loop.
package trigger
