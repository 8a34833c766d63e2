// Package streamq implements the per-stream circular sample queue.
//
// A Queue holds the most recent scans of one hardware stream, indexed by an
// absolute count that starts at zero when the run starts and only grows. One
// producer appends; any number of readers copy ranges out, map wall time to
// counts, and search a channel for debounced threshold edges. Reads never
// block: asking for scans that were overwritten or have not arrived yet
// returns an error marked faults.ErrUnavailable, which callers treat as
// "try again next loop".
package streamq
