// Package acq defines the contract between acquisition hardware and the
// stream queues, and provides a simulated source for bench runs.
//
// A Source delivers blocks of whole scans tagged with the absolute count of
// their first scan. Counts never go backwards; a source that drops data
// skips ahead and the queue zero fills the gap.
package acq
