// Package logging assembles structured slog loggers used across neurorec.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so trigger, writer and run code
// tag log lines with the run id, stream, and gate/trigger indices. A bounded
// StreamHub keeps recent events for the daemon's log tail endpoint, and a
// no-op logger serves tests and wiring code that cannot fail.
package logging
