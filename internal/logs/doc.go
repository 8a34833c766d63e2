// Package logs reads daemon log files from disk.
//
// The CLI falls back to it when the daemon socket is unreachable: Last
// returns the final lines of the current log, ReadFrom follows the file from
// an offset and ParseLine turns JSON records back into logging.LogEvent
// values so offline output matches the live IPC tail.
package logs
