// Package daemon coordinates the long-running neurorec process and its
// system integration points.
//
// It wires configuration, the segment catalog, the log hub, the MQTT command
// handler and the udev device monitor around at most one recording session,
// with flock-based locking to prevent multiple instances. The IPC server and
// the MQTT handler both drive sessions through the daemon.
//
// Keep orchestration logic here: acquisition and writing live in the run and
// trigger packages while the daemon focuses on startup, shutdown and session
// lifecycle.
package daemon
