// Package main implements the neurorec operator CLI.
//
// The CLI starts and stops the recording daemon, drives the active session
// over the daemon's unix socket (gate and trigger levels, recording enable,
// file naming, remote metadata) and inspects finished data files offline:
// listing catalogued runs and segments, verifying digests, printing sidecar
// metadata and exporting channel subsets.
package main
