// Package run owns one recording session: it builds a stream queue and an
// acquisition source per configured stream, drives the gate and trigger
// loop over them, records finalized segments in the catalog and tears
// everything down in order when the session ends.
package run
