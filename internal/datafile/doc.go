// Package datafile implements the recorded segment format: a headerless
// little-endian int16 binary file paired with a key=value ".meta" sidecar.
//
// A File opened for write accumulates a rolling SHA1 digest while scans are
// written either synchronously or through a bounded asynchronous writer.
// CloseAndFinalize drains the writer and rewrites the sidecar with the
// digest, size and duration. Files opened for read are validated once and
// support scan-indexed random access. VerifySHA1 recomputes a file digest
// against its sidecar.
package datafile
