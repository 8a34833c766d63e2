// Package preflight provides readiness checks for the filesystem paths and
// services a recording session depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll when it starts and logs every failed check.
//     A low disk space result also raises a notification.
//   - The CLI "neurorec status" command renders RunAll as a Preflight section.
//
// Each check is gated by its config toggle and disabled features are skipped.
package preflight
