// Package notifications delivers recording session events to operators.
//
// The default implementation publishes to ntfy using the topic configured in
// the [notifications] section and degrades to a no-op when no topic is set.
// Events cover session start and end, failures that stop a session, hardware
// removal and low disk space, so daemon code emits consistent messages
// without duplicating HTTP glue.
package notifications
