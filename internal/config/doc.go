// Package config loads, normalizes, and validates neurorec configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// NEURO_DATA_DIR. The Config type centralizes every knob the daemon and CLI
// need: stream layout, gate and trigger parameters, writer backpressure, and
// memory sizing of the in-memory stream queues.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical mode names, and clear validation errors.
package config
