package ipc

import (
	"time"

	"neurorec/internal/logging"
	"neurorec/internal/run"
)

// ServiceName prefixes every RPC method.
const ServiceName = "Neurorec"

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StreamStatus describes one acquisition stream queue.
type StreamStatus = run.StreamStatus

// RunStatus is the wire form of a recording session.
type RunStatus struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Dir       string         `json:"dir"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Running   bool           `json:"running"`
	Mode      string         `json:"trigger_mode"`
	Line      string         `json:"status_line"`
	Enabled   bool           `json:"enabled"`
	GateHigh  bool           `json:"gate_high"`
	G         int            `json:"g"`
	T         int            `json:"t"`
	Recording bool           `json:"recording"`
	Files     []string       `json:"files"`
	Streams   []StreamStatus `json:"streams"`
	Segments  int            `json:"segments"`
	Error     string         `json:"error,omitempty"`
}

// StatusResponse represents combined daemon and run status.
type StatusResponse struct {
	Running     bool       `json:"running"`
	PID         int        `json:"pid"`
	LockPath    string     `json:"lock_path"`
	CatalogPath string     `json:"catalog_path"`
	DataDir     string     `json:"data_dir"`
	Run         *RunStatus `json:"run,omitempty"`
	LastRun     *RunStatus `json:"last_run,omitempty"`
}

// StartRunRequest starts a recording session.
type StartRunRequest struct{}

// StartRunResponse reports the started session.
type StartRunResponse struct {
	Started bool       `json:"started"`
	Message string     `json:"message"`
	Run     *RunStatus `json:"run,omitempty"`
}

// StopRunRequest ends the current session.
type StopRunRequest struct{}

// StopRunResponse reports the final session state.
type StopRunResponse struct {
	Stopped bool       `json:"stopped"`
	Run     *RunStatus `json:"run,omitempty"`
}

// SetRecordingEnabledRequest toggles recording without stopping acquisition.
type SetRecordingEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SetLevelRequest drives a remote gate or trigger level.
type SetLevelRequest struct {
	High bool `json:"high"`
}

// SetNextFileNameRequest names the next segment.
type SetNextFileNameRequest struct {
	Name string `json:"name"`
}

// ForceCountersRequest overrides the next gate and trigger indices.
type ForceCountersRequest struct {
	G int `json:"g"`
	T int `json:"t"`
}

// SetMetadataRequest merges remote metadata into files closed from now on.
type SetMetadataRequest struct {
	Values map[string]string `json:"values"`
}

// AckResponse is returned by control methods without a payload.
type AckResponse struct {
	OK bool `json:"ok"`
}

// ListSegmentsRequest filters catalog segments.
type ListSegmentsRequest struct {
	RunID  string `json:"run_id"`
	Stream string `json:"stream"`
	Limit  int    `json:"limit"`
}

// Segment is the wire form of a catalogued data file.
type Segment struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Stream      string    `json:"stream"`
	Label       string    `json:"label"`
	Path        string    `json:"path"`
	G           int       `json:"g"`
	T           int       `json:"t"`
	Scans       uint64    `json:"scans"`
	Bytes       int64     `json:"bytes"`
	SHA1        string    `json:"sha1"`
	FirstSample uint64    `json:"first_sample"`
	SampleRate  float64   `json:"sample_rate"`
	ClosedAt    time.Time `json:"closed_at"`
	Error       string    `json:"error,omitempty"`
	Verified    *bool     `json:"verified,omitempty"`
}

// ListSegmentsResponse contains catalog entries.
type ListSegmentsResponse struct {
	Segments []Segment `json:"segments"`
}

// LogTailRequest fetches log events after Since.
type LogTailRequest struct {
	Since      uint64 `json:"since"`
	Limit      int    `json:"limit"`
	Follow     bool   `json:"follow"`
	WaitMillis int    `json:"wait_millis"`
}

// LogTailResponse returns log events and the cursor for the next call.
type LogTailResponse struct {
	Events []logging.LogEvent `json:"events"`
	Next   uint64             `json:"next"`
}

// TestNotificationRequest triggers a notification test.
type TestNotificationRequest struct{}

// TestNotificationResponse reports notification test outcome.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}
