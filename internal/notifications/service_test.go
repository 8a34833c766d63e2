package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"neurorec/internal/config"
	"neurorec/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventSessionStarted, notifications.Payload{"name": "bench"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		event          notifications.Event
		payload        notifications.Payload
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:          "session started",
			event:         notifications.EventSessionStarted,
			payload:       notifications.Payload{"name": "m12_day3", "dir": "/data/m12_day3"},
			expectTitle:   "neurorec - Recording",
			expectMessage: "Session m12_day3 started\nDir: /data/m12_day3",
			expectTags:    "neurorec,session,started",
		},
		{
			name:          "session ended",
			event:         notifications.EventSessionEnded,
			payload:       notifications.Payload{"name": "m12_day3", "duration": "1h2m0s", "segments": 14},
			expectTitle:   "neurorec - Session Ended",
			expectMessage: "Session m12_day3 ended after 1h2m0s with 14 segment(s)",
			expectTags:    "neurorec,session,completed",
		},
		{
			name:           "session failed",
			event:          notifications.EventSessionFailed,
			payload:        notifications.Payload{"name": "m12_day3", "error": "backpressure: imec0 writer queue 96% full"},
			expectTitle:    "neurorec - Session Failed",
			expectMessage:  "Session m12_day3 stopped: backpressure: imec0 writer queue 96% full",
			expectTags:     "neurorec,error,alert",
			expectPriority: "high",
		},
		{
			name:           "device removed",
			event:          notifications.EventDeviceRemoved,
			payload:        notifications.Payload{"device": "/dev/bus/usb/001/004"},
			expectTitle:    "neurorec - Device Removed",
			expectMessage:  "Acquisition device /dev/bus/usb/001/004 was removed",
			expectTags:     "neurorec,hardware,alert",
			expectPriority: "high",
		},
		{
			name:          "missing values",
			event:         notifications.EventLowDiskSpace,
			payload:       notifications.Payload{"path": "/data"},
			expectTitle:   "neurorec - Low Disk Space",
			expectMessage: "/data has unknown GiB free",
			expectTags:    "neurorec,disk,warning",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var captured struct {
				title    string
				tags     string
				priority string
				body     string
			}

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("unexpected method: %s", r.Method)
				}
				captured.title = r.Header.Get("Title")
				captured.tags = r.Header.Get("Tags")
				captured.priority = r.Header.Get("Priority")
				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Errorf("read body: %v", err)
				}
				captured.body = string(body)
				_ = r.Body.Close()
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			cfg := config.Default()
			cfg.Notifications.NtfyTopic = server.URL
			cfg.Notifications.RequestTimeout = 5

			svc := notifications.NewService(&cfg)
			if err := svc.Publish(context.Background(), tc.event, tc.payload); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}

			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestNtfyServiceIgnoresUnknownEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected call for unknown event: %s", r.URL.String())
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL

	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.Event("rip_started"), nil); err != nil {
		t.Fatalf("expected no error for unknown event, got %v", err)
	}
}

func TestNtfyServiceReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic is reserved", http.StatusForbidden)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL

	err := notifications.NewService(&cfg).Publish(context.Background(), notifications.EventTest, nil)
	if err == nil || !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "topic is reserved") {
		t.Fatalf("expected 403 error with body, got %v", err)
	}
}
