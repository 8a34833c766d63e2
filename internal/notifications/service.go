package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"neurorec/internal/config"
)

const userAgent = "neurorec/0.1"

// Event names a notification kind.
type Event string

const (
	EventSessionStarted Event = "session_started"
	EventSessionEnded   Event = "session_ended"
	EventSessionFailed  Event = "session_failed"
	EventDeviceRemoved  Event = "device_removed"
	EventLowDiskSpace   Event = "low_disk_space"
	EventTest           Event = "test"
)

// Payload carries event values by name.
type Payload map[string]any

// Service publishes session events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := render(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func render(event Event, p Payload) (message, bool) {
	switch event {
	case EventSessionStarted:
		return message{
			title: "neurorec - Recording",
			body:  fmt.Sprintf("Session %s started\nDir: %s", p.str("name"), p.str("dir")),
			tags:  []string{"neurorec", "session", "started"},
		}, true
	case EventSessionEnded:
		return message{
			title: "neurorec - Session Ended",
			body:  fmt.Sprintf("Session %s ended after %s with %s segment(s)", p.str("name"), p.str("duration"), p.str("segments")),
			tags:  []string{"neurorec", "session", "completed"},
		}, true
	case EventSessionFailed:
		return message{
			title:    "neurorec - Session Failed",
			body:     fmt.Sprintf("Session %s stopped: %s", p.str("name"), p.str("error")),
			tags:     []string{"neurorec", "error", "alert"},
			priority: "high",
		}, true
	case EventDeviceRemoved:
		return message{
			title:    "neurorec - Device Removed",
			body:     fmt.Sprintf("Acquisition device %s was removed", p.str("device")),
			tags:     []string{"neurorec", "hardware", "alert"},
			priority: "high",
		}, true
	case EventLowDiskSpace:
		return message{
			title: "neurorec - Low Disk Space",
			body:  fmt.Sprintf("%s has %s GiB free", p.str("path"), p.str("free_gib")),
			tags:  []string{"neurorec", "disk", "warning"},
		}, true
	case EventTest:
		return message{
			title:    "neurorec - Test",
			body:     "Notification system test",
			tags:     []string{"neurorec", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func (p Payload) str(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return "unknown"
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return "unknown"
	}
	return s
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
