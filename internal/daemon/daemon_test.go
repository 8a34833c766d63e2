package daemon_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"neurorec/internal/catalog"
	"neurorec/internal/config"
	"neurorec/internal/daemon"
	"neurorec/internal/faults"
	"neurorec/internal/logging"
	"neurorec/internal/testsupport"
)

func newDaemon(t *testing.T, cfg *config.Config) *daemon.Daemon {
	t.Helper()
	store, err := catalog.Open(cfg.Paths.CatalogPath)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	d, err := daemon.New(cfg, store, logging.NewNop(), "", logging.NewStreamHub(32))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := newDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !d.Running() {
		t.Fatal("expected daemon running")
	}
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second Start to fail")
	}

	other := newDaemon(t, cfg)
	if err := other.Start(ctx); err == nil {
		t.Fatal("expected lock contention error")
	}

	d.Stop()
	if d.Running() {
		t.Fatal("expected daemon stopped")
	}
}

func TestDaemonRunLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := newDaemon(t, cfg)
	ctx := context.Background()

	if _, err := d.StartRun(ctx); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected validation error before Start, got %v", err)
	}
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	r, err := d.StartRun(ctx)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if _, err := d.StartRun(ctx); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected second StartRun to fail, got %v", err)
	}
	if d.CurrentRun() != r {
		t.Fatal("current run mismatch")
	}
	if err := d.SetGate(true); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected SetGate to be rejected in immediate mode, got %v", err)
	}
	if err := d.SetMetadata(map[string]string{"subject": "m12"}); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if data := d.StatusData(); data["running"] != true {
		t.Fatalf("unexpected status data %v", data)
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.Status().Streams[0].Head < 100 {
		if time.Now().After(deadline) {
			t.Fatal("no data acquired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopped, err := d.StopRun()
	if err != nil {
		t.Fatalf("StopRun: %v", err)
	}
	if stopped != r || d.CurrentRun() != nil || d.LastRun() != r {
		t.Fatal("run not retired after stop")
	}
	if _, err := d.StopRun(); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected StopRun without session to fail, got %v", err)
	}

	segs, err := d.ListSegments(ctx, catalog.Filter{RunID: r.ID()})
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segs) != 1 || segs[0].Label != "nidq" {
		t.Fatalf("expected one nidq segment, got %+v", segs)
	}
}

func TestDaemonPublishesSessionNotifications(t *testing.T) {
	titles := make(chan string, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		titles <- r.Header.Get("Title")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithNtfyTopic(server.URL))
	d := newDaemon(t, cfg)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sent, msg, err := d.TestNotification(ctx)
	if err != nil || !sent {
		t.Fatalf("TestNotification: sent=%v msg=%q err=%v", sent, msg, err)
	}
	expectTitle(t, titles, "neurorec - Test")

	if _, err := d.StartRun(ctx); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	expectTitle(t, titles, "neurorec - Recording")
	if _, err := d.StopRun(); err != nil {
		t.Fatalf("StopRun: %v", err)
	}
	expectTitle(t, titles, "neurorec - Session Ended")
}

func TestDaemonTestNotificationWithoutTopic(t *testing.T) {
	d := newDaemon(t, testsupport.NewConfig(t))
	sent, msg, err := d.TestNotification(context.Background())
	if err != nil || sent || msg != "ntfy topic not configured" {
		t.Fatalf("unexpected result sent=%v msg=%q err=%v", sent, msg, err)
	}
}

func expectTitle(t *testing.T, titles <-chan string, want string) {
	t.Helper()
	select {
	case got := <-titles:
		if got != want {
			t.Fatalf("expected notification %q, got %q", want, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for notification %q", want)
	}
}
