package logging

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestHubHandlerKeepsWithAttrs(t *testing.T) {
	hub := NewStreamHub(100)
	lvl := new(slog.LevelVar)
	logger := slog.New(newHubHandler(hub, lvl)).
		With(slog.String(FieldComponent, "writer")).
		With(slog.String(FieldStream, "imec1"))

	logger.Info("drained", slog.Int("blocks", 12))

	events, _ := hub.Tail(10)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	evt := events[0]
	if evt.Component != "writer" || evt.Stream != "imec1" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.Fields["blocks"] != "12" {
		t.Fatalf("expected blocks field, got %v", evt.Fields)
	}
}

func TestStreamHubDropsOldest(t *testing.T) {
	hub := NewStreamHub(3)
	for i := 0; i < 5; i++ {
		hub.Publish(LogEvent{Message: "m"})
	}
	events, next := hub.Tail(10)
	if len(events) != 3 {
		t.Fatalf("expected 3 buffered events, got %d", len(events))
	}
	if events[0].Sequence != 3 || next != 5 {
		t.Fatalf("unexpected sequences first=%d next=%d", events[0].Sequence, next)
	}
}

func TestStreamHubFetchWaits(t *testing.T) {
	hub := NewStreamHub(10)
	go func() {
		time.Sleep(20 * time.Millisecond)
		hub.Publish(LogEvent{Message: "late"})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events, _, err := hub.Fetch(ctx, 0, 10, true)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 1 || events[0].Message != "late" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestStreamHubFetchHonoursCancel(t *testing.T) {
	hub := NewStreamHub(10)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := hub.Fetch(ctx, 0, 10, true); err == nil {
		t.Fatal("expected context error")
	}
}
