package gate

import (
	"sync"
	"testing"
	"time"

	"neurorec/internal/config"
)

func TestHighIgnoredUntilEnabledAndStarted(t *testing.T) {
	g := New(config.GateRemote, nil)
	if g.Set(true) {
		t.Fatal("expected high to be ignored while disabled")
	}
	g.SetEnabled(true)
	if g.Set(true) {
		t.Fatal("expected high to be ignored before start")
	}
	g.Start()
	if !g.Set(true) {
		t.Fatal("expected high to apply once enabled and started")
	}
	st := g.Snapshot()
	if !st.High || st.G != 0 || st.T != -1 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestImmediateGateFollowsEnable(t *testing.T) {
	g := New(config.GateImmediate, nil)
	g.SetEnabled(true)
	g.Start()
	if !g.IsHigh() {
		t.Fatal("immediate gate should rise when started while enabled")
	}
	g.SetEnabled(false)
	if g.IsHigh() {
		t.Fatal("disable must force the gate low")
	}
	g.SetEnabled(true)
	st := g.Snapshot()
	if !st.High || st.G != 1 {
		t.Fatalf("expected second gate, got %+v", st)
	}
}

func TestCountersIncrementAndOverride(t *testing.T) {
	g := New(config.GateRemote, nil)
	g.SetEnabled(true)
	g.Start()

	g.Set(true)
	if gi, ti := g.NextTrigger(); gi != 0 || ti != 0 {
		t.Fatalf("got g%d t%d", gi, ti)
	}
	if _, ti := g.NextTrigger(); ti != 1 {
		t.Fatalf("expected t1, got t%d", ti)
	}
	g.Set(false)

	g.ForceCounters(7, 3)
	g.Set(true)
	if gi, ti := g.NextTrigger(); gi != 7 || ti != 3 {
		t.Fatalf("override not applied: g%d t%d", gi, ti)
	}
	g.Set(false)
	g.Set(true)
	if gi, ti := g.NextTrigger(); gi != 8 || ti != 0 {
		t.Fatalf("override should apply once: g%d t%d", gi, ti)
	}

	g.ResetCounters()
	if st := g.Snapshot(); st.G != -1 || st.T != -1 {
		t.Fatalf("reset failed: %+v", st)
	}
}

func TestObserversReceiveEvents(t *testing.T) {
	g := New(config.GateRemote, nil)
	var (
		mu     sync.Mutex
		events []Event
		wg     sync.WaitGroup
	)
	wg.Add(3)
	g.Subscribe(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		wg.Done()
	})
	g.SetEnabled(true)
	g.Start()
	g.Set(true)
	g.Set(false)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("observer events not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	var gateEvents int
	for _, e := range events {
		if e.Kind == EventGate {
			gateEvents++
		}
	}
	if gateEvents != 2 {
		t.Fatalf("expected 2 gate events, got %d", gateEvents)
	}
}
