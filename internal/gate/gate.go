// Package gate implements the recording gate: a Low/High state machine,
// the recording-enable flag and the gate/trigger counters that name files.
package gate

import (
	"log/slog"
	"sync"
	"time"

	"neurorec/internal/config"
	"neurorec/internal/logging"
)

// EventKind tells observers what changed.
type EventKind string

const (
	EventGate    EventKind = "gate"
	EventTrigger EventKind = "trigger"
	EventEnable  EventKind = "enable"
)

// Event is delivered to observers after a state change.
type Event struct {
	Kind EventKind
	High bool
	G    int
	T    int
	At   time.Time
}

// Observer receives events on its own goroutine.
type Observer func(Event)

// State is a point-in-time copy of the gate.
type State struct {
	Mode      string
	Enabled   bool
	Started   bool
	High      bool
	G         int
	T         int
	StartTime time.Time
	HighTime  time.Time
	LowTime   time.Time
}

type counters struct {
	g, t int
}

// Gate is safe for concurrent use.
type Gate struct {
	mu        sync.Mutex
	mode      string
	enabled   bool
	started   bool
	high      bool
	ig        int
	it        int
	startT    time.Time
	hiT       time.Time
	loT       time.Time
	override  *counters
	observers []Observer
	logger    *slog.Logger
	clock     func() time.Time
}

// New returns a low, disabled gate with both counters at -1.
func New(mode string, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = logging.NewNop()
	}
	if mode == "" {
		mode = config.GateImmediate
	}
	return &Gate{
		mode:   mode,
		ig:     -1,
		it:     -1,
		logger: logging.NewComponentLogger(logger, "gate"),
		clock:  time.Now,
	}
}

// SetClock replaces the time source.
func (g *Gate) SetClock(fn func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if fn != nil {
		g.clock = fn
	}
}

// Subscribe registers an observer.
func (g *Gate) Subscribe(fn Observer) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, fn)
}

// Notify fans e out to observers without waiting for them.
func (g *Gate) Notify(e Event) {
	g.mu.Lock()
	obs := append([]Observer(nil), g.observers...)
	if e.At.IsZero() {
		e.At = g.clock()
	}
	g.mu.Unlock()
	for _, fn := range obs {
		go fn(e)
	}
}

// Start marks acquisition as running; gate highs are ignored before this.
func (g *Gate) Start() {
	g.mu.Lock()
	g.started = true
	g.startT = g.clock()
	immediate := g.mode == config.GateImmediate && g.enabled
	g.mu.Unlock()
	if immediate {
		g.Set(true)
	}
}

// SetEnabled sets the recording-enable flag. Enabling raises an immediate
// gate; disabling always lowers the gate.
func (g *Gate) SetEnabled(on bool) {
	g.mu.Lock()
	changed := g.enabled != on
	g.enabled = on
	g.hiT = g.clock()
	immediate := g.mode == config.GateImmediate
	g.mu.Unlock()

	if changed {
		g.logger.Info("recording enable changed", logging.Bool("enabled", on))
		g.Notify(Event{Kind: EventEnable, High: on})
	}
	if on {
		if immediate {
			g.Set(true)
		}
		return
	}
	g.Set(false)
}

// Set drives the gate level. A high is applied only when enabled and
// started; it reports whether the level was applied.
func (g *Gate) Set(hi bool) bool {
	g.mu.Lock()
	if hi {
		if !g.enabled {
			g.mu.Unlock()
			return false
		}
		if !g.started {
			g.mu.Unlock()
			logging.WarnWithContext(g.logger, "gate high before acquisition started; ignored", "gate_ignored",
				logging.String(logging.FieldErrorHint, "wait for the run to report started before raising the gate"),
			)
			return false
		}
		if g.high {
			g.mu.Unlock()
			return true
		}
		g.hiT = g.clock()
		if g.override != nil {
			g.ig, g.it = g.override.g, g.override.t-1
			g.override = nil
		} else {
			g.ig++
			g.it = -1
		}
	} else {
		if !g.high {
			g.mu.Unlock()
			return true
		}
		g.loT = g.clock()
	}
	g.high = hi
	ev := Event{Kind: EventGate, High: hi, G: g.ig, T: g.it}
	g.mu.Unlock()

	g.logger.Debug("gate changed", logging.Bool("high", hi), logging.Int(logging.FieldGate, ev.G))
	g.Notify(ev)
	return true
}

// ForceCounters makes the next low to high transition use gate index gi and
// start trigger numbering at ti.
func (g *Gate) ForceCounters(gi, ti int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.override = &counters{g: gi, t: ti}
}

// ResetCounters clears any override and returns both counters to -1.
func (g *Gate) ResetCounters() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.override = nil
	g.ig, g.it = -1, -1
}

// NextTrigger increments the trigger index and returns the gate and
// trigger indices for the new segment.
func (g *Gate) NextTrigger() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.it++
	return g.ig, g.it
}

// IsHigh reports the gate level.
func (g *Gate) IsHigh() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.high
}

// HighTime is the wall time of the latest high transition.
func (g *Gate) HighTime() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hiT
}

// Snapshot copies the current state.
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		Mode:      g.mode,
		Enabled:   g.enabled,
		Started:   g.started,
		High:      g.high,
		G:         g.ig,
		T:         g.it,
		StartTime: g.startT,
		HighTime:  g.hiT,
		LowTime:   g.loT,
	}
}
