package clocksync

import (
	"slices"
	"sync"
	"time"

	"neurorec/internal/streamq"
)

// Tracker accumulates sync pulse counts seen on one queue channel.
// Update runs on one goroutine; Stream may be called from any.
type Tracker struct {
	name   string
	q      *streamq.Queue
	search *streamq.EdgeSearch
	keep   int

	mu    sync.Mutex
	edges []uint64
}

// NewTracker watches bit of channel in q for rising pulse edges. keep bounds
// the number of retained edges.
func NewTracker(name string, q *streamq.Queue, channel, bit, keep int) *Tracker {
	s := streamq.NewBitSearch(channel, bit, 1, streamq.Rising)
	s.Reset(0)
	return &Tracker{name: name, q: q, search: s, keep: max(keep, 2)}
}

// Update scans newly appended scans for pulse edges.
func (t *Tracker) Update() error {
	for {
		ct, found, err := t.search.Scan(t.q)
		if err != nil || !found {
			return err
		}
		t.mu.Lock()
		t.edges = append(t.edges, ct)
		if len(t.edges) > t.keep {
			t.edges = append(t.edges[:0], t.edges[len(t.edges)-t.keep:]...)
		}
		t.mu.Unlock()
	}
}

// Stream returns a snapshot for Translate.
func (t *Tracker) Stream() Stream {
	origin, _ := t.q.TimeOrigin()
	t.mu.Lock()
	edges := slices.Clone(t.edges)
	t.mu.Unlock()
	return Stream{
		Name:       t.name,
		SampleRate: t.q.SampleRate(),
		Origin:     origin,
		Edges:      edges,
	}
}

// Nominal builds a Stream without sync pulses from a queue.
func Nominal(name string, q *streamq.Queue) Stream {
	origin, ok := q.TimeOrigin()
	if !ok {
		origin = time.Time{}
	}
	return Stream{Name: name, SampleRate: q.SampleRate(), Origin: origin}
}
