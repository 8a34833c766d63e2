package trigger

import (
	"context"
	"fmt"
	"time"

	"neurorec/internal/config"
	"neurorec/internal/faults"
	"neurorec/internal/streamq"
)

type ttlState int

const (
	ttlGetEdge ttlState = iota
	ttlWrite
	ttlDone
)

// ttl opens a segment marginSecs before each rising edge on a trigger
// channel and closes it after tH (timed), when the level falls (follow) or
// when the gate drops (latch). The next search starts no sooner than the
// refractory period after the edge.
type ttl struct {
	b     *Base
	p     config.TTL
	src   int
	state ttlState
	nH    int

	rise *streamq.EdgeSearch
	fall *streamq.EdgeSearch

	margin  []uint64
	hiCt    []uint64
	refract uint64

	edge    []uint64
	next    []uint64
	rem     []uint64
	bounded bool
	pending bool
	pendCt  uint64
	fellAt  uint64
	fell    bool
}

func newTTL(b *Base, p config.TTL) (*ttl, error) {
	src := b.streamIndex(p.Stream)
	if src < 0 {
		return nil, faults.Wrap(faults.ErrConfiguration, "trigger", "init",
			fmt.Sprintf("ttl stream %q is not acquired", p.Stream), nil)
	}
	n := len(b.streams)
	m := &ttl{
		b:      b,
		p:      p,
		src:    src,
		margin: make([]uint64, n),
		hiCt:   make([]uint64, n),
		edge:   make([]uint64, n),
		next:   make([]uint64, n),
		rem:    make([]uint64, n),
	}
	for i, s := range b.streams {
		srate := s.Queue.SampleRate()
		m.margin[i] = secsToCount(p.MarginSecs, srate)
		m.hiCt[i] = secsToCount(p.TH, srate)
	}
	m.refract = max(secsToCount(p.RefractSecs, b.streams[src].Queue.SampleRate()), 1)
	m.Reset()
	return m, nil
}

func (m *ttl) newSearch(dir streamq.Direction) *streamq.EdgeSearch {
	if m.p.Analog {
		return streamq.NewThresholdSearch(m.p.Channel, int16(m.p.Threshold), m.p.Inarow, dir, nil)
	}
	return streamq.NewBitSearch(m.p.Channel, m.p.Bit, m.p.Inarow, dir)
}

func (m *ttl) Reset() {
	m.state = ttlGetEdge
	m.nH = 0
	m.rise = nil
	m.fall = nil
	m.pending = false
	m.bounded = false
}

func (m *ttl) IsDone() bool { return m.state == ttlDone }

func (m *ttl) Detail(active bool) string {
	if !active {
		return " TX"
	}
	if m.state == ttlWrite {
		return " TTL+"
	}
	return ""
}

func (m *ttl) Advance(_ context.Context, _ time.Time) error {
	if m.state == ttlGetEdge {
		found, err := m.getEdge()
		if err != nil || !found {
			return err
		}
		if _, _, err := m.b.newTrig(); err != nil {
			return err
		}
		m.setupWrite()
		m.state = ttlWrite
	}

	if m.state != ttlWrite {
		return nil
	}
	if err := m.trackFall(); err != nil {
		return err
	}
	for i := range m.b.streams {
		var rem *uint64
		if m.bounded {
			rem = &m.rem[i]
		}
		if err := m.b.writeSome(i, &m.next[i], rem); err != nil {
			return err
		}
	}
	if !m.bounded || !allZero(m.rem) {
		return nil
	}

	m.b.endTrig()
	m.nH++
	if !m.p.InfiniteN && m.nH >= m.p.NH {
		m.state = ttlDone
		m.b.requestDisable()
		return nil
	}
	m.rise.Reset(max(m.edge[m.src]+m.refract, m.next[m.src]))
	m.state = ttlGetEdge
	return nil
}

func (m *ttl) getEdge() (bool, error) {
	q := m.b.streams[m.src].Queue
	if m.rise == nil {
		gateCt, err := m.b.streams[m.src].countAt(m.b.gate.HighTime())
		if err != nil {
			if faults.Classify(err) == faults.OutcomeRecoverable {
				return false, nil
			}
			return false, err
		}
		m.rise = m.newSearch(streamq.Rising)
		m.rise.Reset(max(gateCt, q.OldestCount()+m.margin[m.src]))
	}
	if !m.pending {
		ct, found, err := m.rise.Scan(q)
		if err != nil || !found {
			return false, err
		}
		m.pending, m.pendCt = true, ct
	}
	counts, ok := m.b.translate(m.src, m.pendCt)
	if !ok {
		return false, nil
	}
	m.pending = false
	copy(m.edge, counts)
	return true, nil
}

func (m *ttl) setupWrite() {
	for i := range m.b.streams {
		m.next[i] = m.edge[i] - min(m.edge[i], m.margin[i])
	}
	m.fall = nil
	m.fell = false
	switch m.p.Mode {
	case config.TTLTimed:
		m.bounded = true
		for i := range m.rem {
			m.rem[i] = m.edge[i] - m.next[i] + m.hiCt[i]
		}
	case config.TTLFollow:
		m.bounded = false
		m.fall = m.newSearch(streamq.Falling)
		m.fall.Reset(m.edge[m.src])
	default:
		m.bounded = false
	}
}

// trackFall bounds a follow-mode window once the level drops.
func (m *ttl) trackFall() error {
	if m.fall == nil || m.bounded {
		return nil
	}
	if !m.fell {
		ct, found, err := m.fall.Scan(m.b.streams[m.src].Queue)
		if err != nil || !found {
			return err
		}
		m.fell, m.fellAt = true, ct
	}
	ends, ok := m.b.translate(m.src, m.fellAt)
	if !ok {
		return nil
	}
	for i := range m.rem {
		m.rem[i] = ends[i] - min(ends[i], m.next[i])
	}
	m.bounded = true
	return nil
}

func allZero(v []uint64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
