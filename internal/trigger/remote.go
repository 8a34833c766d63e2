package trigger

import (
	"context"
	"sync"
	"time"
)

// remote records while an externally driven level is high. The level's
// transition times, not the loop's, bound each segment.
type remote struct {
	b *Base

	mu  sync.Mutex
	hi  bool
	hiT time.Time
	loT time.Time

	open bool
	next []uint64
	ends []uint64
}

func newRemote(b *Base) *remote {
	return &remote{b: b}
}

// SetTrigger sets the level. Repeated values are ignored.
func (m *remote) SetTrigger(hi bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hi == m.hi {
		return
	}
	m.hi = hi
	if hi {
		m.hiT = m.b.now()
	} else {
		m.loT = m.b.now()
	}
}

func (m *remote) level() (bool, time.Time, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hi, m.hiT, m.loT
}

func (m *remote) Reset() {
	m.mu.Lock()
	m.hi = false
	m.mu.Unlock()
	m.open = false
	m.next = nil
	m.ends = nil
}

func (m *remote) IsDone() bool { return false }

func (m *remote) Detail(active bool) string {
	hi, _, _ := m.level()
	if !active || (!hi && !m.open) {
		return " TX"
	}
	return ""
}

func (m *remote) Advance(_ context.Context, _ time.Time) error {
	hi, hiT, loT := m.level()

	if !m.open {
		if !hi {
			return nil
		}
		counts, ok, err := m.b.startCounts(hiT)
		if err != nil || !ok {
			return err
		}
		m.b.alignLF(counts)
		if _, _, err := m.b.newTrig(); err != nil {
			return err
		}
		m.next = counts
		m.ends = nil
		m.open = true
	}

	if !hi && m.ends == nil && loT.After(hiT) {
		ends, ok, err := m.b.startCounts(loT)
		if err != nil {
			return err
		}
		if ok {
			m.ends = ends
		}
	}

	if m.ends == nil {
		for i := range m.b.streams {
			if err := m.b.writeSome(i, &m.next[i], nil); err != nil {
				return err
			}
		}
		return nil
	}

	done := true
	for i := range m.b.streams {
		if m.next[i] >= m.ends[i] {
			continue
		}
		rem := m.ends[i] - m.next[i]
		if err := m.b.writeSome(i, &m.next[i], &rem); err != nil {
			return err
		}
		if m.next[i] < m.ends[i] {
			done = false
		}
	}
	if done {
		m.b.endTrig()
		m.open = false
		m.ends = nil
	}
	return nil
}
