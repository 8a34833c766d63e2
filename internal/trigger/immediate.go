package trigger

import (
	"context"
	"time"
)

// immediate writes every stream continuously from the gate-high time.
type immediate struct {
	b    *Base
	next []uint64
}

func newImmediate(b *Base) *immediate {
	return &immediate{b: b}
}

func (m *immediate) Reset() { m.next = nil }

func (m *immediate) IsDone() bool { return false }

func (m *immediate) Detail(bool) string { return "" }

func (m *immediate) Advance(_ context.Context, _ time.Time) error {
	if m.next == nil {
		counts, ok, err := m.b.startCounts(m.b.gate.HighTime())
		if err != nil || !ok {
			return err
		}
		m.b.alignLF(counts)
		if _, _, err := m.b.newTrig(); err != nil {
			return err
		}
		m.next = counts
	}
	for i := range m.b.streams {
		if err := m.b.writeSome(i, &m.next[i], nil); err != nil {
			return err
		}
	}
	return nil
}
