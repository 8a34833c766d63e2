package trigger

import (
	"context"
	"fmt"
	"math"
	"time"

	"neurorec/internal/config"
)

type timedState int

const (
	timedL0 timedState = iota
	timedH
	timedL
	timedDone
)

// timed cycles {wait tL0, write tH, wait tL} nH times. Window lengths are
// exact scan counts, so file lengths do not depend on loop timing.
type timed struct {
	b     *Base
	p     config.Timed
	state timedState
	nH    int

	next    []uint64
	hiCur   []uint64
	hiMax   []uint64
	loCt    []uint64
	aligned bool
	delT    float64
}

func newTimed(b *Base, p config.Timed) *timed {
	n := len(b.streams)
	m := &timed{
		b:     b,
		p:     p,
		next:  make([]uint64, n),
		hiCur: make([]uint64, n),
		hiMax: make([]uint64, n),
		loCt:  make([]uint64, n),
	}
	for i, s := range b.streams {
		srate := s.Queue.SampleRate()
		if p.InfiniteH {
			m.hiMax[i] = math.MaxUint64
		} else {
			m.hiMax[i] = secsToCount(p.TH, srate)
		}
		m.loCt[i] = secsToCount(p.TL, srate)
	}
	m.Reset()
	return m
}

func (m *timed) Reset() {
	m.nH = 0
	m.aligned = false
	m.delT = 0
	clear(m.next)
	clear(m.hiCur)
	if m.p.TL0 > 0 {
		m.state = timedL0
	} else {
		m.state = timedH
	}
}

func (m *timed) IsDone() bool { return m.state == timedDone }

func (m *timed) Detail(active bool) string {
	switch {
	case !active:
		return " TX"
	case m.state == timedL0 || m.state == timedL:
		return fmt.Sprintf(" T-%.1fs", m.delT)
	default:
		ref := m.b.refIndex()
		return fmt.Sprintf(" T+%.1fs", float64(m.hiCur[ref])/m.b.streams[ref].Queue.SampleRate())
	}
}

func (m *timed) Advance(_ context.Context, now time.Time) error {
	gHiT := m.b.gate.HighTime()

	if m.state == timedL0 {
		elapsed := now.Sub(gHiT).Seconds()
		if elapsed < m.p.TL0 {
			m.delT = m.p.TL0 - elapsed
			return nil
		}
		m.state = timedH
	}

	if m.state == timedH {
		if err := m.doSomeH(gHiT); err != nil {
			return err
		}
		if m.hDone() {
			m.nH++
			if !m.p.InfiniteN && m.nH >= m.p.NH {
				m.state = timedDone
				m.b.endTrig()
				m.b.requestDisable()
				return nil
			}
			for i := range m.next {
				m.next[i] += m.loCt[i]
			}
			m.aligned = false
			m.state = timedL
			m.b.endTrig()
		}
	}

	if m.state == timedL {
		ref := m.b.refIndex()
		q := m.b.streams[ref].Queue
		if end := q.EndCount(); end < m.next[ref] {
			m.delT = float64(m.next[ref]-end) / q.SampleRate()
			return nil
		}
		m.state = timedH
	}
	return nil
}

func (m *timed) doSomeH(gHiT time.Time) error {
	if !m.aligned {
		ok, err := m.alignFiles(gHiT)
		if err != nil || !ok {
			return err
		}
	}
	if m.b.AllFilesClosed() {
		clear(m.hiCur)
		if _, _, err := m.b.newTrig(); err != nil {
			return err
		}
	}
	for i := range m.b.streams {
		rem := m.hiMax[i] - m.hiCur[i]
		before := rem
		if err := m.b.writeSome(i, &m.next[i], &rem); err != nil {
			return err
		}
		m.hiCur[i] += before - rem
	}
	return nil
}

// alignFiles sets the window start of every stream. The first window starts
// tL0 after gate high; later ones continue from the reference stream's
// computed next count.
func (m *timed) alignFiles(gHiT time.Time) (bool, error) {
	var (
		counts []uint64
		ok     bool
		err    error
	)
	if m.nH == 0 {
		start := gHiT.Add(time.Duration(m.p.TL0 * float64(time.Second)))
		counts, ok, err = m.b.startCounts(start)
	} else {
		ref := m.b.refIndex()
		counts, ok = m.b.translate(ref, m.next[ref])
	}
	if err != nil || !ok {
		return false, err
	}
	m.b.alignLF(counts)
	copy(m.next, counts)
	m.aligned = true
	return true, nil
}

func (m *timed) hDone() bool {
	for i := range m.hiCur {
		if m.hiCur[i] < m.hiMax[i] {
			return false
		}
	}
	return true
}
