package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"neurorec/internal/config"
	"neurorec/internal/faults"
	"neurorec/internal/filter"
	"neurorec/internal/streamq"
)

const (
	spikeHighPassHz  = 300.0
	spikeLatencySecs = 0.25
	spikeMinRefract  = 5
	probesPerWorker  = 2
	nidqFilterMaxInt = 32768
)

type spikeState int

const (
	spikeGetEdge spikeState = iota
	spikeWrite
	spikeDone
)

// spike captures a symmetric peri-event window around each threshold
// crossing on one channel, across every stream. Probe writes fan out to
// workers of probesPerWorker streams and all must finish before the loop
// continues.
type spike struct {
	b     *Base
	p     config.Spike
	src   int
	state spikeState
	nS    int

	flt    *filter.Biquad
	search *streamq.EdgeSearch

	periEvt []uint64
	refract []uint64
	latency []uint64

	edge    []uint64
	next    []uint64
	rem     []uint64
	started bool
	pending bool
	pendCt  uint64

	groups [][]int
	local  []int
}

func newSpike(b *Base, p config.Spike) (*spike, error) {
	src := b.streamIndex(p.Stream)
	if src < 0 {
		return nil, faults.Wrap(faults.ErrConfiguration, "trigger", "init",
			fmt.Sprintf("spike stream %q is not acquired", p.Stream), nil)
	}
	b.setSyncWrites()

	n := len(b.streams)
	m := &spike{
		b:       b,
		p:       p,
		src:     src,
		periEvt: make([]uint64, n),
		refract: make([]uint64, n),
		latency: make([]uint64, n),
		edge:    make([]uint64, n),
		next:    make([]uint64, n),
		rem:     make([]uint64, n),
	}
	var probes []int
	for i, s := range b.streams {
		srate := s.Queue.SampleRate()
		m.periEvt[i] = secsToCount(p.PeriEvtSecs, srate)
		m.refract[i] = max(secsToCount(p.RefractSecs, srate), spikeMinRefract)
		m.latency[i] = secsToCount(spikeLatencySecs, srate)
		if s.IsProbe() {
			probes = append(probes, i)
		} else {
			m.local = append(m.local, i)
		}
	}
	for len(probes) > 0 {
		k := min(probesPerWorker, len(probes))
		m.groups = append(m.groups, probes[:k])
		probes = probes[k:]
	}

	m.flt = spikeFilter(b, src, p.Channel)
	var f streamq.Filter
	if m.flt != nil {
		f = m.flt
	}
	m.search = streamq.NewThresholdSearch(p.Channel, int16(p.Threshold), p.Inarow, streamq.Falling, f)
	m.Reset()
	return m, nil
}

// spikeFilter returns a high-pass filter when channel is a neural channel
// of stream src, otherwise nil.
func spikeFilter(b *Base, src, channel int) *filter.Biquad {
	s := b.streams[src]
	srate := s.Queue.SampleRate()
	if s.IsProbe() {
		if channel >= s.NAP {
			return nil
		}
		maxInt := 512
		if s.Probe < len(b.cfg.Probes) && b.cfg.Probes[s.Probe].MaxInt > 0 {
			maxInt = b.cfg.Probes[s.Probe].MaxInt
		}
		return filter.NewHighPass(spikeHighPassHz, srate, maxInt)
	}
	if channel >= b.cfg.NIDQ.NeuralChans {
		return nil
	}
	return filter.NewHighPass(spikeHighPassHz, srate, nidqFilterMaxInt)
}

func (m *spike) Reset() {
	m.state = spikeGetEdge
	m.nS = 0
	m.started = false
	m.pending = false
	if m.flt != nil {
		m.flt.Reset()
	}
}

func (m *spike) IsDone() bool { return m.state == spikeDone }

func (m *spike) Detail(active bool) string {
	if !active {
		return " TX"
	}
	return ""
}

func (m *spike) Advance(ctx context.Context, _ time.Time) error {
	if m.state == spikeGetEdge {
		found, err := m.getEdge()
		if err != nil || !found {
			return err
		}
		if _, _, err := m.b.newTrig(); err != nil {
			return err
		}
		for i := range m.b.streams {
			m.next[i] = m.edge[i] - min(m.edge[i], m.periEvt[i])
			m.rem[i] = 2*m.periEvt[i] + 1
		}
		m.state = spikeWrite
	}

	if m.state != spikeWrite {
		return nil
	}
	if err := m.xferAll(ctx); err != nil {
		return err
	}
	if !allZero(m.rem) {
		return nil
	}

	m.b.endTrig()
	m.nS++
	if !m.p.InfiniteN && m.nS >= m.p.NS {
		m.state = spikeDone
		m.b.requestDisable()
		return nil
	}
	for i := range m.edge {
		m.edge[i] += m.refract[i]
	}
	m.search.Reset(m.edge[m.src])
	m.state = spikeGetEdge
	return nil
}

// getEdge searches the source stream from the gate-high count, or from far
// enough into the retained history that the pre-event window is still
// available, then maps the edge to every stream.
func (m *spike) getEdge() (bool, error) {
	s := m.b.streams[m.src]
	if !m.started {
		gateCt, err := s.countAt(m.b.gate.HighTime())
		if err != nil {
			if errors.Is(err, faults.ErrUnavailable) {
				return false, nil
			}
			return false, err
		}
		minCt := s.Queue.OldestCount() + m.periEvt[m.src] + m.latency[m.src]
		m.search.Reset(max(gateCt, minCt))
		m.started = true
	}
	if !m.pending {
		ct, found, err := m.search.Scan(s.Queue)
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

// xferAll writes some of every stream's window: probe groups on worker
// goroutines, the generic device on this one, then waits for all.
func (m *spike) xferAll(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, group := range m.groups {
		g.Go(func() error {
			for _, i := range group {
				if err := m.b.writeSome(i, &m.next[i], &m.rem[i]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	var localErr error
	for _, i := range m.local {
		if localErr = m.b.writeSome(i, &m.next[i], &m.rem[i]); localErr != nil {
			break
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return localErr
}
