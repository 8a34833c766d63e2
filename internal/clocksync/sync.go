package clocksync

import (
	"math"
	"sort"
	"time"
)

// Stream is a snapshot of one stream's timing.
type Stream struct {
	Name       string
	SampleRate float64
	// Origin is the wall time of count zero.
	Origin time.Time
	// Edges holds ascending counts of observed sync pulses.
	Edges []uint64
}

// TimeOf returns the nominal wall time of ct.
func (s Stream) TimeOf(ct uint64) time.Time {
	return s.Origin.Add(time.Duration(float64(ct) / s.SampleRate * float64(time.Second)))
}

// CountAt returns the nominal count at wall time t, clamped at zero.
func (s Stream) CountAt(t time.Time) uint64 {
	secs := t.Sub(s.Origin).Seconds()
	if secs <= 0 {
		return 0
	}
	return uint64(math.Round(secs * s.SampleRate))
}

// bracket returns the index of the last edge at or before ct, or -1.
func (s Stream) bracket(ct uint64) int {
	return sort.Search(len(s.Edges), func(i int) bool { return s.Edges[i] > ct }) - 1
}

// rateNear measures the sample rate around edge i from its neighbours,
// falling back to the nominal rate.
func (s Stream) rateNear(i int, period float64) float64 {
	switch {
	case period <= 0 || len(s.Edges) < 2:
		return s.SampleRate
	case i+1 < len(s.Edges):
		return float64(s.Edges[i+1]-s.Edges[i]) / period
	case i > 0:
		return float64(s.Edges[i]-s.Edges[i-1]) / period
	default:
		return s.SampleRate
	}
}

// nearestEdge returns the index of the edge closest to wall time t, provided
// it lies within half a period.
func (s Stream) nearestEdge(t time.Time, period float64) int {
	if len(s.Edges) == 0 {
		return -1
	}
	guess := s.CountAt(t)
	i := sort.Search(len(s.Edges), func(i int) bool { return s.Edges[i] >= guess })
	best := -1
	bestDiff := math.MaxFloat64
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(s.Edges) {
			continue
		}
		diff := math.Abs(s.TimeOf(s.Edges[j]).Sub(t).Seconds())
		if diff < bestDiff {
			best, bestDiff = j, diff
		}
	}
	if bestDiff > period/2 {
		return -1
	}
	return best
}

// Translate maps count ct of stream from to the matching count of stream to.
// bySync reports whether sync pulses in both streams were used; otherwise the
// nominal rates and origins were.
func Translate(ct uint64, from, to Stream, period float64) (dst uint64, bySync bool) {
	if period > 0 {
		if i := from.bracket(ct); i >= 0 {
			j := to.nearestEdge(from.TimeOf(from.Edges[i]), period)
			if j >= 0 {
				secs := float64(ct-from.Edges[i]) / from.rateNear(i, period)
				off := secs * to.rateNear(j, period)
				return to.Edges[j] + uint64(math.Round(off)), true
			}
		}
	}
	return to.CountAt(from.TimeOf(ct)), false
}

// TranslateAll maps ct of streams[src] into every stream. The source entry is ct itself.
func TranslateAll(ct uint64, src int, streams []Stream, period float64) ([]uint64, bool) {
	out := make([]uint64, len(streams))
	all := true
	for i, s := range streams {
		if i == src {
			out[i] = ct
			continue
		}
		var ok bool
		out[i], ok = Translate(ct, streams[src], s, period)
		all = all && ok
	}
	return out, all
}
