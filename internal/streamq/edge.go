package streamq

import "errors"

// Filter transforms channel samples in place and keeps state between calls.
// Reset must zero the filter's next transient outputs.
type Filter interface {
	Apply(samples []int16)
	Reset()
}

// Direction selects which transition an EdgeSearch reports.
type Direction int

const (
	// Falling reports the first of inarow samples below threshold that
	// follow inarow samples at or above it.
	Falling Direction = iota
	// Rising reports the first of inarow samples at or above threshold that
	// follow inarow samples below it.
	Rising
)

const edgeChunk = 4096

// EdgeSearch is a resumable debounced edge detector over one queue channel.
// Each sample is filtered and examined exactly once, so a stateful filter sees
// a continuous input across successive Scan calls.
type EdgeSearch struct {
	Channel int
	Inarow  int
	Dir     Direction
	Filter  Filter

	high    func(int16) bool
	pos     uint64
	nArm    int
	nHit    int
	hitFrom uint64
}

// NewThresholdSearch detects crossings of an analog threshold.
func NewThresholdSearch(channel int, threshold int16, inarow int, dir Direction, f Filter) *EdgeSearch {
	return &EdgeSearch{
		Channel: channel,
		Inarow:  max(inarow, 1),
		Dir:     dir,
		Filter:  f,
		high:    func(v int16) bool { return v >= threshold },
	}
}

// NewBitSearch detects transitions of one bit of a digital word channel.
func NewBitSearch(channel, bit, inarow int, dir Direction) *EdgeSearch {
	mask := int16(1) << uint(bit)
	return &EdgeSearch{
		Channel: channel,
		Inarow:  max(inarow, 1),
		Dir:     dir,
		high:    func(v int16) bool { return v&mask != 0 },
	}
}

// Reset restarts the search at startCt and resets the filter.
func (e *EdgeSearch) Reset(startCt uint64) {
	e.pos = startCt
	e.nArm = 0
	e.nHit = 0
	if e.Filter != nil {
		e.Filter.Reset()
	}
}

// Position returns the next count the search will examine.
func (e *EdgeSearch) Position() uint64 {
	return e.pos
}

// Scan examines samples from the current position up to the queue head.
// On success it returns the count of the first sample of the qualifying run
// and leaves the position just after that run. If the position has been
// overwritten the search jumps to the oldest retained scan and restarts.
func (e *EdgeSearch) Scan(q *Queue) (uint64, bool, error) {
	for {
		data, err := q.ReadChannel(e.pos, edgeChunk, e.Channel)
		switch {
		case errors.Is(err, ErrNotYet):
			return 0, false, nil
		case errors.Is(err, ErrOverwritten):
			e.Reset(q.OldestCount())
			continue
		case err != nil:
			return 0, false, err
		}
		if e.Filter != nil {
			e.Filter.Apply(data)
		}
		for i, v := range data {
			ct := e.pos + uint64(i)
			armed := e.high(v)
			if e.Dir == Rising {
				armed = !armed
			}
			if armed {
				if e.nHit > 0 {
					e.nArm, e.nHit = 0, 0
				}
				if e.nArm < e.Inarow {
					e.nArm++
				}
				continue
			}
			if e.nArm < e.Inarow {
				e.nArm = 0
				continue
			}
			if e.nHit == 0 {
				e.hitFrom = ct
			}
			e.nHit++
			if e.nHit >= e.Inarow {
				e.pos = ct + 1
				e.nArm = 0
				e.nHit = 0
				return e.hitFrom, true, nil
			}
		}
		e.pos += uint64(len(data))
	}
}

// FindFallingEdge is a one-shot search from startCt to the head for a
// debounced falling edge on channel. The filter is reset before use.
// It returns the edge count and whether one was found; when none is found the
// returned count is the head, where a follow-up search may resume.
func (q *Queue) FindFallingEdge(startCt uint64, channel int, threshold int16, inarow int, f Filter) (uint64, bool, error) {
	s := NewThresholdSearch(channel, threshold, inarow, Falling, f)
	s.Reset(startCt)
	ct, found, err := s.Scan(q)
	if err != nil || found {
		return ct, found, err
	}
	return s.Position(), false, nil
}

// FindRisingEdge mirrors FindFallingEdge for upward crossings.
func (q *Queue) FindRisingEdge(startCt uint64, channel int, threshold int16, inarow int, f Filter) (uint64, bool, error) {
	s := NewThresholdSearch(channel, threshold, inarow, Rising, f)
	s.Reset(startCt)
	ct, found, err := s.Scan(q)
	if err != nil || found {
		return ct, found, err
	}
	return s.Position(), false, nil
}
