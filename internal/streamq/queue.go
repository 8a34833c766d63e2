package streamq

import (
	"fmt"
	"math"
	"sync"
	"time"

	"neurorec/internal/faults"
)

var (
	// ErrOverwritten reports a start count older than the retained history.
	ErrOverwritten = fmt.Errorf("%w: scans overwritten", faults.ErrUnavailable)
	// ErrNotYet reports a start count at or beyond the head.
	ErrNotYet = fmt.Errorf("%w: scans not yet acquired", faults.ErrUnavailable)
	// ErrNoOrigin reports a time query before the first append.
	ErrNoOrigin = fmt.Errorf("%w: queue has no time origin", faults.ErrUnavailable)
)

// Queue is a fixed capacity circular buffer of int16 scans.
type Queue struct {
	mu        sync.RWMutex
	buf       []int16
	nChans    int
	capScans  uint64
	head      uint64
	srate     float64
	tZero     time.Time
	hasOrigin bool
	now       func() time.Time
}

// New creates a queue holding capacityScans scans of nChans channels.
func New(srate float64, nChans, capacityScans int) *Queue {
	if nChans < 1 {
		nChans = 1
	}
	if capacityScans < 1 {
		capacityScans = 1
	}
	return &Queue{
		buf:      make([]int16, nChans*capacityScans),
		nChans:   nChans,
		capScans: uint64(capacityScans),
		srate:    srate,
		now:      time.Now,
	}
}

// NewForSeconds sizes the queue to hold secs seconds of data.
func NewForSeconds(srate float64, nChans int, secs float64) *Queue {
	return New(srate, nChans, int(math.Ceil(secs*srate)))
}

func (q *Queue) NChans() int           { return q.nChans }
func (q *Queue) SampleRate() float64   { return q.srate }
func (q *Queue) Capacity() int         { return int(q.capScans) }
func (q *Queue) BytesPerScan() int     { return 2 * q.nChans }
func (q *Queue) CapacitySecs() float64 { return float64(q.capScans) / q.srate }

// SetTimeOrigin fixes the wall time of count zero. Sources with hardware
// timestamps call it before the first append.
func (q *Queue) SetTimeOrigin(t time.Time) {
	q.mu.Lock()
	q.tZero = t
	q.hasOrigin = true
	q.mu.Unlock()
}

// TimeOrigin returns the wall time of count zero.
func (q *Queue) TimeOrigin() (time.Time, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.tZero, q.hasOrigin
}

// Append copies block into the queue. Its length must be a whole number of scans.
func (q *Queue) Append(block []int16) error {
	if len(block)%q.nChans != 0 {
		return faults.Wrap(faults.ErrValidation, "streamq", "append",
			fmt.Sprintf("block of %d samples is not a multiple of %d channels", len(block), q.nChans), nil)
	}
	nScans := uint64(len(block) / q.nChans)
	if nScans == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.hasOrigin {
		q.tZero = q.now().Add(-time.Duration(float64(nScans) / q.srate * float64(time.Second)))
		q.hasOrigin = true
	}
	q.writeLocked(block, nScans)
	return nil
}

// AppendAt appends block whose first scan has absolute count headCt. A gap
// between the current head and headCt is zero filled so counts stay
// contiguous; a block starting before the head is rejected.
func (q *Queue) AppendAt(block []int16, headCt uint64) error {
	q.mu.Lock()
	head := q.head
	q.mu.Unlock()

	switch {
	case headCt < head:
		return faults.Wrap(faults.ErrValidation, "streamq", "append",
			fmt.Sprintf("block count %d precedes head %d", headCt, head), nil)
	case headCt > head:
		gap := headCt - head
		if gap > q.capScans {
			q.mu.Lock()
			q.head = headCt - q.capScans
			q.mu.Unlock()
			gap = q.capScans
		}
		if err := q.Append(make([]int16, int(gap)*q.nChans)); err != nil {
			return err
		}
	}
	return q.Append(block)
}

func (q *Queue) writeLocked(block []int16, nScans uint64) {
	if nScans > q.capScans {
		skip := nScans - q.capScans
		block = block[skip*uint64(q.nChans):]
		q.head += skip
		nScans = q.capScans
	}
	idx := q.head % q.capScans
	first := min(nScans, q.capScans-idx)
	copy(q.buf[idx*uint64(q.nChans):], block[:first*uint64(q.nChans)])
	if first < nScans {
		copy(q.buf, block[first*uint64(q.nChans):])
	}
	q.head += nScans
}

// HeadCount returns the number of scans appended since the run started.
func (q *Queue) HeadCount() uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.head
}

// EndCount is the count one past the newest retained scan.
func (q *Queue) EndCount() uint64 {
	return q.HeadCount()
}

// OldestCount returns the count of the oldest retained scan.
func (q *Queue) OldestCount() uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.oldestLocked()
}

func (q *Queue) oldestLocked() uint64 {
	if q.head <= q.capScans {
		return 0
	}
	return q.head - q.capScans
}

// ReadRange copies up to maxScans scans starting at startCt. The returned
// slice is owned by the caller. Fewer scans are returned when the head is
// reached. ErrOverwritten and ErrNotYet are recoverable.
func (q *Queue) ReadRange(startCt uint64, maxScans int) ([]int16, error) {
	if maxScans <= 0 {
		return nil, nil
	}
	q.mu.RLock()
	defer q.mu.RUnlock()

	if startCt >= q.head {
		return nil, ErrNotYet
	}
	if startCt < q.oldestLocked() {
		return nil, ErrOverwritten
	}
	n := min(uint64(maxScans), q.head-startCt)
	out := make([]int16, n*uint64(q.nChans))
	idx := startCt % q.capScans
	first := min(n, q.capScans-idx)
	nc := uint64(q.nChans)
	copy(out, q.buf[idx*nc:(idx+first)*nc])
	if first < n {
		copy(out[first*nc:], q.buf[:(n-first)*nc])
	}
	return out, nil
}

// ReadChannel copies one channel of up to maxScans scans starting at startCt.
func (q *Queue) ReadChannel(startCt uint64, maxScans, channel int) ([]int16, error) {
	if channel < 0 || channel >= q.nChans {
		return nil, faults.Wrap(faults.ErrValidation, "streamq", "read channel",
			fmt.Sprintf("channel %d outside %d channels", channel, q.nChans), nil)
	}
	if maxScans <= 0 {
		return nil, nil
	}
	q.mu.RLock()
	defer q.mu.RUnlock()

	if startCt >= q.head {
		return nil, ErrNotYet
	}
	if startCt < q.oldestLocked() {
		return nil, ErrOverwritten
	}
	n := min(uint64(maxScans), q.head-startCt)
	out := make([]int16, n)
	for i := uint64(0); i < n; i++ {
		idx := (startCt + i) % q.capScans
		out[i] = q.buf[idx*uint64(q.nChans)+uint64(channel)]
	}
	return out, nil
}

// MapTimeToCount converts wall time to the nearest absolute count. The count
// may lie beyond the head for future times; ErrOverwritten is returned with
// the count when it precedes the retained history.
func (q *Queue) MapTimeToCount(t time.Time) (uint64, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.hasOrigin {
		return 0, ErrNoOrigin
	}
	secs := t.Sub(q.tZero).Seconds()
	if secs < 0 {
		return 0, ErrOverwritten
	}
	ct := uint64(math.Round(secs * q.srate))
	if ct < q.oldestLocked() {
		return ct, ErrOverwritten
	}
	return ct, nil
}

// MapCountToTime converts an absolute count to wall time.
func (q *Queue) MapCountToTime(ct uint64) (time.Time, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.hasOrigin {
		return time.Time{}, ErrNoOrigin
	}
	return q.tZero.Add(time.Duration(float64(ct) / q.srate * float64(time.Second))), nil
}

// Stats is a point-in-time view used for status reporting.
type Stats struct {
	Head     uint64
	Oldest   uint64
	Capacity uint64
	Seconds  float64
}

// Snapshot returns current queue statistics.
func (q *Queue) Snapshot() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return Stats{
		Head:     q.head,
		Oldest:   q.oldestLocked(),
		Capacity: q.capScans,
		Seconds:  float64(q.head) / q.srate,
	}
}
