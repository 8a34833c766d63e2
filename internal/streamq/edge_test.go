package streamq_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"neurorec/internal/streamq"
)

// edgeQueue builds a 2-channel queue whose channel 1 holds lead zeros, n
// samples at hi and m samples at lo, then a tail at hi.
func edgeQueue(lead, n, m int, hi, lo int16) *streamq.Queue {
	total := lead + n + m + 5
	q := streamq.New(1000, 2, total+10)
	block := make([]int16, 0, total*2)
	for i := 0; i < total; i++ {
		v := hi
		switch {
		case i < lead:
			v = lo
		case i >= lead+n && i < lead+n+m:
			v = lo
		}
		block = append(block, 7, v)
	}
	_ = q.Append(block)
	return q
}

func TestFindFallingEdgeProperty(t *testing.T) {
	for _, thresh := range []int16{-50, 0, 100} {
		for _, inarow := range []int{1, 2, 3, 5} {
			for m := 1; m <= 7; m++ {
				name := fmt.Sprintf("thresh=%d/inarow=%d/m=%d", thresh, inarow, m)
				t.Run(name, func(t *testing.T) {
					const n = 6
					q := edgeQueue(0, n, m, thresh, thresh-1)
					ct, found, err := q.FindFallingEdge(0, 1, thresh, inarow, nil)
					require.NoError(t, err)
					if m >= inarow {
						require.True(t, found)
						require.Equal(t, uint64(n), ct)
					} else {
						require.False(t, found)
					}
				})
			}
		}
	}
}

func TestFindFallingEdgeNeedsArmingRun(t *testing.T) {
	// Only one sample above threshold before the drop.
	q := edgeQueue(4, 1, 10, 100, -100)
	_, found, err := q.FindFallingEdge(0, 1, 0, 3, nil)
	require.NoError(t, err)
	require.False(t, found)
}

func TestFindRisingEdge(t *testing.T) {
	q := edgeQueue(4, 6, 0, 100, -100)
	ct, found, err := q.FindRisingEdge(0, 1, 50, 3, nil)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(4), ct)
}

func TestEdgeSearchResumesAcrossAppends(t *testing.T) {
	q := streamq.New(1000, 1, 100)
	s := streamq.NewThresholdSearch(0, 0, 2, streamq.Falling, nil)
	s.Reset(0)

	require.NoError(t, q.Append([]int16{5, 5, 5, -5}))
	_, found, err := s.Scan(q)
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, uint64(4), s.Position())

	require.NoError(t, q.Append([]int16{-5, -5}))
	ct, found, err := s.Scan(q)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(3), ct)
}

func TestBitSearch(t *testing.T) {
	q := streamq.New(1000, 1, 100)
	require.NoError(t, q.Append([]int16{0, 0, 0, 0x40, 0x41, 0x40, 0}))
	s := streamq.NewBitSearch(0, 6, 2, streamq.Rising)
	s.Reset(0)
	ct, found, err := s.Scan(q)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(3), ct)
}

type countingFilter struct {
	seen   int
	resets int
}

func (f *countingFilter) Apply(samples []int16) { f.seen += len(samples) }
func (f *countingFilter) Reset()                { f.resets++ }

func TestEdgeSearchFeedsFilterOnce(t *testing.T) {
	q := streamq.New(1000, 1, 100)
	f := &countingFilter{}
	s := streamq.NewThresholdSearch(0, 0, 2, streamq.Falling, f)
	s.Reset(0)
	require.NoError(t, q.Append(make([]int16, 10)))
	_, _, _ = s.Scan(q)
	require.NoError(t, q.Append(make([]int16, 10)))
	_, _, _ = s.Scan(q)
	require.Equal(t, 20, f.seen)
	require.Equal(t, 1, f.resets)
}
