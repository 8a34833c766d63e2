package streamq_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"neurorec/internal/faults"
	"neurorec/internal/streamq"
)

func ramp(nScans, nChans int, from int) []int16 {
	out := make([]int16, nScans*nChans)
	for s := 0; s < nScans; s++ {
		for c := 0; c < nChans; c++ {
			out[s*nChans+c] = int16((from + s) * (c + 1))
		}
	}
	return out
}

func TestAppendAdvancesHeadAndRejectsPartialScans(t *testing.T) {
	q := streamq.New(1000, 4, 100)
	require.NoError(t, q.Append(ramp(10, 4, 0)))
	require.Equal(t, uint64(10), q.HeadCount())

	err := q.Append(make([]int16, 7))
	require.ErrorIs(t, err, faults.ErrValidation)
	require.Equal(t, uint64(10), q.HeadCount())
}

func TestReadRangeWrapsAndClips(t *testing.T) {
	q := streamq.New(1000, 2, 8)
	require.NoError(t, q.Append(ramp(6, 2, 0)))
	require.NoError(t, q.Append(ramp(6, 2, 6)))
	require.Equal(t, uint64(12), q.HeadCount())
	require.Equal(t, uint64(4), q.OldestCount())

	got, err := q.ReadRange(5, 100)
	require.NoError(t, err)
	require.Equal(t, ramp(7, 2, 5), got)

	_, err = q.ReadRange(3, 1)
	require.ErrorIs(t, err, streamq.ErrOverwritten)
	require.ErrorIs(t, err, faults.ErrUnavailable)

	_, err = q.ReadRange(12, 1)
	require.ErrorIs(t, err, streamq.ErrNotYet)
}

func TestAppendLargerThanCapacityKeepsNewest(t *testing.T) {
	q := streamq.New(1000, 1, 4)
	require.NoError(t, q.Append(ramp(10, 1, 0)))
	got, err := q.ReadRange(q.OldestCount(), 10)
	require.NoError(t, err)
	require.Equal(t, []int16{6, 7, 8, 9}, got)
}

func TestAppendAtFillsGap(t *testing.T) {
	q := streamq.New(1000, 1, 100)
	require.NoError(t, q.AppendAt([]int16{1, 2}, 0))
	require.NoError(t, q.AppendAt([]int16{5}, 4))
	got, err := q.ReadRange(0, 10)
	require.NoError(t, err)
	require.Equal(t, []int16{1, 2, 0, 0, 5}, got)
	require.Error(t, q.AppendAt([]int16{9}, 2))
}

func TestReadChannel(t *testing.T) {
	q := streamq.New(1000, 3, 10)
	require.NoError(t, q.Append(ramp(4, 3, 1)))
	got, err := q.ReadChannel(1, 10, 2)
	require.NoError(t, err)
	require.Equal(t, []int16{6, 9, 12}, got)
	_, err = q.ReadChannel(0, 1, 3)
	require.ErrorIs(t, err, faults.ErrValidation)
}

func TestTimeCountMapping(t *testing.T) {
	q := streamq.New(1000, 1, 5000)
	_, err := q.MapTimeToCount(time.Now())
	require.True(t, errors.Is(err, streamq.ErrNoOrigin))

	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	q.SetTimeOrigin(t0)
	require.NoError(t, q.Append(make([]int16, 3000)))

	ct, err := q.MapTimeToCount(t0.Add(1500 * time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, uint64(1500), ct)

	at, err := q.MapCountToTime(2500)
	require.NoError(t, err)
	require.True(t, at.Equal(t0.Add(2500*time.Millisecond)))

	_, err = q.MapTimeToCount(t0.Add(-time.Second))
	require.ErrorIs(t, err, streamq.ErrOverwritten)
}

func TestSpanSeconds(t *testing.T) {
	p := streamq.SpanPolicy{MemoryFraction: 0.4, ReserveBytes: 0, MinSeconds: 2, MaxSeconds: 30}

	res := streamq.SpanSeconds(p, 1e6, 100e6)
	require.Equal(t, 30.0, res.Seconds)
	require.True(t, res.Capped)

	res = streamq.SpanSeconds(p, 1e6, 25e6)
	require.Equal(t, 10.0, res.Seconds)
	require.False(t, res.Capped)
	require.False(t, res.LimitedByRAM)

	res = streamq.SpanSeconds(p, 1e6, 1e6)
	require.Equal(t, 2.0, res.Seconds)
	require.True(t, res.LimitedByRAM)
}
