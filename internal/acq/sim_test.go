package acq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"neurorec/internal/faults"
)

func nopSink([]int16, uint64) error { return nil }

func TestGenerateSyncSquareWave(t *testing.T) {
	s, err := NewSim(SimOptions{
		Stream:     "nidq",
		SampleRate: 1000,
		Layout:     Layout{NChans: 3, Neural: 1, LFFrom: 0, LFTo: 0, SyncChan: 2, SyncBit: 3, SyncPeriod: 1},
		Sink:       nopSink,
	})
	require.NoError(t, err)

	data := s.Generate(0, 2000)
	for ct := range 2000 {
		word := data[ct*3+2]
		want := int16(0)
		if (ct/500)%2 == 0 {
			want = 1 << 3
		}
		require.Equalf(t, want, word, "sync word at count %d", ct)
	}
}

func TestGenerateSpikesCrossNegativeThreshold(t *testing.T) {
	s, err := NewSim(SimOptions{
		Stream:     "imec0",
		SampleRate: 30000,
		Layout:     Layout{NChans: 2, Neural: 1, SyncChan: -1},
		SpikeRate:  50,
		Seed:       7,
		Sink:       nopSink,
	})
	require.NoError(t, err)

	data := s.Generate(0, 30000)
	low := 0
	for i := 0; i < len(data); i += 2 {
		if data[i] < -300 {
			low++
		}
	}
	require.Positive(t, low, "expected spike troughs on the neural channel")
}

func TestNewSimRequiresSink(t *testing.T) {
	_, err := NewSim(SimOptions{Stream: "nidq", SampleRate: 1000, Layout: Layout{NChans: 1}})
	require.ErrorIs(t, err, faults.ErrConfiguration)
}

func TestSimDeliversContiguousBlocks(t *testing.T) {
	var (
		mu     sync.Mutex
		starts []uint64
		ends   []uint64
	)
	s, err := NewSim(SimOptions{
		Stream:     "nidq",
		SampleRate: 2000,
		Layout:     Layout{NChans: 2, SyncChan: -1},
		BlockMS:    5,
		Sink: func(block []int16, headCt uint64) error {
			mu.Lock()
			defer mu.Unlock()
			starts = append(starts, headCt)
			ends = append(ends, headCt+uint64(len(block)/2))
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), time.Now()))
	require.Error(t, s.Start(context.Background(), time.Now()), "second start is rejected")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	<-s.Done()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, uint64(0), starts[0])
	for i := 1; i < len(starts); i++ {
		require.Equal(t, ends[i-1], starts[i])
	}
}

func TestSimStopsOnSinkError(t *testing.T) {
	boom := faults.Wrap(faults.ErrValidation, "test", "sink", "rejected", nil)
	s, err := NewSim(SimOptions{
		Stream:     "nidq",
		SampleRate: 1000,
		Layout:     Layout{NChans: 1, SyncChan: -1},
		BlockMS:    2,
		Sink:       func([]int16, uint64) error { return boom },
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), time.Now()))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("source did not stop")
	}
	require.ErrorIs(t, s.Stop(), faults.ErrValidation)
}

func TestSimPauseSkipsScans(t *testing.T) {
	var (
		mu     sync.Mutex
		starts []uint64
		ends   []uint64
	)
	s, err := NewSim(SimOptions{
		Stream:     "nidq",
		SampleRate: 2000,
		Layout:     Layout{NChans: 1, SyncChan: -1},
		BlockMS:    5,
		Sink: func(block []int16, headCt uint64) error {
			mu.Lock()
			defer mu.Unlock()
			starts = append(starts, headCt)
			ends = append(ends, headCt+uint64(len(block)))
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), time.Now()))
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(starts)
	}
	require.Eventually(t, func() bool { return count() >= 1 }, 2*time.Second, 5*time.Millisecond)

	s.Pause()
	time.Sleep(60 * time.Millisecond)
	before := count()
	s.Resume()
	require.Eventually(t, func() bool { return count() > before }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	mu.Lock()
	defer mu.Unlock()
	gap := false
	for i := 1; i < len(starts); i++ {
		require.GreaterOrEqual(t, starts[i], ends[i-1])
		if starts[i] > ends[i-1] {
			gap = true
		}
	}
	require.True(t, gap, "paused interval leaves a gap in counts")
}
