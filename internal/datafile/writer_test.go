package datafile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"neurorec/internal/faults"
)

func TestBackpressureStopsWritingWithoutBlocking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.imec0.ap.bin")
	f, err := OpenForWrite(path, Header{SampleRate: 1000, SaveIDs: []int{0, 1}}, Options{
		Async:         true,
		QueueCapacity: 20,
		StopPercent:   95,
	})
	require.NoError(t, err)

	release := make(chan struct{})
	f.writer = newAsyncWriter(20, func(b []int16) error {
		<-release
		return f.writeBlock(b)
	})

	var failed bool
	accepted := 0
	for i := 0; i < 40; i++ {
		err := f.WriteAndInvalScans(make([]int16, 2*5))
		if err != nil {
			require.ErrorIs(t, err, faults.ErrBackpressure)
			require.True(t, faults.IsFatal(err))
			failed = true
			break
		}
		accepted++
	}
	require.True(t, failed, "writer never reported backpressure")
	require.Less(t, accepted, 40)

	close(release)
	closed, err := f.CloseAndFinalize()
	require.NoError(t, err)
	require.True(t, closed)
	require.Equal(t, uint64(5*(accepted+1)), f.ScanCount())
}

func TestAsyncWriterLatchesErrors(t *testing.T) {
	boom := faults.Wrap(faults.ErrIO, "test", "write", "disk full", nil)
	w := newAsyncWriter(4, func([]int16) error { return boom })
	require.NoError(t, w.enqueue([]int16{1}))
	require.ErrorIs(t, w.close(), faults.ErrIO)
}

func TestMetaNotesEscaping(t *testing.T) {
	in := "a\\b\nc\r\nd"
	require.Equal(t, "a\\b\nc\nd", UnescapeNotes(EscapeNotes(in)))
	require.NotContains(t, EscapeNotes(in), "\n")
}
