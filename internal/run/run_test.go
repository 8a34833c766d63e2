package run_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"neurorec/internal/acq"
	"neurorec/internal/catalog"
	"neurorec/internal/config"
	"neurorec/internal/datafile"
	"neurorec/internal/faults"
	"neurorec/internal/run"
	"neurorec/internal/testsupport"
	"neurorec/internal/trigger"
)

func TestRunRecordsAndCatalogsSegment(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenCatalog(t, cfg)
	r, err := run.New(run.Options{Config: cfg, Catalog: store})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		segs []trigger.Segment
	)
	r.OnSegment(func(s trigger.Segment) {
		mu.Lock()
		segs = append(segs, s)
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	require.Error(t, r.Start(ctx), "a run starts once")
	require.FileExists(t, filepath.Join(r.Dir(), run.LockFileName))

	require.Eventually(t, func() bool {
		st := r.Status()
		return st.Running && len(st.Streams) == 1 && st.Streams[0].Head > 200
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, r.Stop())
	<-r.Done()
	require.False(t, r.Running())
	require.NoFileExists(t, filepath.Join(r.Dir(), run.LockFileName))

	mu.Lock()
	require.Len(t, segs, 1)
	seg := segs[0]
	mu.Unlock()
	require.NoError(t, seg.Err)
	require.Equal(t, "nidq", seg.Stream)
	require.Equal(t, datafile.SegmentPath(r.Dir(), "bench", 0, 0, datafile.LabelNIDQ), seg.Path)
	require.Positive(t, seg.Scans)

	ok, err := datafile.VerifySHA1(seg.Path)
	require.NoError(t, err)
	require.True(t, ok)

	listed, err := store.ListSegments(ctx, catalog.Filter{RunID: r.ID()})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, seg.Path, listed[0].Path)
	require.Equal(t, seg.SHA1, listed[0].SHA1)

	runs, err := store.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.False(t, runs[0].EndedAt.IsZero())
	require.Empty(t, runs[0].Error)
}

func TestSecondRunOnSameDirectoryIsRejected(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first, err := run.New(run.Options{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	t.Cleanup(func() { _ = first.Stop() })

	second, err := run.New(run.Options{Config: cfg})
	require.NoError(t, err)
	err = second.Start(context.Background())
	require.ErrorIs(t, err, faults.ErrUnavailable)
}

func TestStartDisabledKeepsFilesClosed(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStartDisabled())
	r, err := run.New(run.Options{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool { return r.Status().Streams[0].Head > 100 }, 5*time.Second, 10*time.Millisecond)
	require.False(t, r.Gate().Snapshot().Enabled)
	require.NoError(t, r.Stop())

	entries, err := os.ReadDir(r.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		require.NotEqual(t, ".bin", filepath.Ext(e.Name()), "no data written while disabled")
	}
}

func TestControlValidation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	r, err := run.New(run.Options{Config: cfg})
	require.NoError(t, err)

	require.ErrorIs(t, r.SetGate(true), faults.ErrValidation)
	require.ErrorIs(t, r.SetTrigger(true), faults.ErrValidation)
	require.ErrorIs(t, r.SetNextFileName("a/b"), faults.ErrValidation)
	require.ErrorIs(t, r.SetNextFileName("  "), faults.ErrValidation)
	require.NoError(t, r.SetNextFileName("baseline"))
	require.ErrorIs(t, r.ForceCounters(-1, 0), faults.ErrValidation)
	require.NoError(t, r.ForceCounters(2, 5))
	require.ErrorIs(t, r.SetMetadata(map[string]string{"bad key": "x"}), faults.ErrValidation)
	require.NoError(t, r.SetMetadata(map[string]string{"subject": "m12"}))
	require.NoError(t, r.Stop(), "stopping an unstarted run is a no-op")
}

func TestRemoteGateAccepted(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Gate.Mode = config.GateRemote
	cfg.Trigger.Mode = config.TriggerRemote
	r, err := run.New(run.Options{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, r.SetGate(true))
	require.NoError(t, r.SetTrigger(true))
}

type failingSource struct {
	stream string
	err    error

	mu   sync.Mutex
	done chan struct{}
}

func (s *failingSource) Stream() string { return s.stream }

func (s *failingSource) Start(context.Context, time.Time) error {
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(s.done)
	}()
	return nil
}

func (s *failingSource) Pause()  {}
func (s *failingSource) Resume() {}

func (s *failingSource) Stop() error { return s.Err() }

func (s *failingSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *failingSource) Done() <-chan struct{} { return s.done }

func TestSourceFailureStopsRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenCatalog(t, cfg)
	boom := faults.Wrap(faults.ErrIO, "test", "acquire", "device lost", nil)
	factory := func(stream string, _ float64, _ acq.Layout, _ acq.Sink) (acq.Source, error) {
		return &failingSource{stream: stream, err: boom, done: make(chan struct{})}, nil
	}
	r, err := run.New(run.Options{Config: cfg, Catalog: store, Sources: factory})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, r.Wait(ctx), faults.ErrIO)
	require.False(t, r.Running())

	runs, err := store.Runs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Contains(t, runs[0].Error, "device lost")
}

func TestProbeAndNIDQRecordTogether(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithProbe())
	r, err := run.New(run.Options{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool {
		st := r.Status()
		return len(st.Streams) == 2 && st.Streams[0].Head > 400 && st.Streams[1].Head > 200
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, r.Stop())

	for _, label := range []string{datafile.APLabel(0), datafile.LabelNIDQ} {
		path := datafile.SegmentPath(r.Dir(), "bench", 0, 0, label)
		ok, err := datafile.VerifySHA1(path)
		require.NoError(t, err, label)
		require.True(t, ok, label)
	}
}

func TestStatusReportsSyncEdgesWhileRecording(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithProbe())
	cfg.Sync.Source = config.SyncImec
	r, err := run.New(run.Options{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop() })

	require.Eventually(t, func() bool {
		for _, s := range r.Status().Streams {
			if s.ID == "imec0" && s.SyncEdges >= 1 {
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)
}

// stalledDisk holds every write until release is closed.
type stalledDisk struct {
	w       io.Writer
	release <-chan struct{}
}

func (d stalledDisk) Write(p []byte) (int, error) {
	<-d.release
	return d.w.Write(p)
}

func TestWriterBackpressureStopsRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Writer.Async = true
	cfg.Writer.QueueCapacity = 4
	cfg.Writer.StopPercent = 50
	store := testsupport.MustOpenCatalog(t, cfg)

	release := make(chan struct{})
	stall := time.AfterFunc(400*time.Millisecond, func() { close(release) })
	t.Cleanup(func() { stall.Stop() })

	r, err := run.New(run.Options{
		Config:     cfg,
		Catalog:    store,
		WrapOutput: func(w io.Writer) io.Writer { return stalledDisk{w: w, release: release} },
	})
	require.NoError(t, err)
	var (
		mu   sync.Mutex
		segs []trigger.Segment
	)
	r.OnSegment(func(s trigger.Segment) {
		mu.Lock()
		segs = append(segs, s)
		mu.Unlock()
	})
	require.NoError(t, r.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.ErrorIs(t, r.Wait(ctx), faults.ErrBackpressure)
	require.False(t, r.Running())
	require.False(t, r.Gate().Snapshot().Enabled, "gate closed")
	require.Empty(t, r.Status().Trigger.Files)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, segs, 1)
	require.NoError(t, segs[0].Err)
	ok, err := datafile.VerifySHA1(segs[0].Path)
	require.NoError(t, err)
	require.True(t, ok, "the segment open at the stall is finalized")

	runs, err := store.Runs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Contains(t, runs[0].Error, "backpressure")
}
