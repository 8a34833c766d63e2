package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"neurorec/internal/acq"
	"neurorec/internal/catalog"
	"neurorec/internal/config"
	"neurorec/internal/faults"
	"neurorec/internal/gate"
	"neurorec/internal/logging"
	"neurorec/internal/trigger"
)

// LockFileName marks a run directory as owned by a live run.
const LockFileName = ".neurorec.lock"

// SourceFactory builds the acquisition source feeding one stream.
type SourceFactory func(stream string, srate float64, layout acq.Layout, sink acq.Sink) (acq.Source, error)

// Options wires a Run to its collaborators. Catalog and Sources are
// optional; without Sources every stream is simulated.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Catalog *catalog.Store
	Sources SourceFactory
	Clock   func() time.Time
	// WrapOutput wraps each data file's write destination.
	WrapOutput func(io.Writer) io.Writer
}

// StreamStatus describes one stream queue.
type StreamStatus struct {
	ID         string  `json:"id"`
	SampleRate float64 `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Head       uint64  `json:"head"`
	Oldest     uint64  `json:"oldest"`
	BufferSecs float64 `json:"buffer_secs"`
	SyncEdges  int     `json:"sync_edges"`
}

// Status is a point-in-time view of a run.
type Status struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Dir       string         `json:"dir"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Running   bool           `json:"running"`
	Trigger   trigger.Status `json:"trigger"`
	Streams   []StreamStatus `json:"streams"`
	Segments  int            `json:"segments"`
	Error     string         `json:"error,omitempty"`
}

// Run is one recording session. It is started once and stopped once.
type Run struct {
	cfg     *config.Config
	logger  *slog.Logger
	catalog *catalog.Store
	clock   func() time.Time
	id      string
	dir     string

	gate    *gate.Gate
	base    *trigger.Base
	runner  *trigger.Runner
	streams []*trigger.Stream
	sources []acq.Source
	lock    *flock.Flock

	mu        sync.Mutex
	started   bool
	running   bool
	startedAt time.Time
	endedAt   time.Time
	segments  int
	runErr    error
	err       error
	listeners []func(trigger.Segment)

	cancel   context.CancelFunc
	runDone  chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New plans the streams, allocates their queues and sources and builds the
// trigger policy. Nothing runs until Start.
func New(opts Options) (*Run, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, faults.Wrap(faults.ErrConfiguration, "run", "init", "config is required", nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	id := uuid.NewString()
	logger = logging.NewComponentLogger(logger, "run").With(logging.String(logging.FieldRunID, id))

	plans, err := planStreams(cfg)
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, faults.Wrap(faults.ErrConfiguration, "run", "init", "no streams configured", nil)
	}
	streams := buildStreams(cfg, plans, queueSeconds(cfg, plans, logger))

	r := &Run{
		cfg:     cfg,
		logger:  logger,
		catalog: opts.Catalog,
		clock:   clock,
		id:      id,
		dir:     cfg.RunDir(),
		streams: streams,
		runDone: make(chan struct{}),
		done:    make(chan struct{}),
	}

	factory := opts.Sources
	if factory == nil {
		factory = simFactory(cfg, logger)
	}
	for i, p := range plans {
		q := streams[i].Queue
		src, err := factory(p.id, p.srate, p.layout, q.AppendAt)
		if err != nil {
			return nil, err
		}
		r.sources = append(r.sources, src)
	}

	r.gate = gate.New(cfg.Gate.Mode, logger)
	r.gate.SetClock(clock)
	r.base, err = trigger.NewBase(trigger.Options{
		Config:      cfg,
		Gate:        r.gate,
		Streams:     streams,
		RunDir:      r.dir,
		RunID:       id,
		Logger:      logger,
		OnFinalized: r.segmentClosed,
		Clock:       clock,
		WrapOutput:  opts.WrapOutput,
	})
	if err != nil {
		return nil, err
	}
	r.runner, err = trigger.New(r.base)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// simFactory feeds each stream from a simulated source.
func simFactory(cfg *config.Config, logger *slog.Logger) SourceFactory {
	var seed uint64
	return func(stream string, srate float64, layout acq.Layout, sink acq.Sink) (acq.Source, error) {
		seed++
		return acq.NewSim(acq.SimOptions{
			Stream:     stream,
			SampleRate: srate,
			Layout:     layout,
			BlockMS:    cfg.Acquisition.BlockMS,
			SpikeRate:  cfg.Acquisition.SpikeRate,
			NoiseLevel: cfg.Acquisition.NoiseLevel,
			Seed:       seed,
			Sink:       sink,
			Logger:     logger,
		})
	}
}

func (r *Run) ID() string { return r.id }

func (r *Run) Dir() string { return r.dir }

// Gate exposes the run's recording gate.
func (r *Run) Gate() *gate.Gate { return r.gate }

// Done is closed after teardown completes.
func (r *Run) Done() <-chan struct{} { return r.done }

// OnSegment registers fn to be called for every finalized file.
func (r *Run) OnSegment(fn func(trigger.Segment)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// OnStatus forwards trigger status snapshots to fn.
func (r *Run) OnStatus(fn func(trigger.Status)) {
	r.runner.OnStatus(fn)
}

// Start locks the run directory, starts every source against a shared time
// origin, opens the gate and launches the trigger loop. ctx bounds the
// whole session.
func (r *Run) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return faults.Wrap(faults.ErrValidation, "run", "start", "run already started", nil)
	}
	r.started = true
	r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return faults.Wrap(faults.ErrIO, "run", "start", "create run directory", err)
	}
	r.lock = flock.New(filepath.Join(r.dir, LockFileName))
	ok, err := r.lock.TryLock()
	if err != nil {
		return faults.Wrap(faults.ErrIO, "run", "start", "lock run directory", err)
	}
	if !ok {
		return faults.Wrap(faults.ErrUnavailable, "run", "start",
			fmt.Sprintf("run directory %s is in use by another run", r.dir), nil)
	}

	origin := r.clock()
	if r.catalog != nil {
		if err := r.catalog.BeginRun(ctx, catalog.Run{
			ID:          r.id,
			Name:        r.cfg.Run.Name,
			Dir:         r.dir,
			TriggerMode: r.cfg.Trigger.Mode,
			StartedAt:   origin,
		}); err != nil {
			r.unlock()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for _, s := range r.streams {
		s.Queue.SetTimeOrigin(origin)
	}
	for i, src := range r.sources {
		if err := src.Start(runCtx, origin); err != nil {
			for _, started := range r.sources[:i] {
				_ = started.Stop()
			}
			cancel()
			r.unlock()
			r.endCatalog(err)
			return err
		}
	}

	r.mu.Lock()
	r.running = true
	r.startedAt = origin
	r.mu.Unlock()

	r.gate.SetEnabled(!r.cfg.Run.StartDisabled)
	r.gate.Start()

	go r.loop(runCtx)
	for _, src := range r.sources {
		go r.watch(runCtx, src)
	}
	r.logger.Info("run started",
		logging.String("dir", r.dir),
		logging.String("trigger_mode", r.cfg.Trigger.Mode),
		logging.Int("streams", len(r.streams)),
	)
	return nil
}

func (r *Run) loop(ctx context.Context) {
	err := r.runner.Run(ctx)
	r.mu.Lock()
	r.runErr = err
	r.mu.Unlock()
	close(r.runDone)
	r.teardown()
}

// watch stops the run when a source fails.
func (r *Run) watch(ctx context.Context, src acq.Source) {
	select {
	case <-ctx.Done():
		return
	case <-src.Done():
	}
	if err := src.Err(); err != nil {
		logging.ErrorWithContext(r.logger, "acquisition source failed", "source_failed",
			logging.String(logging.FieldStream, src.Stream()),
			logging.String(logging.FieldErrorHint, "check the acquisition hardware connection"),
			logging.String(logging.FieldImpact, "run stopped"),
			logging.Error(err),
		)
		r.teardown()
	}
}

// Stop ends the run and returns the first error that stopped or broke it.
func (r *Run) Stop() error {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		return r.Err()
	}
	r.teardown()
	return r.Err()
}

// Wait blocks until the run has been torn down.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown closes the gate, then the trigger loop and its files, then the
// sources. It runs once.
func (r *Run) teardown() {
	r.stopOnce.Do(func() {
		r.gate.SetEnabled(false)
		r.cancel()
		<-r.runDone

		var srcErrs []error
		for _, src := range r.sources {
			if err := src.Stop(); err != nil {
				srcErrs = append(srcErrs, fmt.Errorf("%s: %w", src.Stream(), err))
			}
		}

		r.mu.Lock()
		err := errors.Join(append([]error{r.runErr}, srcErrs...)...)
		r.err = err
		r.running = false
		r.endedAt = r.clock()
		segments := r.segments
		r.mu.Unlock()

		r.unlock()
		r.endCatalog(err)
		if err != nil {
			logging.ErrorWithContext(r.logger, "run stopped with error", "run_failed",
				logging.String(logging.FieldErrorHint, "inspect the preceding errors; finalized segments remain valid"),
				logging.Int("segments", segments),
				logging.Error(err),
			)
		} else {
			r.logger.Info("run stopped", logging.Int("segments", segments))
		}
		close(r.done)
	})
}

func (r *Run) unlock() {
	if r.lock == nil {
		return
	}
	if err := r.lock.Unlock(); err != nil {
		r.logger.Warn("failed to release run directory lock", logging.Error(err))
	}
	_ = os.Remove(r.lock.Path())
}

func (r *Run) endCatalog(runErr error) {
	if r.catalog == nil {
		return
	}
	if err := r.catalog.EndRun(context.Background(), r.id, r.clock(), runErr); err != nil {
		logging.WarnWithContext(r.logger, "catalog end of run not recorded", "catalog_write_failed",
			logging.String(logging.FieldErrorHint, "check the catalog database path and permissions"),
			logging.Error(err),
		)
	}
}

// segmentClosed records a finalized file and notifies listeners.
func (r *Run) segmentClosed(seg trigger.Segment) {
	r.mu.Lock()
	r.segments++
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	if r.catalog != nil {
		var errMsg string
		if seg.Err != nil {
			errMsg = seg.Err.Error()
		}
		if _, err := r.catalog.RecordSegment(context.Background(), catalog.Segment{
			RunID:       seg.RunID,
			Stream:      seg.Stream,
			Label:       seg.Label,
			Path:        seg.Path,
			Gate:        seg.G,
			Trigger:     seg.T,
			Scans:       seg.Scans,
			Bytes:       seg.Bytes,
			SHA1:        seg.SHA1,
			FirstSample: seg.FirstSample,
			SampleRate:  seg.SampleRate,
			ClosedAt:    seg.ClosedAt,
			Error:       errMsg,
		}); err != nil {
			logging.WarnWithContext(r.logger, "segment not recorded in catalog", "catalog_write_failed",
				logging.String("file", filepath.Base(seg.Path)),
				logging.String(logging.FieldErrorHint, "the data file is intact; re-run verify to catalog it"),
				logging.Error(err),
			)
		}
	}
	for _, fn := range listeners {
		fn(seg)
	}
}

// Err returns the error that ended the run, if any.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	return r.base.Err()
}

// Running reports whether the run is acquiring.
func (r *Run) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// SetRecordingEnabled opens or closes recording without stopping
// acquisition.
func (r *Run) SetRecordingEnabled(on bool) {
	r.gate.SetEnabled(on)
}

// SetGate drives the gate level from an external controller.
func (r *Run) SetGate(hi bool) error {
	if r.cfg.Gate.Mode != config.GateRemote {
		return faults.Wrap(faults.ErrValidation, "run", "set gate",
			fmt.Sprintf("gate mode %q is not remote", r.cfg.Gate.Mode), nil)
	}
	r.gate.Set(hi)
	return nil
}

// SetTrigger drives the remote trigger level.
func (r *Run) SetTrigger(hi bool) error {
	return r.runner.SetTrigger(hi)
}

// SetNextFileName names the next segment's files.
func (r *Run) SetNextFileName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) {
		return faults.Wrap(faults.ErrValidation, "run", "set next file name",
			fmt.Sprintf("invalid file name %q", name), nil)
	}
	r.base.SetNextFileName(name)
	return nil
}

// ForceCounters makes the next segment use gate g and trigger t.
func (r *Run) ForceCounters(g, t int) error {
	if g < 0 || t < 0 {
		return faults.Wrap(faults.ErrValidation, "run", "force counters",
			fmt.Sprintf("counters must be >= 0, got g=%d t=%d", g, t), nil)
	}
	r.gate.ForceCounters(g, t)
	return nil
}

// SetMetadata merges keys written into every file's sidecar at close.
func (r *Run) SetMetadata(kv map[string]string) error {
	for k, v := range kv {
		if k == "" || strings.ContainsAny(k, "=\n\r \t") || strings.ContainsAny(v, "\n\r") {
			return faults.Wrap(faults.ErrValidation, "run", "set metadata",
				fmt.Sprintf("invalid metadata entry %q", k), nil)
		}
	}
	r.base.SetRemoteParams(kv)
	return nil
}

// Pause suspends acquisition on every source. Counts keep advancing, so
// the queues hold zeros for the paused interval.
func (r *Run) Pause() {
	for _, src := range r.sources {
		src.Pause()
	}
	r.logger.Info("acquisition paused")
}

// Resume restarts acquisition after Pause.
func (r *Run) Resume() {
	for _, src := range r.sources {
		src.Resume()
	}
	r.logger.Info("acquisition resumed")
}

// Status returns a snapshot of the run and its streams.
func (r *Run) Status() Status {
	r.mu.Lock()
	st := Status{
		ID:        r.id,
		Name:      r.cfg.Run.Name,
		Dir:       r.dir,
		StartedAt: r.startedAt,
		EndedAt:   r.endedAt,
		Running:   r.running,
		Segments:  r.segments,
	}
	if r.err != nil {
		st.Error = r.err.Error()
	}
	r.mu.Unlock()

	st.Trigger = r.runner.Status()
	for _, s := range r.streams {
		snap := s.Queue.Snapshot()
		ss := StreamStatus{
			ID:         s.ID,
			SampleRate: s.Queue.SampleRate(),
			Channels:   s.Queue.NChans(),
			Head:       snap.Head,
			Oldest:     snap.Oldest,
			BufferSecs: snap.Seconds,
		}
		if s.Sync != nil {
			ss.SyncEdges = len(s.Sync.Stream().Edges)
		}
		st.Streams = append(st.Streams, ss)
	}
	return st
}
