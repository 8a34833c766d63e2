package trigger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"neurorec/internal/clocksync"
	"neurorec/internal/config"
	"neurorec/internal/datafile"
	"neurorec/internal/faults"
	"neurorec/internal/gate"
	"neurorec/internal/logging"
	"neurorec/internal/streamq"
	"neurorec/internal/subset"
)

// maxFetchSecs bounds the scans moved per stream per loop iteration.
const maxFetchSecs = 0.5

// Segment describes a data file after it was closed.
type Segment struct {
	RunID       string
	Stream      string
	Label       string
	Path        string
	G           int
	T           int
	Scans       uint64
	Bytes       int64
	SHA1        string
	FirstSample uint64
	SampleRate  float64
	ClosedAt    time.Time
	Err         error
}

// Options wires a Base to its run.
type Options struct {
	Config      *config.Config
	Gate        *gate.Gate
	Streams     []*Stream
	RunDir      string
	RunID       string
	Logger      *slog.Logger
	OnFinalized func(Segment)
	Clock       func() time.Time
	// WrapOutput is passed to every data file opened for writing.
	WrapOutput func(io.Writer) io.Writer
}

type openFile struct {
	file  *datafile.File
	label string
	g, t  int
}

// streamFiles holds the files of one stream in the current segment.
type streamFiles struct {
	ap      *openFile
	lf      *openFile
	ni      *openFile
	started bool
	firstCt uint64
	lfExtra bool
	prevRow []int16
}

// Base holds the state every trigger policy shares.
type Base struct {
	cfg          *config.Config
	gate         *gate.Gate
	streams      []*Stream
	runDir       string
	runID        string
	logger       *slog.Logger
	onFinalized  func(Segment)
	clock        func() time.Time
	wrapOutput   func(io.Writer) io.Writer
	syncPeriod   float64
	syncRequired bool
	trigKeys     *datafile.Meta

	mu       sync.Mutex
	files    []*streamFiles
	trigHiT  time.Time
	nextName string
	remote   map[string]string
	async    bool
	fatal    error

	perfMu sync.Mutex
	perfT  time.Time

	closing sync.WaitGroup
}

// NewBase validates opts and returns a Base with no open files.
func NewBase(opts Options) (*Base, error) {
	if opts.Config == nil || opts.Gate == nil {
		return nil, faults.Wrap(faults.ErrConfiguration, "trigger", "init", "config and gate are required", nil)
	}
	if len(opts.Streams) == 0 {
		return nil, faults.Wrap(faults.ErrConfiguration, "trigger", "init", "no streams", nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg := opts.Config
	b := &Base{
		cfg:          cfg,
		gate:         opts.Gate,
		streams:      opts.Streams,
		runDir:       opts.RunDir,
		runID:        opts.RunID,
		logger:       logging.NewComponentLogger(logger, "trigger"),
		onFinalized:  opts.OnFinalized,
		clock:        clock,
		wrapOutput:   opts.WrapOutput,
		syncRequired: cfg.Sync.Source != config.SyncNone,
		trigKeys:     triggerParams(cfg),
		remote:       make(map[string]string),
		async:        cfg.Writer.Async,
	}
	if b.syncRequired {
		b.syncPeriod = cfg.Sync.Period
	}
	return b, nil
}

func (b *Base) now() time.Time { return b.clock() }

// Streams returns the streams in write order.
func (b *Base) Streams() []*Stream { return b.streams }

// refIndex picks the stream other streams are aligned to: the generic
// device when present, otherwise the first probe.
func (b *Base) refIndex() int {
	for i, s := range b.streams {
		if !s.IsProbe() {
			return i
		}
	}
	return 0
}

func (b *Base) streamIndex(id string) int {
	for i, s := range b.streams {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// setSyncWrites makes subsequently opened files write on the caller's
// goroutine.
func (b *Base) setSyncWrites() {
	b.mu.Lock()
	b.async = false
	b.mu.Unlock()
}

// SetNextFileName makes the next segment use base instead of the
// run_g_t pattern. It applies to one segment.
func (b *Base) SetNextFileName(base string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextName = strings.TrimSpace(base)
}

// SetRemoteParams merges externally supplied keys written into every file
// at close.
func (b *Base) SetRemoteParams(kv map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	maps.Copy(b.remote, kv)
}

// AllFilesClosed reports whether no segment is open.
func (b *Base) AllFilesClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.files == nil
}

// OpenFiles lists the binary paths of the current segment.
func (b *Base) OpenFiles() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, sf := range b.files {
		for _, of := range []*openFile{sf.ap, sf.lf, sf.ni} {
			if of != nil {
				out = append(out, of.file.BinPath())
			}
		}
	}
	return out
}

// Err returns a latched fatal error from a background file close.
func (b *Base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fatal
}

func (b *Base) latch(err error) {
	b.mu.Lock()
	if b.fatal == nil {
		b.fatal = err
	}
	b.mu.Unlock()
}

// newTrig closes any open segment, takes the next trigger index and opens
// one file per saved stream product.
func (b *Base) newTrig() (int, int, error) {
	b.endTrig()
	g, t := b.gate.NextTrigger()

	b.mu.Lock()
	name := b.nextName
	b.nextName = ""
	async := b.async
	b.mu.Unlock()

	files := make([]*streamFiles, len(b.streams))
	abandon := func() {
		for _, sf := range files {
			if sf == nil {
				continue
			}
			for _, of := range []*openFile{sf.ap, sf.lf, sf.ni} {
				if of != nil {
					of.file.Abandon()
				}
			}
		}
	}
	for i, s := range b.streams {
		sf := &streamFiles{}
		files[i] = sf
		apLabel, lfLabel := s.labels()
		var err error
		if s.IsProbe() {
			if len(s.APSave) > 0 {
				sf.ap, err = b.open(s, apLabel, s.Queue.SampleRate(), s.APSave, name, g, t, async)
			}
			if err == nil && s.HasLF() {
				sf.lf, err = b.open(s, lfLabel, s.Queue.SampleRate()/clocksync.X12, s.LFSave, name, g, t, async)
			}
		} else if len(s.Save) > 0 {
			sf.ni, err = b.open(s, apLabel, s.Queue.SampleRate(), s.Save, name, g, t, async)
		}
		if err != nil {
			abandon()
			return g, t, err
		}
	}

	now := b.now()
	b.mu.Lock()
	b.files = files
	b.trigHiT = now
	b.mu.Unlock()

	b.logger.Info("segment opened",
		logging.Int(logging.FieldGate, g),
		logging.Int(logging.FieldTrigger, t),
		logging.String("run_dir", b.runDir),
	)
	b.gate.Notify(gate.Event{Kind: gate.EventTrigger, High: true, G: g, T: t})
	return g, t, nil
}

func (b *Base) open(s *Stream, label string, srate float64, ids []int, base string, g, t int, async bool) (*openFile, error) {
	var path string
	if base != "" {
		path = datafile.NamedPath(b.runDir, base, label)
	} else {
		path = datafile.SegmentPath(b.runDir, b.cfg.Run.Name, g, t, label)
	}
	typ := datafile.TypeImec
	if !s.IsProbe() {
		typ = datafile.TypeNIDQ
	}
	h := datafile.Header{
		Type:          typ,
		SampleRate:    srate,
		AcquiredChans: s.Queue.NChans(),
		SaveIDs:       ids,
		GateMode:      b.cfg.Gate.Mode,
		TrigMode:      b.cfg.Trigger.Mode,
		Trigger:       b.trigKeys,
		SyncPeriod:    b.cfg.Sync.Period,
		SyncSourceIdx: syncSourceIndex(b.cfg.Sync.Source),
		Notes:         b.cfg.Run.Notes,
		RunID:         b.runID,
		CreateTime:    b.now(),
	}
	f, err := datafile.OpenForWrite(path, h, datafile.Options{
		Async:         async,
		QueueCapacity: b.cfg.Writer.QueueCapacity,
		StopPercent:   b.cfg.Writer.StopPercent,
		Logger:        b.logger,
		WrapOutput:    b.wrapOutput,
	})
	if err != nil {
		logging.ErrorWithContext(b.logger, "open data file failed", "file_open_failed",
			logging.String("file", path),
			logging.String(logging.FieldErrorHint, "check that the data directory exists and is writable"),
			logging.Error(err),
		)
		return nil, err
	}
	return &openFile{file: f, label: label, g: g, t: t}, nil
}

// endTrig closes the current segment in the background.
func (b *Base) endTrig() {
	b.mu.Lock()
	files := b.files
	b.files = nil
	b.trigHiT = time.Time{}
	remote := maps.Clone(b.remote)
	b.mu.Unlock()
	if files == nil {
		return
	}

	for i, sf := range files {
		for _, of := range []*openFile{sf.ap, sf.lf, sf.ni} {
			if of == nil {
				continue
			}
			of.file.SetRemoteParams(remote)
			b.closing.Add(1)
			stream := b.streams[i].ID
			of.file.CloseAsync(func(_ *datafile.File, err error) {
				defer b.closing.Done()
				b.finalized(stream, of, err)
			})
		}
	}
	b.gate.Notify(gate.Event{Kind: gate.EventTrigger, High: false})
}

// EndRun closes every file synchronously and waits for background closes.
func (b *Base) EndRun() error {
	b.mu.Lock()
	files := b.files
	b.files = nil
	b.trigHiT = time.Time{}
	remote := maps.Clone(b.remote)
	b.mu.Unlock()

	var errs []error
	for i, sf := range files {
		for _, of := range []*openFile{sf.ap, sf.lf, sf.ni} {
			if of == nil {
				continue
			}
			of.file.SetRemoteParams(remote)
			_, err := of.file.CloseAndFinalize()
			b.finalized(b.streams[i].ID, of, err)
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	b.closing.Wait()
	return errors.Join(errs...)
}

func (b *Base) finalized(stream string, of *openFile, err error) {
	f := of.file
	seg := Segment{
		RunID:       b.runID,
		Stream:      stream,
		Label:       of.label,
		Path:        f.BinPath(),
		G:           of.g,
		T:           of.t,
		Scans:       f.ScanCount(),
		Bytes:       int64(f.ScanCount()) * int64(f.NSavedChans()) * 2,
		SHA1:        f.SHA1(),
		FirstSample: f.FirstSample(),
		SampleRate:  f.SampleRate(),
		ClosedAt:    b.now(),
		Err:         err,
	}
	if err != nil {
		b.latch(err)
		logging.ErrorWithContext(b.logger, "data file close failed", "file_close_failed",
			logging.String("file", filepath.Base(seg.Path)),
			logging.String(logging.FieldErrorHint, "the segment is incomplete; check disk space and permissions"),
			logging.Error(err),
		)
	} else {
		b.logger.Info("segment file closed",
			logging.String("file", filepath.Base(seg.Path)),
			logging.Uint64("scans", seg.Scans),
			logging.String(logging.FieldStream, stream),
		)
	}
	if b.onFinalized != nil {
		b.onFinalized(seg)
	}
}

// writeData sends a block read from stream i at headCt to that stream's
// files. data must not be used by the caller afterwards.
func (b *Base) writeData(i int, data []int16, headCt uint64) error {
	b.mu.Lock()
	var sf *streamFiles
	if b.files != nil {
		sf = b.files[i]
	}
	b.mu.Unlock()
	if sf == nil || len(data) == 0 {
		return nil
	}
	s := b.streams[i]
	if s.IsProbe() {
		return b.writeProbe(s, sf, data, headCt)
	}
	return b.writeNI(s, sf, data, headCt)
}

// writeProbe writes every AP scan and only LF scans on X12 boundaries.
// When the segment starts off a boundary, the preceding LF sample is
// extrapolated so the LF file starts at firstCt/12.
func (b *Base) writeProbe(s *Stream, sf *streamFiles, data []int16, headCt uint64) error {
	if sf.ap == nil && sf.lf == nil {
		return nil
	}
	nChans := s.Queue.NChans()
	if !sf.started {
		sf.started = true
		sf.firstCt = headCt
		if sf.ap != nil {
			sf.ap.file.SetFirstSample(headCt)
		}
		if sf.lf != nil {
			sf.lf.file.SetFirstSample(clocksync.LFCount(headCt))
			sf.lfExtra = headCt%clocksync.X12 != 0
		}
	}

	if sf.lf != nil {
		src, srcCt := data, headCt
		if sf.lfExtra && headCt%clocksync.X12 == 0 && sf.prevRow != nil {
			src = append(append(make([]int16, 0, len(sf.prevRow)+len(data)), sf.prevRow...), data...)
			srcCt = headCt - 1
		}
		rows, extra := clocksync.DecimateX12(src, srcCt, nChans, s.NAP, s.NLF, sf.lfExtra)
		if extra || len(rows) > 0 {
			sf.lfExtra = false
			sf.prevRow = nil
		} else if sf.lfExtra && len(data) >= nChans {
			sf.prevRow = append(sf.prevRow[:0], data[len(data)-nChans:]...)
		}
		if len(rows) > 0 {
			if err := sf.lf.file.WriteAndInvalScans(subset.Extract(rows, nChans, s.LFSave)); err != nil {
				return err
			}
		}
	}
	if sf.ap != nil {
		if err := sf.ap.file.WriteAndInvalScans(subset.Extract(data, nChans, s.APSave)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Base) writeNI(s *Stream, sf *streamFiles, data []int16, headCt uint64) error {
	if sf.ni == nil {
		return nil
	}
	if !sf.started {
		sf.started = true
		sf.firstCt = headCt
		sf.ni.file.SetFirstSample(headCt)
	}
	block := data
	if !subset.IsDefault(s.Save, s.Queue.NChans()) {
		block = subset.Extract(data, s.Queue.NChans(), s.Save)
	}
	return sf.ni.file.WriteAndInvalScans(block)
}

// fetch reads up to maxScans scans of stream i from startCt. Not yet
// acquired data returns nothing. If startCt was already overwritten the
// read restarts at the oldest retained scan; the returned count is where
// the data actually begins.
func (b *Base) fetch(i int, startCt uint64, maxScans int) ([]int16, uint64, error) {
	q := b.streams[i].Queue
	data, err := q.ReadRange(startCt, maxScans)
	switch {
	case err == nil:
		return data, startCt, nil
	case errors.Is(err, streamq.ErrNotYet):
		return nil, startCt, nil
	case errors.Is(err, streamq.ErrOverwritten):
		oldest := q.OldestCount()
		logging.WarnWithContext(b.logger, "scans overwritten before they were written", "scans_lost",
			logging.String(logging.FieldStream, b.streams[i].ID),
			logging.Uint64("lost_scans", oldest-startCt),
			logging.String(logging.FieldErrorHint, "increase buffer.max_seconds or reduce disk load"),
			logging.String(logging.FieldImpact, "segment has a gap"),
		)
		data, err = q.ReadRange(oldest, maxScans)
		if errors.Is(err, streamq.ErrNotYet) {
			return nil, oldest, nil
		}
		return data, oldest, err
	default:
		return nil, startCt, err
	}
}

func (b *Base) maxFetch(i int) int {
	return max(1, int(b.streams[i].Queue.SampleRate()*maxFetchSecs))
}

// updateSync folds newly acquired sync pulses into each stream's tracker.
func (b *Base) updateSync() {
	for _, s := range b.streams {
		if s.Sync == nil {
			continue
		}
		if err := s.Sync.Update(); err != nil {
			b.logger.Debug("sync update failed", logging.String(logging.FieldStream, s.ID), logging.Error(err))
		}
	}
}

// translate maps count ct of stream src to every stream. The second result
// is false when sync pulses are configured but not yet usable for all.
func (b *Base) translate(src int, ct uint64) ([]uint64, bool) {
	ss := make([]clocksync.Stream, len(b.streams))
	for i, s := range b.streams {
		ss[i] = s.syncStream()
	}
	counts, bySync := clocksync.TranslateAll(ct, src, ss, b.syncPeriod)
	return counts, bySync || !b.syncRequired || len(b.streams) == 1
}

// alignLF moves probe start counts that feed an LF file onto an X12
// boundary.
func (b *Base) alignLF(counts []uint64) {
	for i, s := range b.streams {
		if s.HasLF() {
			counts[i] = clocksync.AlignX12(counts[i])
		}
	}
}

// requestDisable turns recording off once a policy exhausts its count.
func (b *Base) requestDisable() {
	b.gate.SetEnabled(false)
}

// Perf summarizes writer health across open files.
type Perf struct {
	Open    bool
	ImFull  float64
	NiFull  float64
	MBps    float64
	ReqMBps float64
}

func (p Perf) String() string {
	if !p.Open {
		return ""
	}
	return fmt.Sprintf(" FileQFill%%=(%.1f,%.1f) MB/s=%.1f (%.1f req)", p.ImFull, p.NiFull, p.MBps, p.ReqMBps)
}

// WritePerf reports worst queue fill per stream kind, the write rate since
// the previous call and the required rate.
func (b *Base) WritePerf() Perf {
	b.mu.Lock()
	files := b.files
	b.mu.Unlock()

	b.perfMu.Lock()
	now := b.now()
	elapsed := now.Sub(b.perfT).Seconds()
	b.perfT = now
	b.perfMu.Unlock()

	var p Perf
	var written int64
	for i, sf := range files {
		for _, of := range []*openFile{sf.ap, sf.lf, sf.ni} {
			if of == nil {
				continue
			}
			p.Open = true
			full := of.file.PercentFull()
			if b.streams[i].IsProbe() {
				p.ImFull = max(p.ImFull, full)
			} else {
				p.NiFull = max(p.NiFull, full)
			}
			written += of.file.WrittenBytes()
			p.ReqMBps += of.file.RequiredBps() / (1024 * 1024)
		}
	}
	if elapsed > 0 {
		p.MBps = float64(written) / elapsed / (1024 * 1024)
	}
	return p
}

// StatusLine renders "ON 00h01m05.0s {chans} <G0 T3>" plus detail and
// writer performance.
func (b *Base) StatusLine(detail string) string {
	return b.statusLine(b.gate.Snapshot(), detail, b.WritePerf())
}

func (b *Base) statusLine(st gate.State, detail string, perf Perf) string {
	var secs float64
	if st.Started {
		secs = b.now().Sub(st.StartTime).Seconds()
	}
	h := int(secs / 3600)
	secs -= float64(h * 3600)
	m := int(secs / 60)
	secs -= float64(m * 60)
	return fmt.Sprintf("ON %02dh%02dm%04.1fs %s <G%d T%d>%s%s",
		h, m, secs, b.channelSummary(), st.G, st.T, detail, perf)
}

func (b *Base) channelSummary() string {
	var im, ni string
	imChans := 0
	var imRate float64
	for _, s := range b.streams {
		if s.IsProbe() {
			imChans += s.Queue.NChans()
			imRate = s.Queue.SampleRate()
		} else {
			ni = fmt.Sprintf("%dCH@%.3fkHz", s.Queue.NChans(), s.Queue.SampleRate()/1e3)
		}
	}
	if imChans > 0 {
		im = fmt.Sprintf("%dCH@%.3fkHz", imChans, imRate/1e3)
	}
	switch {
	case im != "" && ni != "":
		return "{" + im + ", " + ni + "}"
	case im != "":
		return im
	default:
		return ni
	}
}

// RecordingSince returns when the current segment opened, or zero.
func (b *Base) RecordingSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trigHiT
}

func syncSourceIndex(source string) int {
	switch source {
	case config.SyncExternal:
		return 1
	case config.SyncNIDQ:
		return 2
	case config.SyncImec:
		return 3
	default:
		return 0
	}
}

// writeSome moves the next available scans of stream i to its files and
// advances *next. rem, when non-nil, is the number of scans still owed to
// the current window and is decremented; scans lost to overwrite count
// against it.
func (b *Base) writeSome(i int, next *uint64, rem *uint64) error {
	n := b.maxFetch(i)
	if rem != nil {
		if *rem == 0 {
			return nil
		}
		n = int(min(uint64(n), *rem))
	}
	data, start, err := b.fetch(i, *next, n)
	if err != nil {
		return err
	}
	if rem != nil {
		*rem -= min(*rem, start-*next)
	}
	*next = start
	if len(data) == 0 {
		return nil
	}
	nChans := b.streams[i].Queue.NChans()
	scans := uint64(len(data) / nChans)
	if rem != nil && scans > *rem {
		scans = *rem
		data = data[:scans*uint64(nChans)]
	}
	if scans == 0 {
		return nil
	}
	if err := b.writeData(i, data, start); err != nil {
		return err
	}
	*next += scans
	if rem != nil {
		*rem -= scans
	}
	return nil
}

// startCounts maps wall time t, read on the reference stream, to a count in
// every stream. ok is false when the mapping is not possible yet.
func (b *Base) startCounts(t time.Time) ([]uint64, bool, error) {
	ref := b.refIndex()
	ct, err := b.streams[ref].countAt(t)
	if err != nil {
		if errors.Is(err, faults.ErrUnavailable) {
			return nil, false, nil
		}
		return nil, false, err
	}
	counts, ok := b.translate(ref, ct)
	return counts, ok, nil
}
