package datafile

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"neurorec/internal/faults"
	"neurorec/internal/fileutil"
	"neurorec/internal/logging"
	"neurorec/internal/subset"
)

// AppVersion is written to every sidecar. Binaries override it at link time.
var AppVersion = "dev"

// ErrOutOfRange reports a read starting at or past the last scan.
var ErrOutOfRange = fmt.Errorf("%w: scan offset beyond end of file", faults.ErrUnavailable)

// Mode is the open state of a File.
type Mode int

const (
	Closed Mode = iota
	Input
	Output
)

const (
	defaultQueueCapacity = 4000
	defaultStopPercent   = 95.0
	createTimeLayout     = "2006-01-02T15:04:05"
)

// Options control how an output file writes.
type Options struct {
	Async         bool
	QueueCapacity int
	StopPercent   float64
	Logger        *slog.Logger
	// WrapOutput, when set, wraps the binary file as the write destination.
	WrapOutput func(io.Writer) io.Writer
}

// Header carries everything needed to reinterpret a binary file later.
type Header struct {
	Type          string
	SampleRate    float64
	AcquiredChans int
	SaveIDs       []int
	GateMode      string
	TrigMode      string
	Trigger       *Meta
	SyncPeriod    float64
	SyncSourceIdx int
	Notes         string
	RunID         string
	CreateTime    time.Time
}

// File is one recorded segment: a binary file and its sidecar.
type File struct {
	mu sync.Mutex

	mode     Mode
	binPath  string
	metaPath string
	bin      *os.File
	out      io.Writer
	meta     *Meta
	opts     Options
	logger   *slog.Logger

	srate    float64
	nSaved   int
	chanIDs  []int
	scanCt   uint64
	first    uint64
	digest   hash.Hash
	sum      string
	writer   *asyncWriter
	writeErr error

	trigStream string
	trigChan   int
	trigErr    error

	bytesMu sync.Mutex
	written int64
}

// OpenForWrite creates binPath and writes the preliminary sidecar. Every
// key except size, duration and digest is known at this point.
func OpenForWrite(binPath string, h Header, opts Options) (*File, error) {
	if len(h.SaveIDs) == 0 {
		return nil, faults.Wrap(faults.ErrConfiguration, "datafile", "open", "zero channels selected", nil)
	}
	if h.SampleRate <= 0 {
		return nil, faults.Wrap(faults.ErrConfiguration, "datafile", "open", "sample rate must be positive", nil)
	}
	binPath = ForceBinSuffix(binPath)
	opts = normalizeOptions(opts)

	if err := os.MkdirAll(filepath.Dir(binPath), 0o755); err != nil {
		return nil, faults.Wrap(faults.ErrIO, "datafile", "open", "create run directory", err)
	}
	bin, err := os.Create(binPath)
	if err != nil {
		return nil, faults.Wrap(faults.ErrIO, "datafile", "open", "create "+binPath, err)
	}

	f := &File{
		mode:     Output,
		binPath:  binPath,
		metaPath: MetaPath(binPath),
		bin:      bin,
		meta:     preliminaryMeta(binPath, h),
		opts:     opts,
		logger:   opts.Logger,
		srate:    h.SampleRate,
		nSaved:   len(h.SaveIDs),
		chanIDs:  append([]int(nil), h.SaveIDs...),
		digest:   sha1.New(),
		trigChan: -1,
	}
	f.out = bin
	if opts.WrapOutput != nil {
		f.out = opts.WrapOutput(bin)
	}
	if err := f.writeMeta(); err != nil {
		_ = bin.Close()
		return nil, err
	}
	f.logger.Debug("data file opened",
		logging.String("file", filepath.Base(binPath)),
		logging.Int("saved_chans", f.nSaved),
		logging.Bool("async", opts.Async),
	)
	return f, nil
}

func normalizeOptions(opts Options) Options {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	if opts.StopPercent <= 0 || opts.StopPercent > 100 {
		opts.StopPercent = defaultStopPercent
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return opts
}

func preliminaryMeta(binPath string, h Header) *Meta {
	m := NewMeta()
	typ := h.Type
	if typ == "" {
		typ = TypeImec
	}
	acquired := h.AcquiredChans
	if acquired <= 0 {
		acquired = len(h.SaveIDs)
	}
	m.Set(KeyTypeThis, typ)
	m.SetInt(KeyNSavedChans, int64(len(h.SaveIDs)))
	m.Set(KeySaveChanSubset, subset.Render(h.SaveIDs, acquired))
	m.SetInt(KeyNAcquiredChans, int64(acquired))
	if typ == TypeNIDQ {
		m.SetFloat(KeyNiSampRate, h.SampleRate)
	} else {
		m.SetFloat(KeyImSampRate, h.SampleRate)
	}
	m.Set(KeyGateMode, h.GateMode)
	m.Set(KeyTrigMode, h.TrigMode)
	if h.Trigger != nil {
		for _, k := range h.Trigger.Keys() {
			v, _ := h.Trigger.Get(k)
			m.Set(k, v)
		}
	}
	m.SetFloat(KeySyncSourcePeriod, h.SyncPeriod)
	m.SetInt(KeySyncSourceIdx, int64(h.SyncSourceIdx))
	m.Set(KeyFileName, binPath)
	created := h.CreateTime
	if created.IsZero() {
		created = time.Now()
	}
	m.Set(KeyFileCreateTime, created.Format(createTimeLayout))
	if h.RunID != "" {
		m.Set(KeyRunID, h.RunID)
	}
	m.Set(KeyUserNotes, EscapeNotes(h.Notes))
	m.Set(KeyAppVersion, AppVersion)
	return m
}

func (f *File) writeMeta() error {
	if err := fileutil.WriteFileAtomic(f.metaPath, f.meta.Bytes(), 0o644); err != nil {
		return faults.Wrap(faults.ErrIO, "datafile", "write metadata", f.metaPath, err)
	}
	return nil
}

// WriteAndInvalScans appends scans to the file. The caller gives up the
// slice: it must not be reused after the call. In async mode an error is
// returned once the writer queue reaches the stop percentage; the caller
// must end the recording.
func (f *File) WriteAndInvalScans(scans []int16) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mode != Output {
		return faults.Wrap(faults.ErrIO, "datafile", "write", "file not open for write", nil)
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	if len(scans)%f.nSaved != 0 {
		return faults.Wrap(faults.ErrValidation, "datafile", "write",
			fmt.Sprintf("block of %d samples is not a multiple of %d channels", len(scans), f.nSaved), nil)
	}
	if len(scans) == 0 {
		return nil
	}
	n := uint64(len(scans) / f.nSaved)

	if !f.opts.Async {
		if err := f.writeBlock(scans); err != nil {
			f.writeErr = faults.Wrap(faults.ErrIO, "datafile", "write", filepath.Base(f.binPath), err)
			return f.writeErr
		}
		f.scanCt += n
		return nil
	}

	if f.writer == nil {
		f.writer = newAsyncWriter(f.opts.QueueCapacity, f.writeBlock)
	}
	if err := f.writer.enqueue(scans); err != nil {
		if errors.Is(err, faults.ErrBackpressure) {
			return faults.Wrap(faults.ErrBackpressure, "datafile", "write", filepath.Base(f.binPath), err)
		}
		f.writeErr = faults.Wrap(faults.ErrIO, "datafile", "write", filepath.Base(f.binPath), err)
		return f.writeErr
	}
	f.scanCt += n
	if pct := f.writer.percentFull(); pct >= f.opts.StopPercent {
		return faults.Wrap(faults.ErrBackpressure, "datafile", "write",
			fmt.Sprintf("%s write queue %.1f%% full", filepath.Base(f.binPath), pct), nil)
	}
	return nil
}

// writeBlock runs on the writer goroutine in async mode, or under f.mu in
// sync mode. It is the only code touching bin and digest while writing.
func (f *File) writeBlock(block []int16) error {
	buf := make([]byte, 2*len(block))
	for i, v := range block {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	if _, err := f.out.Write(buf); err != nil {
		return err
	}
	f.digest.Write(buf)

	f.bytesMu.Lock()
	f.written += int64(len(buf))
	f.bytesMu.Unlock()
	return nil
}

// CloseAndFinalize drains the writer, closes the binary file and rewrites
// the sidecar with digest, size and duration. It reports false when nothing
// was open. A file whose writes failed is closed without finalizing.
func (f *File) CloseAndFinalize() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.mode {
	case Closed:
		return false, nil
	case Input:
		err := f.bin.Close()
		f.reset()
		if err != nil {
			return true, faults.Wrap(faults.ErrIO, "datafile", "close", f.binPath, err)
		}
		return true, nil
	}

	writeErr := f.writeErr
	if f.writer != nil {
		if err := f.writer.close(); err != nil && writeErr == nil {
			writeErr = faults.Wrap(faults.ErrIO, "datafile", "write", filepath.Base(f.binPath), err)
		}
		f.writer = nil
	}
	syncErr := f.bin.Sync()
	closeErr := f.bin.Close()
	name := f.binPath

	if writeErr != nil {
		f.logger.Warn("data file abandoned",
			logging.String("file", filepath.Base(name)),
			logging.Error(writeErr),
		)
		f.reset()
		return true, writeErr
	}
	if err := errors.Join(syncErr, closeErr); err != nil {
		f.reset()
		return true, faults.Wrap(faults.ErrIO, "datafile", "close", name, err)
	}

	info, err := os.Stat(name)
	if err != nil {
		f.reset()
		return true, faults.Wrap(faults.ErrIO, "datafile", "finalize", name, err)
	}
	want := int64(f.scanCt) * int64(f.nSaved) * 2
	if info.Size() != want {
		f.reset()
		return true, faults.Wrap(faults.ErrIO, "datafile", "finalize",
			fmt.Sprintf("%s holds %d bytes, expected %d", filepath.Base(name), info.Size(), want), nil)
	}

	f.sum = hex.EncodeToString(f.digest.Sum(nil))
	f.meta.Set(KeyFileSHA1, f.sum)
	f.meta.SetInt(KeyFileSizeBytes, info.Size())
	f.meta.SetFloat(KeyFileTimeSecs, float64(f.scanCt)/f.srate)
	f.meta.Set(KeyAppVersion, AppVersion)
	if err := f.writeMeta(); err != nil {
		f.reset()
		return true, err
	}

	f.logger.Debug("data file finalized",
		logging.String("file", filepath.Base(name)),
		logging.Uint64("scans", f.scanCt),
		logging.String("sha1", f.sum),
	)
	f.reset()
	return true, nil
}

// Abandon closes an output file without finalizing its sidecar.
func (f *File) Abandon() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mode == Closed {
		return
	}
	if f.writer != nil {
		_ = f.writer.close()
		f.writer = nil
	}
	_ = f.bin.Close()
	f.reset()
}

// CloseAsync finalizes on a new goroutine and reports the outcome to onDone,
// which may be nil.
func (f *File) CloseAsync(onDone func(*File, error)) {
	go func() {
		_, err := f.CloseAndFinalize()
		if onDone != nil {
			onDone(f, err)
		}
	}()
}

func (f *File) reset() {
	f.mode = Closed
	f.bin = nil
	f.writer = nil
}

// SetFirstSample records the absolute stream count of the first scan.
func (f *File) SetFirstSample(ct uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.first = ct
	f.meta.SetUint(KeyFirstSample, ct)
}

// SetParam stores an arbitrary key in the sidecar written at close.
func (f *File) SetParam(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta.Set(key, value)
}

// SetRemoteParams stores externally supplied keys with an rmt_ prefix.
func (f *File) SetRemoteParams(kv map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range slices.Sorted(maps.Keys(kv)) {
		f.meta.Set(remoteParamKeyPrefix+k, kv[k])
	}
}

// Param returns a sidecar value.
func (f *File) Param(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta.Get(key)
}

// Meta returns a copy of the sidecar contents.
func (f *File) Meta() *Meta {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta.Clone()
}

// WrittenBytes returns the bytes written since the previous call.
func (f *File) WrittenBytes() int64 {
	f.bytesMu.Lock()
	defer f.bytesMu.Unlock()
	n := f.written
	f.written = 0
	return n
}

// RequiredBps is the sustained byte rate this file needs.
func (f *File) RequiredBps() float64 {
	return f.srate * float64(f.nSaved) * 2
}

// PercentFull reports writer queue occupancy, 0 when writing synchronously.
func (f *File) PercentFull() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writer == nil {
		return 0
	}
	return f.writer.percentFull()
}

// Mode reports whether the file is closed, open for read or open for write.
func (f *File) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *File) IsOpen() bool { return f.Mode() != Closed }

// ScanCount is the number of scans written or, for input files, stored.
func (f *File) ScanCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanCt
}

func (f *File) FirstSample() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.first
}

func (f *File) NSavedChans() int { return f.nSaved }

func (f *File) SampleRate() float64 { return f.srate }

func (f *File) BinPath() string { return f.binPath }

func (f *File) MetaPath() string { return f.metaPath }

// ChanIDs returns the acquired channel ids stored in the file.
func (f *File) ChanIDs() []int { return append([]int(nil), f.chanIDs...) }

// SHA1 returns the digest computed at finalize, or "" before that.
func (f *File) SHA1() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sum
}

// TrigChannel returns the trigger stream and channel recorded in the
// sidecar of a file opened for read; the channel is -1 when none applies.
func (f *File) TrigChannel() (string, int) { return f.trigStream, f.trigChan }

// TrigChannelIndex returns the saved-channel index of the trigger channel,
// or an ErrNotFound error naming the check that failed.
func (f *File) TrigChannelIndex() (int, error) {
	if f.trigErr != nil {
		return -1, f.trigErr
	}
	if f.trigChan < 0 {
		return -1, faults.Wrap(faults.ErrNotFound, "datafile", "trigger channel", "file not open for read", nil)
	}
	return slices.Index(f.chanIDs, f.trigChan), nil
}
