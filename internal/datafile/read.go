package datafile

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strconv"

	"neurorec/internal/faults"
	"neurorec/internal/logging"
	"neurorec/internal/subset"
)

// OpenForRead opens a finalized segment. The sidecar must exist and carry
// nSavedChans, the sample rate and snsSaveChanSubset; fileSizeBytes must
// match the binary file.
func OpenForRead(path string) (*File, error) {
	binPath := ForceBinSuffix(path)
	metaPath := MetaPath(binPath)

	info, err := os.Stat(binPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, faults.Wrap(faults.ErrNotFound, "datafile", "open for read", binPath, err)
		}
		return nil, faults.Wrap(faults.ErrIO, "datafile", "open for read", binPath, err)
	}
	meta, err := ReadMeta(metaPath)
	if err != nil {
		return nil, err
	}

	nSaved, err := meta.Int(KeyNSavedChans)
	if err != nil {
		return nil, faults.Wrap(faults.ErrConfiguration, "datafile", "open for read", metaPath, err)
	}
	if nSaved <= 0 {
		return nil, faults.Wrap(faults.ErrValidation, "datafile", "open for read", "nSavedChans must be positive", nil)
	}

	rateKey := KeyImSampRate
	if typ, _ := meta.Get(KeyTypeThis); typ == TypeNIDQ {
		rateKey = KeyNiSampRate
	}
	srate, err := meta.Float(rateKey)
	if err != nil {
		return nil, faults.Wrap(faults.ErrConfiguration, "datafile", "open for read", metaPath, err)
	}

	rng, ok := meta.Get(KeySaveChanSubset)
	if !ok {
		return nil, faults.Wrap(faults.ErrConfiguration, "datafile", "open for read",
			"missing "+KeySaveChanSubset+" tag in "+metaPath, nil)
	}
	var ids []int
	if subset.IsAll(rng) {
		ids = subset.Default(int(nSaved))
	} else {
		acquired, err := meta.Int(KeyNAcquiredChans)
		if err != nil {
			return nil, faults.Wrap(faults.ErrConfiguration, "datafile", "open for read", metaPath, err)
		}
		ids, err = subset.RangeStringToVector(rng, int(acquired))
		if err != nil {
			return nil, faults.Wrap(faults.ErrConfiguration, "datafile", "open for read",
				"bad "+KeySaveChanSubset+" tag in "+metaPath, err)
		}
	}
	if len(ids) != int(nSaved) {
		return nil, faults.Wrap(faults.ErrValidation, "datafile", "open for read",
			fmt.Sprintf("%s lists %d channels, nSavedChans is %d", KeySaveChanSubset, len(ids), nSaved), nil)
	}

	size, err := meta.Int(KeyFileSizeBytes)
	if err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "datafile", "open for read", "file was not finalized", err)
	}
	if size != info.Size() {
		return nil, faults.Wrap(faults.ErrValidation, "datafile", "open for read",
			fmt.Sprintf("fileSizeBytes %d does not match %d bytes on disk", size, info.Size()), nil)
	}
	bytesPerScan := 2 * nSaved
	if size%bytesPerScan != 0 {
		return nil, faults.Wrap(faults.ErrValidation, "datafile", "open for read",
			fmt.Sprintf("size %d is not a whole number of %d-byte scans", size, bytesPerScan), nil)
	}

	trigStream, trigChan, err := triggerChannel(meta)
	if err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "datafile", "open for read",
			"bad trigger tags in "+metaPath, err)
	}

	bin, err := os.Open(binPath)
	if err != nil {
		return nil, faults.Wrap(faults.ErrIO, "datafile", "open for read", binPath, err)
	}

	f := &File{
		mode:     Input,
		binPath:  binPath,
		metaPath: metaPath,
		bin:      bin,
		meta:     meta,
		logger:   logging.NewNop(),
		srate:    srate,
		nSaved:   int(nSaved),
		chanIDs:  ids,
		scanCt:   uint64(size / bytesPerScan),
		trigChan: -1,
	}
	if first, err := meta.Int(KeyFirstSample); err == nil && first >= 0 {
		f.first = uint64(first)
	}
	if sum, ok := meta.Get(KeyFileSHA1); ok {
		f.sum = sum
	}
	f.trigStream = trigStream
	f.trigChan, f.trigErr = checkTriggerChannel(StreamOfPath(binPath), trigStream, trigChan, ids)
	return f, nil
}

// triggerChannel resolves the acquired channel the trigger watched. A
// digital TTL bit lies in word trgTTLAIChan + trgTTLBit/16.
func triggerChannel(meta *Meta) (string, int, error) {
	mode, _ := meta.Get(KeyTrigMode)
	switch mode {
	case "ttl":
		stream, _ := meta.Get(KeyTrgTTLStream)
		ch, err := optionalInt(meta, KeyTrgTTLAIChan)
		if err != nil || ch < 0 || meta.Bool(KeyTrgTTLIsAnalog) {
			return stream, ch, err
		}
		bit, err := optionalInt(meta, KeyTrgTTLBit)
		if err != nil {
			return stream, -1, err
		}
		if bit < 0 {
			return stream, -1, fmt.Errorf("%s=%d is negative", KeyTrgTTLBit, bit)
		}
		return stream, ch + bit/16, nil
	case "spike":
		stream, _ := meta.Get(KeyTrgSpikeStream)
		ch, err := optionalInt(meta, KeyTrgSpikeAIChan)
		return stream, ch, err
	default:
		return "", -1, nil
	}
}

// optionalInt parses key, returning -1 when it is absent.
func optionalInt(meta *Meta, key string) (int, error) {
	raw, ok := meta.Get(key)
	if !ok {
		return -1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1, fmt.Errorf("%s=%q is not an integer", key, raw)
	}
	return n, nil
}

// checkTriggerChannel keeps ch only when the trigger watched this file's
// stream and the channel was saved.
func checkTriggerChannel(own, stream string, ch int, ids []int) (int, error) {
	var msg string
	switch {
	case ch < 0:
		msg = "no trigger channel recorded"
	case stream != own:
		msg = fmt.Sprintf("trigger watched stream %q, file holds %q", stream, own)
	case !slices.Contains(ids, ch):
		msg = fmt.Sprintf("trigger channel %d is not saved", ch)
	default:
		return ch, nil
	}
	return -1, faults.Wrap(faults.ErrNotFound, "datafile", "trigger channel", msg, nil)
}

// ReadScans reads up to n scans starting at file scan scan0 (0 is the first
// scan of this file). keep, when non-empty, selects saved-channel indices
// to return. ErrOutOfRange is returned when scan0 is at or past the end.
func (f *File) ReadScans(scan0, n uint64, keep []int) ([]int16, error) {
	f.mu.Lock()
	mode, bin, scanCt, nSaved := f.mode, f.bin, f.scanCt, f.nSaved
	f.mu.Unlock()

	if mode != Input {
		return nil, faults.Wrap(faults.ErrIO, "datafile", "read", "file not open for read", nil)
	}
	if scan0 >= scanCt {
		return nil, ErrOutOfRange
	}
	n = min(n, scanCt-scan0)
	bytesPerScan := int64(2 * nSaved)
	buf := make([]byte, int64(n)*bytesPerScan)
	nr, err := bin.ReadAt(buf, int64(scan0)*bytesPerScan)
	if nr != len(buf) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, faults.Wrap(faults.ErrIO, "datafile", "read", f.binPath, err)
	}

	out := make([]int16, len(buf)/2)
	for i := range out {
		out[i] = int16(uint16(buf[2*i]) | uint16(buf[2*i+1])<<8)
	}
	if len(keep) > 0 {
		out = subset.Extract(out, nSaved, keep)
	}
	return out, nil
}
