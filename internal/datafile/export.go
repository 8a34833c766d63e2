package datafile

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"

	"neurorec/internal/faults"
	"neurorec/internal/subset"
)

// exportChunkScans bounds the memory used per read while exporting.
const exportChunkScans = 8192

// OpenForExport creates an output file carrying src's metadata, restricted
// to the saved-channel indices idx of src.
func OpenForExport(src *File, binPath string, idx []int, opts Options) (*File, error) {
	if src == nil || src.Mode() != Input {
		return nil, faults.Wrap(faults.ErrValidation, "datafile", "export", "source must be open for read", nil)
	}
	if len(idx) == 0 {
		return nil, faults.Wrap(faults.ErrConfiguration, "datafile", "export", "zero channels selected", nil)
	}
	ids := make([]int, 0, len(idx))
	for _, i := range idx {
		if i < 0 || i >= src.nSaved {
			return nil, faults.Wrap(faults.ErrValidation, "datafile", "export",
				fmt.Sprintf("channel index %d outside 0..%d", i, src.nSaved-1), nil)
		}
		ids = append(ids, src.chanIDs[i])
	}

	binPath = ForceBinSuffix(binPath)
	opts = normalizeOptions(opts)
	if err := os.MkdirAll(filepath.Dir(binPath), 0o755); err != nil {
		return nil, faults.Wrap(faults.ErrIO, "datafile", "export", "create directory", err)
	}
	bin, err := os.Create(binPath)
	if err != nil {
		return nil, faults.Wrap(faults.ErrIO, "datafile", "export", "create "+binPath, err)
	}

	meta := src.Meta()
	for _, k := range []string{KeyFileSHA1, KeyFileSizeBytes, KeyFileTimeSecs} {
		meta.Delete(k)
	}
	meta.Set(KeyFileName, binPath)
	meta.SetInt(KeyNSavedChans, int64(len(ids)))
	meta.Set(KeySaveChanSubset, subset.VectorToRangeString(ids))

	f := &File{
		mode:       Output,
		binPath:    binPath,
		metaPath:   MetaPath(binPath),
		bin:        bin,
		meta:       meta,
		opts:       opts,
		logger:     opts.Logger,
		srate:      src.srate,
		nSaved:     len(ids),
		chanIDs:    ids,
		first:      src.first,
		digest:     sha1.New(),
		trigStream: src.trigStream,
		trigChan:   src.trigChan,
	}
	if err := f.writeMeta(); err != nil {
		_ = bin.Close()
		return nil, err
	}
	return f, nil
}

// Export copies scans [scan0, scan0+n) of the segment at srcPath, keeping
// saved-channel indices idx, into a new finalized segment at dstPath.
// n == 0 exports to the end of the file.
func Export(srcPath, dstPath string, idx []int, scan0, n uint64) (*File, error) {
	src, err := OpenForRead(srcPath)
	if err != nil {
		return nil, err
	}
	defer src.CloseAndFinalize()

	total := src.ScanCount()
	if scan0 >= total {
		return nil, ErrOutOfRange
	}
	if n == 0 || n > total-scan0 {
		n = total - scan0
	}

	dst, err := OpenForExport(src, dstPath, idx, Options{})
	if err != nil {
		return nil, err
	}
	dst.SetFirstSample(src.FirstSample() + scan0)
	for done := uint64(0); done < n; {
		chunk := min(uint64(exportChunkScans), n-done)
		block, err := src.ReadScans(scan0+done, chunk, idx)
		if err != nil {
			dst.Abandon()
			return nil, err
		}
		if err := dst.WriteAndInvalScans(block); err != nil {
			dst.Abandon()
			return nil, err
		}
		done += chunk
	}
	if _, err := dst.CloseAndFinalize(); err != nil {
		return nil, err
	}
	return dst, nil
}
