package datafile_test

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"neurorec/internal/datafile"
	"neurorec/internal/faults"
)

func testHeader(ids []int) datafile.Header {
	trig := datafile.NewMeta()
	trig.SetFloat("trgTimTH", 2)
	return datafile.Header{
		Type:          datafile.TypeImec,
		SampleRate:    1000,
		AcquiredChans: 8,
		SaveIDs:       ids,
		GateMode:      "immediate",
		TrigMode:      "timed",
		Trigger:       trig,
		SyncPeriod:    1,
		Notes:         "line one\nline two",
	}
}

func block(nScans, nChans, seed int) []int16 {
	out := make([]int16, nScans*nChans)
	for i := range out {
		out[i] = int16((seed+i)*37%65536 - 32768)
	}
	return out
}

func TestWriteAdvancesScanCountAndFinalizeMatchesSize(t *testing.T) {
	for _, async := range []bool{false, true} {
		name := "sync"
		if async {
			name = "async"
		}
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "run_g0_t0.imec0.ap.bin")
			f, err := datafile.OpenForWrite(path, testHeader([]int{0, 1, 2, 7}), datafile.Options{Async: async})
			require.NoError(t, err)

			var want uint64
			for i, n := range []int{1, 10, 250, 3} {
				require.NoError(t, f.WriteAndInvalScans(block(n, 4, i)))
				want += uint64(n)
				require.Equal(t, want, f.ScanCount())
			}

			closed, err := f.CloseAndFinalize()
			require.NoError(t, err)
			require.True(t, closed)

			info, err := os.Stat(path)
			require.NoError(t, err)
			require.Equal(t, int64(want)*4*2, info.Size())

			meta, err := datafile.ReadMeta(f.MetaPath())
			require.NoError(t, err)
			size, err := meta.Int(datafile.KeyFileSizeBytes)
			require.NoError(t, err)
			require.Equal(t, info.Size(), size)
			secs, err := meta.Float(datafile.KeyFileTimeSecs)
			require.NoError(t, err)
			require.InDelta(t, float64(want)/1000, secs, 1e-9)
			subsetTag, _ := meta.Get(datafile.KeySaveChanSubset)
			require.Equal(t, "0:2,7", subsetTag)
		})
	}
}

func TestRoundTripAndVerifySHA1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.nidq.bin")
	h := testHeader([]int{0, 1, 2})
	h.Type = datafile.TypeNIDQ
	h.AcquiredChans = 3
	f, err := datafile.OpenForWrite(path, h, datafile.Options{Async: true})
	require.NoError(t, err)

	first := block(100, 3, 1)
	second := block(57, 3, 2)
	expected := append(append([]int16(nil), first...), second...)
	require.NoError(t, f.WriteAndInvalScans(first))
	require.NoError(t, f.WriteAndInvalScans(second))
	_, err = f.CloseAndFinalize()
	require.NoError(t, err)
	require.Len(t, f.SHA1(), 40)

	ok, err := datafile.VerifySHA1(path)
	require.NoError(t, err)
	require.True(t, ok)

	r, err := datafile.OpenForRead(path)
	require.NoError(t, err)
	require.Equal(t, uint64(157), r.ScanCount())
	require.Equal(t, 3, r.NSavedChans())
	require.Equal(t, []int{0, 1, 2}, r.ChanIDs())

	got, err := r.ReadScans(0, 1000, nil)
	require.NoError(t, err)
	require.Equal(t, expected, got)

	mid, err := r.ReadScans(90, 20, []int{2})
	require.NoError(t, err)
	require.Len(t, mid, 20)
	for i := range mid {
		require.Equal(t, expected[(90+i)*3+2], mid[i])
	}

	_, err = r.ReadScans(157, 1, nil)
	require.ErrorIs(t, err, datafile.ErrOutOfRange)
	require.ErrorIs(t, err, faults.ErrUnavailable)
	_, err = r.CloseAndFinalize()
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	ok, err = datafile.VerifySHA1(path)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifySHA1AcceptsUppercaseAndRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.imec0.lf.bin")
	f, err := datafile.OpenForWrite(path, testHeader([]int{0}), datafile.Options{})
	require.NoError(t, err)
	require.NoError(t, f.WriteAndInvalScans(block(10, 1, 0)))
	_, err = f.CloseAndFinalize()
	require.NoError(t, err)

	metaPath := datafile.MetaPath(path)
	raw, err := os.ReadFile(metaPath)
	require.NoError(t, err)
	upper := strings.Replace(string(raw), f.SHA1(), strings.ToUpper(f.SHA1()), 1)
	require.NoError(t, os.WriteFile(metaPath, []byte(upper), 0o644))
	ok, err := datafile.VerifySHA1(path)
	require.NoError(t, err)
	require.True(t, ok)

	broken := strings.Replace(string(raw), f.SHA1(), "not-a-digest", 1)
	require.NoError(t, os.WriteFile(metaPath, []byte(broken), 0o644))
	_, err = datafile.VerifySHA1(path)
	require.ErrorIs(t, err, faults.ErrValidation)
}

func TestCloseAndFinalizeTwiceIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.imec0.ap.bin")
	f, err := datafile.OpenForWrite(path, testHeader([]int{0, 1}), datafile.Options{Async: true})
	require.NoError(t, err)
	require.NoError(t, f.WriteAndInvalScans(block(5, 2, 0)))

	closed, err := f.CloseAndFinalize()
	require.NoError(t, err)
	require.True(t, closed)
	before, err := os.ReadFile(f.MetaPath())
	require.NoError(t, err)

	closed, err = f.CloseAndFinalize()
	require.NoError(t, err)
	require.False(t, closed)
	after, err := os.ReadFile(f.MetaPath())
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestOpenForWriteRejectsZeroChannels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.bin")
	_, err := datafile.OpenForWrite(path, testHeader(nil), datafile.Options{})
	require.ErrorIs(t, err, faults.ErrConfiguration)
	_, statErr := os.Stat(path)
	require.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestWriteRejectsPartialScan(t *testing.T) {
	f, err := datafile.OpenForWrite(filepath.Join(t.TempDir(), "seg.bin"), testHeader([]int{0, 1, 2}), datafile.Options{})
	require.NoError(t, err)
	err = f.WriteAndInvalScans(make([]int16, 4))
	require.ErrorIs(t, err, faults.ErrValidation)
	require.Zero(t, f.ScanCount())
	_, err = f.CloseAndFinalize()
	require.NoError(t, err)
}

func TestOpenForReadRequiresSubsetTag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.imec0.ap.bin")
	f, err := datafile.OpenForWrite(path, testHeader([]int{0, 1}), datafile.Options{})
	require.NoError(t, err)
	require.NoError(t, f.WriteAndInvalScans(block(3, 2, 0)))
	_, err = f.CloseAndFinalize()
	require.NoError(t, err)

	meta, err := datafile.ReadMeta(f.MetaPath())
	require.NoError(t, err)
	meta.Delete(datafile.KeySaveChanSubset)
	require.NoError(t, os.WriteFile(f.MetaPath(), meta.Bytes(), 0o644))

	_, err = datafile.OpenForRead(path)
	require.ErrorIs(t, err, faults.ErrConfiguration)
	require.Contains(t, err.Error(), datafile.KeySaveChanSubset)
}

func TestOpenForReadRejectsSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.imec0.ap.bin")
	f, err := datafile.OpenForWrite(path, testHeader([]int{0, 1}), datafile.Options{})
	require.NoError(t, err)
	require.NoError(t, f.WriteAndInvalScans(block(3, 2, 0)))
	_, err = f.CloseAndFinalize()
	require.NoError(t, err)

	fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = fh.Write([]byte{1, 2})
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	_, err = datafile.OpenForRead(path)
	require.ErrorIs(t, err, faults.ErrValidation)
}

func TestRemoteParamsFirstSampleAndThroughput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.imec0.ap.bin")
	f, err := datafile.OpenForWrite(path, testHeader([]int{0, 1, 2, 3}), datafile.Options{})
	require.NoError(t, err)
	require.InDelta(t, 1000*4*2, f.RequiredBps(), 1e-9)

	require.NoError(t, f.WriteAndInvalScans(block(10, 4, 0)))
	require.Equal(t, int64(80), f.WrittenBytes())
	require.Zero(t, f.WrittenBytes())

	f.SetFirstSample(12345)
	f.SetRemoteParams(map[string]string{"subject": "m12", "session": "3"})
	_, err = f.CloseAndFinalize()
	require.NoError(t, err)

	r, err := datafile.OpenForRead(path)
	require.NoError(t, err)
	require.Equal(t, uint64(12345), r.FirstSample())
	v, ok := r.Param("rmt_subject")
	require.True(t, ok)
	require.Equal(t, "m12", v)
	notes, _ := r.Param(datafile.KeyUserNotes)
	require.Equal(t, "line one\nline two", datafile.UnescapeNotes(notes))
	_, err = r.CloseAndFinalize()
	require.NoError(t, err)
}

func TestExportChannelSubset(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "seg.imec0.ap.bin")
	f, err := datafile.OpenForWrite(src, testHeader([]int{1, 3, 5}), datafile.Options{})
	require.NoError(t, err)
	data := block(40, 3, 9)
	require.NoError(t, f.WriteAndInvalScans(append([]int16(nil), data...)))
	f.SetFirstSample(100)
	_, err = f.CloseAndFinalize()
	require.NoError(t, err)

	dst := filepath.Join(dir, "export", "cut.imec0.ap.bin")
	out, err := datafile.Export(src, dst, []int{0, 2}, 10, 20)
	require.NoError(t, err)
	require.Equal(t, uint64(20), out.ScanCount())

	ok, err := datafile.VerifySHA1(dst)
	require.NoError(t, err)
	require.True(t, ok)

	r, err := datafile.OpenForRead(dst)
	require.NoError(t, err)
	require.Equal(t, []int{1, 5}, r.ChanIDs())
	require.Equal(t, uint64(110), r.FirstSample())
	got, err := r.ReadScans(0, 20, nil)
	require.NoError(t, err)
	for s := 0; s < 20; s++ {
		require.Equal(t, data[(10+s)*3+0], got[s*2])
		require.Equal(t, data[(10+s)*3+2], got[s*2+1])
	}
	_, err = r.CloseAndFinalize()
	require.NoError(t, err)
}

func TestExportClampsHugeCounts(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "seg.nidq.bin")
	f, err := datafile.OpenForWrite(src, testHeader([]int{0, 1}), datafile.Options{})
	require.NoError(t, err)
	require.NoError(t, f.WriteAndInvalScans(block(40, 2, 3)))
	_, err = f.CloseAndFinalize()
	require.NoError(t, err)

	out, err := datafile.Export(src, filepath.Join(dir, "tail.nidq.bin"), []int{1}, 10, math.MaxUint64)
	require.NoError(t, err)
	require.Equal(t, uint64(30), out.ScanCount())

	_, err = datafile.Export(src, filepath.Join(dir, "wrap.nidq.bin"), []int{1}, math.MaxUint64, 2)
	require.ErrorIs(t, err, datafile.ErrOutOfRange)
	require.NoFileExists(t, filepath.Join(dir, "wrap.nidq.bin"))
}

func TestSegmentNaming(t *testing.T) {
	require.Equal(t, filepath.Join("/d", "run_g2_t7.imec1.lf.bin"), datafile.SegmentPath("/d", "run", 2, 7, datafile.LFLabel(1)))
	require.Equal(t, "/d/x.meta", datafile.MetaPath("/d/x.bin"))
	require.Equal(t, "/d/x.bin", datafile.ForceBinSuffix("/d/x.meta"))
	require.Equal(t, "/d/x.bin", datafile.ForceBinSuffix("/d/x"))
}

func writeTriggered(t *testing.T, name string, ids []int, trig *datafile.Meta, mode string) string {
	t.Helper()
	h := testHeader(ids)
	h.TrigMode = mode
	h.Trigger = trig
	path := filepath.Join(t.TempDir(), name)
	f, err := datafile.OpenForWrite(path, h, datafile.Options{})
	require.NoError(t, err)
	require.NoError(t, f.WriteAndInvalScans(block(10, len(ids), 0)))
	_, err = f.CloseAndFinalize()
	require.NoError(t, err)
	return path
}

func TestTriggerChannelChecks(t *testing.T) {
	analog := func(stream string, ch int64) *datafile.Meta {
		m := datafile.NewMeta()
		m.Set(datafile.KeyTrgTTLStream, stream)
		m.SetBool(datafile.KeyTrgTTLIsAnalog, true)
		m.SetInt(datafile.KeyTrgTTLAIChan, ch)
		return m
	}
	digital := func(word, bit int64) *datafile.Meta {
		m := datafile.NewMeta()
		m.Set(datafile.KeyTrgTTLStream, "nidq")
		m.SetBool(datafile.KeyTrgTTLIsAnalog, false)
		m.SetInt(datafile.KeyTrgTTLAIChan, word)
		m.SetInt(datafile.KeyTrgTTLBit, bit)
		return m
	}
	spike := datafile.NewMeta()
	spike.Set(datafile.KeyTrgSpikeStream, "imec0")
	spike.SetInt(datafile.KeyTrgSpikeAIChan, 2)

	tests := []struct {
		name      string
		file      string
		ids       []int
		trig      *datafile.Meta
		mode      string
		wantChan  int
		wantIndex int
		wantErr   string
	}{
		{name: "analog saved", file: "r_g0_t0.nidq.bin", ids: []int{0, 1, 3}, trig: analog("nidq", 3), mode: "ttl", wantChan: 3, wantIndex: 2},
		{name: "other stream", file: "r_g0_t0.imec0.ap.bin", ids: []int{0, 1, 3}, trig: analog("nidq", 3), mode: "ttl", wantChan: -1, wantErr: `watched stream "nidq"`},
		{name: "not saved", file: "r_g0_t0.nidq.bin", ids: []int{0, 1}, trig: analog("nidq", 3), mode: "ttl", wantChan: -1, wantErr: "not saved"},
		{name: "digital bit in second word", file: "r_g0_t0.nidq.bin", ids: []int{0, 4, 5}, trig: digital(4, 17), mode: "ttl", wantChan: 5, wantIndex: 2},
		{name: "spike on probe", file: "r_g0_t0.imec0.ap.bin", ids: []int{0, 1, 2}, trig: spike, mode: "spike", wantChan: 2, wantIndex: 2},
		{name: "timed has none", file: "r_g0_t0.nidq.bin", ids: []int{0}, trig: datafile.NewMeta(), mode: "timed", wantChan: -1, wantErr: "no trigger channel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTriggered(t, tt.file, tt.ids, tt.trig, tt.mode)
			f, err := datafile.OpenForRead(path)
			require.NoError(t, err)
			defer f.CloseAndFinalize()

			_, ch := f.TrigChannel()
			require.Equal(t, tt.wantChan, ch)
			idx, err := f.TrigChannelIndex()
			if tt.wantErr != "" {
				require.ErrorIs(t, err, faults.ErrNotFound)
				require.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantIndex, idx)
		})
	}
}

func TestMalformedTriggerTagRejected(t *testing.T) {
	trig := datafile.NewMeta()
	trig.Set(datafile.KeyTrgSpikeStream, "nidq")
	trig.Set(datafile.KeyTrgSpikeAIChan, "two")
	path := writeTriggered(t, "r_g0_t0.nidq.bin", []int{0, 1}, trig, "spike")

	_, err := datafile.OpenForRead(path)
	require.ErrorIs(t, err, faults.ErrValidation)
	require.Contains(t, err.Error(), "trgSpikeAIChan")
}

func TestStreamOfPath(t *testing.T) {
	require.Equal(t, "imec1", datafile.StreamOfPath("/d/run_g0_t3.imec1.lf.bin"))
	require.Equal(t, "nidq", datafile.StreamOfPath("/d/baseline.nidq.meta"))
	require.Equal(t, "", datafile.StreamOfPath("/d/plain.bin"))
}
