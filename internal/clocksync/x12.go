package clocksync

import "math"

// X12 is the decimation factor between AP and LF counts.
const X12 = 12

// LFCount returns the LF count holding AP count ct, rounding down.
func LFCount(ct uint64) uint64 {
	return ct / X12
}

// AlignX12 rounds ct up to the next multiple of 12.
func AlignX12(ct uint64) uint64 {
	if r := ct % X12; r != 0 {
		return ct + X12 - r
	}
	return ct
}

// DecimateX12 returns the full width rows of block whose absolute count is a
// multiple of 12. block starts at headCt and holds scans of nChans channels
// laid out as nAP AP channels, nLF LF channels, then sync words.
//
// When extrapolate is set and headCt is not on a boundary, a row for the
// preceding boundary is reconstructed first: each LF value is extended
// linearly from the first boundary sample and the sample before it, and sync
// words are copied from the block's first scan. The second result reports
// whether that row was produced; it needs at least one boundary in the block.
func DecimateX12(block []int16, headCt uint64, nChans, nAP, nLF int, extrapolate bool) ([]int16, bool) {
	if nChans <= 0 {
		return nil, false
	}
	nTp := len(block) / nChans
	r := int((X12 - headCt%X12) % X12)
	if r >= nTp {
		return nil, false
	}
	extra := extrapolate && r > 0
	rows := (nTp-r+X12-1)/X12 + boolInt(extra)
	out := make([]int16, 0, rows*nChans)

	if extra {
		p1 := block[(r-1)*nChans : r*nChans]
		p2 := block[r*nChans : (r+1)*nChans]
		row := make([]int16, nChans)
		copy(row[:nAP], p2[:nAP])
		for lf := nAP; lf < nAP+nLF; lf++ {
			v := int(p2[lf]) - (int(p2[lf])-int(p1[lf]))*X12
			row[lf] = clamp16(v)
		}
		copy(row[nAP+nLF:], block[nAP+nLF:nChans])
		out = append(out, row...)
	}
	for it := r; it < nTp; it += X12 {
		out = append(out, block[it*nChans:(it+1)*nChans]...)
	}
	return out, extra
}

func clamp16(v int) int16 {
	return int16(max(math.MinInt16, min(math.MaxInt16, v)))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
