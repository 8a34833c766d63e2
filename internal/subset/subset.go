// Package subset converts between channel range strings and id vectors.
//
// A range string lists ascending channel ids as comma separated singles or
// inclusive "a:b" spans, for example "0:3,7,9:10". The literal "all" selects
// every acquired channel.
package subset

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"neurorec/internal/faults"
)

// All is the literal selecting every channel.
const All = "all"

// IsAll reports whether s selects every channel.
func IsAll(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), All)
}

// Default returns the vector 0..n-1.
func Default(n int) []int {
	v := make([]int, n)
	for i := range v {
		v[i] = i
	}
	return v
}

// IsDefault reports whether v equals Default(n).
func IsDefault(v []int, n int) bool {
	if len(v) != n {
		return false
	}
	for i, id := range v {
		if id != i {
			return false
		}
	}
	return true
}

// RangeStringToVector parses s into a sorted, duplicate free id vector over
// n channels; ids at or beyond n are rejected before any span is expanded.
// Whitespace is ignored and spans may be written in either order.
func RangeStringToVector(s string, n int) ([]int, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
	if cleaned == "" {
		return nil, faults.Wrap(faults.ErrConfiguration, "subset", "parse", "empty range string", nil)
	}

	seen := make(map[int]struct{})
	for _, term := range strings.Split(cleaned, ",") {
		if term == "" {
			continue
		}
		lo, hi, err := parseTerm(term)
		if err != nil {
			return nil, faults.Wrap(faults.ErrConfiguration, "subset", "parse", fmt.Sprintf("bad term %q", term), err)
		}
		if hi >= n {
			return nil, faults.Wrap(faults.ErrConfiguration, "subset", "parse",
				fmt.Sprintf("channel %d exceeds %d acquired channels", hi, n), nil)
		}
		for id := lo; id <= hi; id++ {
			seen[id] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil, faults.Wrap(faults.ErrConfiguration, "subset", "parse", "no channels selected", nil)
	}

	out := make([]int, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Ints(out)
	return out, nil
}

func parseTerm(term string) (int, int, error) {
	parts := strings.Split(term, ":")
	switch len(parts) {
	case 1:
		v, err := parseID(parts[0])
		return v, v, err
	case 2:
		a, err := parseID(parts[0])
		if err != nil {
			return 0, 0, err
		}
		b, err := parseID(parts[1])
		if err != nil {
			return 0, 0, err
		}
		if a > b {
			a, b = b, a
		}
		return a, b, nil
	default:
		return 0, 0, fmt.Errorf("too many separators")
	}
}

func parseID(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative channel id %d", v)
	}
	return v, nil
}

// VectorToRangeString renders a sorted vector in canonical form, collapsing
// runs of two or more consecutive ids into "a:b".
func VectorToRangeString(v []int) string {
	if len(v) == 0 {
		return ""
	}
	var b strings.Builder
	start := v[0]
	prev := v[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == prev {
			b.WriteString(strconv.Itoa(start))
			return
		}
		b.WriteString(strconv.Itoa(start))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(prev))
	}
	for _, id := range v[1:] {
		if id == prev+1 {
			prev = id
			continue
		}
		flush()
		start, prev = id, id
	}
	flush()
	return b.String()
}

// Resolve turns a configured subset into ids over n acquired channels.
// "all" maps to Default(n); ids at or beyond n are rejected.
func Resolve(s string, n int) ([]int, error) {
	if IsAll(s) {
		return Default(n), nil
	}
	return RangeStringToVector(s, n)
}

// Render returns "all" for the default vector and the canonical range string otherwise.
func Render(v []int, n int) string {
	if IsDefault(v, n) {
		return All
	}
	return VectorToRangeString(v)
}

// Filter keeps the ids of v that fall in [lo, hi).
func Filter(v []int, lo, hi int) []int {
	out := make([]int, 0, len(v))
	for _, id := range v {
		if id >= lo && id < hi {
			out = append(out, id)
		}
	}
	return out
}

// Extract copies the selected channels of each scan in src into a new
// interleaved block. nChans is the scan width of src.
func Extract(src []int16, nChans int, ids []int) []int16 {
	if nChans <= 0 || len(ids) == 0 {
		return nil
	}
	nScans := len(src) / nChans
	out := make([]int16, 0, nScans*len(ids))
	for s := 0; s < nScans; s++ {
		row := src[s*nChans : (s+1)*nChans]
		for _, id := range ids {
			out = append(out, row[id])
		}
	}
	return out
}
