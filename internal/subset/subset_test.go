package subset_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"neurorec/internal/faults"
	"neurorec/internal/subset"
)

func TestRangeStringRoundTrip(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0:3,7,9:10", "0:3,7,9:10"},
		{"5", "5"},
		{"0,1,2,3", "0:3"},
		{" 4 : 2 , 8 ", "2:4,8"},
		{"1,1,2", "1:2"},
		{"3,1", "1,3"},
	}
	for _, tc := range cases {
		v, err := subset.RangeStringToVector(tc.in, 16)
		if err != nil {
			t.Fatalf("RangeStringToVector(%q): %v", tc.in, err)
		}
		if got := subset.VectorToRangeString(v); got != tc.want {
			t.Fatalf("round trip of %q = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAllRoundTripsToDefaultVector(t *testing.T) {
	v, err := subset.Resolve("all", 6)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !subset.IsDefault(v, 6) {
		t.Fatalf("expected default vector, got %v", v)
	}
	if got := subset.Render(v, 6); got != "all" {
		t.Fatalf("Render = %q, want all", got)
	}
	if got := subset.VectorToRangeString(v); got != "0:5" {
		t.Fatalf("VectorToRangeString = %q", got)
	}
}

func TestRangeStringRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "a", "1:2:3", "-1", ",", "1:x"} {
		if _, err := subset.RangeStringToVector(in, 16); !errors.Is(err, faults.ErrConfiguration) {
			t.Fatalf("expected configuration error for %q, got %v", in, err)
		}
	}
}

func TestResolveRejectsOutOfRange(t *testing.T) {
	if _, err := subset.Resolve("0:4", 4); err == nil {
		t.Fatal("expected error for channel beyond count")
	}
}

func TestHugeSpanRejectedWithoutExpanding(t *testing.T) {
	start := time.Now()
	_, err := subset.RangeStringToVector("0:2000000000", 384)
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if !strings.Contains(err.Error(), "exceeds 384") {
		t.Fatalf("error %q does not name the channel count", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("rejection took %s", elapsed)
	}
	if _, err := subset.RangeStringToVector("383:0", 384); err != nil {
		t.Fatalf("full span: %v", err)
	}
}

func TestExtractSelectsColumns(t *testing.T) {
	src := []int16{1, 2, 3, 11, 12, 13}
	got := subset.Extract(src, 3, []int{0, 2})
	want := []int16{1, 3, 11, 13}
	if len(got) != len(want) {
		t.Fatalf("len = %d", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Extract = %v, want %v", got, want)
		}
	}
	if f := subset.Filter([]int{0, 3, 5, 9}, 3, 9); len(f) != 2 || f[0] != 3 || f[1] != 5 {
		t.Fatalf("Filter = %v", f)
	}
}
