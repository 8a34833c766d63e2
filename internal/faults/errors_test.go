package faults_test

import (
	"errors"
	"strings"
	"testing"

	"neurorec/internal/faults"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("disk full")
	err := faults.Wrap(faults.ErrIO, "datafile", "write", "append scans", base)
	if !errors.Is(err, faults.ErrIO) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	for _, fragment := range []string{"datafile", "write", "append scans", "disk full"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected %q in %q", fragment, err.Error())
		}
	}
}

func TestWrapWithoutCause(t *testing.T) {
	err := faults.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, faults.ErrIO) {
		t.Fatalf("expected default marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "recording failure") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want faults.Outcome
	}{
		{nil, faults.OutcomeRecoverable},
		{faults.Wrap(faults.ErrUnavailable, "streamq", "read", "overwritten", nil), faults.OutcomeRecoverable},
		{faults.Wrap(faults.ErrConfiguration, "datafile", "open", "zero channels", nil), faults.OutcomeConfig},
		{faults.Wrap(faults.ErrValidation, "datafile", "verify", "bad digest", nil), faults.OutcomeConfig},
		{faults.Wrap(faults.ErrBackpressure, "writer", "enqueue", "queue full", nil), faults.OutcomeFatal},
		{errors.New("plain"), faults.OutcomeFatal},
	}
	for _, tc := range cases {
		if got := faults.Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	if faults.IsFatal(nil) {
		t.Fatal("nil must not be fatal")
	}
}
