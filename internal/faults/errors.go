// Package faults defines the error taxonomy shared by the recording pipeline.
//
// Errors are tagged with one of the sentinel markers below so the run
// orchestrator can decide whether a failure stops the run or is retried by the
// caller on its next loop.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrValidation    = errors.New("validation error")
	ErrIO            = errors.New("io error")
	ErrBackpressure  = errors.New("write queue backpressure")
	ErrUnavailable   = errors.New("data unavailable")
	ErrNotFound      = errors.New("not found")
)

// Outcome describes how the orchestrator reacts to a failure.
type Outcome string

const (
	OutcomeRecoverable Outcome = "recoverable"
	OutcomeFatal       Outcome = "fatal"
	OutcomeConfig      Outcome = "config"
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker. The marker should be one of the exported
// sentinels above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrIO
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps an error to the orchestrator reaction.
func Classify(err error) Outcome {
	switch {
	case err == nil, errors.Is(err, ErrUnavailable):
		return OutcomeRecoverable
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrValidation):
		return OutcomeConfig
	default:
		return OutcomeFatal
	}
}

// IsFatal reports whether err must stop the run.
func IsFatal(err error) bool {
	return err != nil && Classify(err) != OutcomeRecoverable
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "recording failure"
	}
	return strings.Join(parts, ": ")
}
