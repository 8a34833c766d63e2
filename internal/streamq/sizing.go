package streamq

import (
	"math"

	"golang.org/x/sys/unix"
)

// SpanPolicy bounds how many seconds each queue retains.
type SpanPolicy struct {
	MemoryFraction float64
	ReserveBytes   uint64
	MinSeconds     float64
	MaxSeconds     float64
}

// SpanResult reports the chosen span and whether a bound applied.
type SpanResult struct {
	Seconds      float64
	LimitedByRAM bool
	Capped       bool
}

// SpanSeconds chooses the retained span for a run whose streams together
// produce bytesPerSec. availBytes is the memory the queues may draw from.
func SpanSeconds(p SpanPolicy, bytesPerSec float64, availBytes uint64) SpanResult {
	if bytesPerSec <= 0 {
		return SpanResult{Seconds: p.MaxSeconds, Capped: true}
	}
	var usable float64
	if availBytes > p.ReserveBytes {
		usable = p.MemoryFraction * float64(availBytes-p.ReserveBytes)
	}
	secs := math.Floor(usable / bytesPerSec)
	res := SpanResult{Seconds: secs}
	switch {
	case secs < p.MinSeconds:
		res.Seconds = p.MinSeconds
		res.LimitedByRAM = true
	case secs > p.MaxSeconds:
		res.Seconds = p.MaxSeconds
		res.Capped = true
	}
	return res
}

// AvailableMemory reports free plus buffer RAM in bytes.
func AvailableMemory() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return (uint64(info.Freeram) + uint64(info.Bufferram)) * unit, nil
}
