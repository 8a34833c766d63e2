package acq

import (
	"context"
	"time"
)

// Sink receives each block a source produces. headCt is the absolute count
// of the block's first scan. A Sink error stops the source.
type Sink func(block []int16, headCt uint64) error

// Source is one hardware stream.
type Source interface {
	// Stream is the stream id the source feeds ("imec0", "nidq").
	Stream() string
	// Start begins delivery. The time origin is the wall time of count 0.
	Start(ctx context.Context, origin time.Time) error
	// Pause suspends delivery; counts keep advancing while paused.
	Pause()
	// Resume continues delivery after Pause.
	Resume()
	// Stop ends delivery and waits for the producer goroutine.
	Stop() error
	// Err returns the error that stopped the source, if any.
	Err() error
	// Done is closed when the producer goroutine exits.
	Done() <-chan struct{}
}
