package datafile

import (
	"fmt"
	"sync"

	"neurorec/internal/faults"
)

// asyncWriter drains scan blocks to a sink on its own goroutine in FIFO
// order. The queue is bounded; enqueue never blocks.
type asyncWriter struct {
	blocks   chan []int16
	capacity int
	done     chan struct{}

	mu  sync.Mutex
	err error
}

func newAsyncWriter(capacity int, sink func([]int16) error) *asyncWriter {
	if capacity <= 0 {
		capacity = 1
	}
	w := &asyncWriter{
		blocks:   make(chan []int16, capacity),
		capacity: capacity,
		done:     make(chan struct{}),
	}
	go w.loop(sink)
	return w
}

func (w *asyncWriter) loop(sink func([]int16) error) {
	defer close(w.done)
	for block := range w.blocks {
		if w.failed() != nil {
			continue
		}
		if err := sink(block); err != nil {
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
		}
	}
}

func (w *asyncWriter) failed() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// enqueue hands block to the writer. A latched write error or a full queue
// is returned instead of waiting.
func (w *asyncWriter) enqueue(block []int16) error {
	if err := w.failed(); err != nil {
		return err
	}
	select {
	case w.blocks <- block:
		return nil
	default:
		return fmt.Errorf("%w: writer queue full (%d blocks)", faults.ErrBackpressure, w.capacity)
	}
}

func (w *asyncWriter) percentFull() float64 {
	return 100 * float64(len(w.blocks)) / float64(w.capacity)
}

// close stops accepting blocks, waits for the queue to drain and returns the
// first write error.
func (w *asyncWriter) close() error {
	close(w.blocks)
	<-w.done
	return w.failed()
}
