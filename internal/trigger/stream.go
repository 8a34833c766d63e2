package trigger

import (
	"errors"
	"time"

	"neurorec/internal/clocksync"
	"neurorec/internal/datafile"
	"neurorec/internal/streamq"
)

// Stream is one acquisition stream as seen by the trigger. Probe streams
// carry AP, LF and sync channels at the AP rate; APSave and LFSave select
// the channels of the two derived files. The generic device uses Save.
type Stream struct {
	ID     string
	Probe  int
	Queue  *streamq.Queue
	NAP    int
	NLF    int
	APSave []int
	LFSave []int
	Save   []int
	Sync   *clocksync.Tracker
}

// IsProbe reports whether s is an implanted probe stream.
func (s *Stream) IsProbe() bool { return s.Probe >= 0 }

// HasLF reports whether s writes a decimated LF file.
func (s *Stream) HasLF() bool { return s.IsProbe() && len(s.LFSave) > 0 }

func (s *Stream) syncStream() clocksync.Stream {
	if s.Sync != nil {
		return s.Sync.Stream()
	}
	return clocksync.Nominal(s.ID, s.Queue)
}

func (s *Stream) labels() (ap, lf string) {
	if !s.IsProbe() {
		return datafile.LabelNIDQ, ""
	}
	return datafile.APLabel(s.Probe), datafile.LFLabel(s.Probe)
}

// countAt maps wall time t to a count of s. Times older than the retained
// history clamp to the oldest scan.
func (s *Stream) countAt(t time.Time) (uint64, error) {
	ct, err := s.Queue.MapTimeToCount(t)
	if errors.Is(err, streamq.ErrOverwritten) {
		return s.Queue.OldestCount(), nil
	}
	return ct, err
}

// secsToCount converts a duration in seconds to a whole number of scans.
func secsToCount(secs, srate float64) uint64 {
	if secs <= 0 {
		return 0
	}
	return uint64(secs*srate + 0.5)
}
