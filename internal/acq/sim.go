package acq

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"neurorec/internal/faults"
	"neurorec/internal/logging"
)

const (
	simSineAmplitude = 60.0
	simLFAmplitude   = 200.0
	simSpikePeak     = -400.0
	simSpikeSecs     = 0.001
	simAnalogPeak    = 4000.0
)

// Layout places the simulated signals inside a scan.
type Layout struct {
	NChans int
	// Neural channels [0, Neural) carry noise, a slow sine and spikes.
	Neural int
	// LF channels [LFFrom, LFTo) carry a low-frequency oscillation.
	LFFrom int
	LFTo   int
	// Words trailing channels are digital words, zero unless they hold sync.
	Words int
	// SyncChan is the word channel holding the sync square wave, or -1.
	SyncChan   int
	SyncBit    int
	SyncPeriod float64
}

// SimOptions configures a simulated source.
type SimOptions struct {
	Stream     string
	SampleRate float64
	Layout     Layout
	BlockMS    int
	SpikeRate  float64
	NoiseLevel int
	Seed       uint64
	Sink       Sink
	Logger     *slog.Logger
}

// Sim generates deterministic synthetic data paced by the wall clock.
type Sim struct {
	opts   SimOptions
	logger *slog.Logger
	rng    *rand.Rand

	mu      sync.Mutex
	running bool
	paused  bool
	err     error
	origin  time.Time
	next    uint64
	spikeAt map[int]uint64

	stopCh chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewSim validates opts and returns a stopped source.
func NewSim(opts SimOptions) (*Sim, error) {
	if opts.SampleRate <= 0 || opts.Layout.NChans <= 0 {
		return nil, faults.Wrap(faults.ErrConfiguration, "acq", "sim",
			fmt.Sprintf("stream %s needs a positive rate and channel count", opts.Stream), nil)
	}
	if opts.Sink == nil {
		return nil, faults.Wrap(faults.ErrConfiguration, "acq", "sim", "sink is required", nil)
	}
	if opts.BlockMS <= 0 {
		opts.BlockMS = 10
	}
	if opts.Layout.SyncPeriod <= 0 {
		opts.Layout.SyncPeriod = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Sim{
		opts:    opts,
		logger:  logging.NewComponentLogger(logger, "acq").With(logging.String(logging.FieldStream, opts.Stream)),
		rng:     rand.New(rand.NewPCG(opts.Seed, uint64(len(opts.Stream)))),
		spikeAt: make(map[int]uint64),
		done:    make(chan struct{}),
	}, nil
}

func (s *Sim) Stream() string { return s.opts.Stream }

// Start launches the producer. Blocks are emitted every BlockMS holding
// every scan due since the previous block.
func (s *Sim) Start(ctx context.Context, origin time.Time) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return faults.Wrap(faults.ErrValidation, "acq", "start", "source already running", nil)
	}
	s.running = true
	s.origin = origin
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("simulated source starting",
		logging.Float64("sample_rate", s.opts.SampleRate),
		logging.Int("channels", s.opts.Layout.NChans),
	)
	s.wg.Add(1)
	go s.produce(ctx)
	return nil
}

func (s *Sim) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *Sim) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *Sim) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("simulated source stopped", logging.Uint64("scans", s.produced()))
	return s.Err()
}

func (s *Sim) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Sim) Done() <-chan struct{} { return s.done }

func (s *Sim) produced() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Sim) produce(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.done)

	ticker := time.NewTicker(time.Duration(s.opts.BlockMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			if err := s.emit(now); err != nil {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				logging.ErrorWithContext(s.logger, "simulated source stopped on sink error", "acq_sink_failed",
					logging.String(logging.FieldErrorHint, "the stream queue rejected a block"),
					logging.Error(err),
				)
				return
			}
		}
	}
}

// emit delivers every scan due by now. Paused intervals are skipped so
// the next block starts at the current count.
func (s *Sim) emit(now time.Time) error {
	due := uint64(math.Max(0, now.Sub(s.origin).Seconds()*s.opts.SampleRate))
	s.mu.Lock()
	from, paused := s.next, s.paused
	if due > from {
		s.next = due
	}
	s.mu.Unlock()
	if paused || due <= from {
		return nil
	}
	return s.opts.Sink(s.Generate(from, int(due-from)), from)
}

// Generate returns n scans starting at count ct0.
func (s *Sim) Generate(ct0 uint64, n int) []int16 {
	lay := s.opts.Layout
	srate := s.opts.SampleRate
	out := make([]int16, n*lay.NChans)
	spikeLen := max(1, uint64(simSpikeSecs*srate))
	pSpike := s.opts.SpikeRate / srate
	halfSync := uint64(lay.SyncPeriod * srate / 2)

	for i := range n {
		ct := ct0 + uint64(i)
		tSec := float64(ct) / srate
		scan := out[i*lay.NChans : (i+1)*lay.NChans]
		for c := range scan {
			var v float64
			switch {
			case c < lay.Neural:
				v = simSineAmplitude * math.Sin(2*math.Pi*(5+float64(c%7))*tSec)
				if s.opts.NoiseLevel > 0 {
					v += s.rng.NormFloat64() * float64(s.opts.NoiseLevel)
				}
				if start, ok := s.spikeAt[c]; ok && ct-start < spikeLen {
					v += simSpikePeak * (1 - float64(ct-start)/float64(spikeLen))
				} else if pSpike > 0 && s.rng.Float64() < pSpike {
					s.spikeAt[c] = ct
					v += simSpikePeak
				}
			case c >= lay.LFFrom && c < lay.LFTo:
				v = simLFAmplitude * math.Sin(2*math.Pi*2*tSec)
			case c == lay.SyncChan || c >= lay.NChans-lay.Words:
				continue
			default:
				v = simAnalogPeak * math.Sin(2*math.Pi*1*tSec)
			}
			scan[c] = int16(max(math.MinInt16, min(math.MaxInt16, math.Round(v))))
		}
		if lay.SyncChan >= 0 && lay.SyncChan < lay.NChans && halfSync > 0 && (ct/halfSync)%2 == 0 {
			scan[lay.SyncChan] = int16(1) << uint(lay.SyncBit)
		}
	}
	return out
}
