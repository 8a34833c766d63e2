package run

import (
	"log/slog"

	"neurorec/internal/acq"
	"neurorec/internal/clocksync"
	"neurorec/internal/config"
	"neurorec/internal/logging"
	"neurorec/internal/streamq"
	"neurorec/internal/subset"
	"neurorec/internal/trigger"
)

// syncKeepEdges bounds the sync pulses each tracker retains.
const syncKeepEdges = 64

// streamPlan is one acquisition stream before its queue exists.
type streamPlan struct {
	id     string
	probe  int
	srate  float64
	layout acq.Layout
	nAP    int
	nLF    int
	apSave []int
	lfSave []int
	save   []int
}

func (p streamPlan) bytesPerSec() float64 {
	return p.srate * float64(2*p.layout.NChans)
}

// planStreams lays out every configured stream, probes first.
func planStreams(cfg *config.Config) ([]streamPlan, error) {
	plans := make([]streamPlan, 0, len(cfg.Probes)+1)
	ids := cfg.StreamIDs()
	for ip, p := range cfg.Probes {
		n := p.APChans + p.LFChans + p.SyncChans
		saved, err := subset.Resolve(p.SaveChans, n)
		if err != nil {
			return nil, err
		}
		apSave := append(subset.Filter(saved, 0, p.APChans), subset.Filter(saved, p.APChans+p.LFChans, n)...)
		var lfSave []int
		if lf := subset.Filter(saved, p.APChans, p.APChans+p.LFChans); len(lf) > 0 {
			lfSave = append(lf, subset.Filter(saved, p.APChans+p.LFChans, n)...)
		}
		syncChan := -1
		if p.SyncChans > 0 {
			syncChan = p.APChans + p.LFChans
		}
		plans = append(plans, streamPlan{
			id:    ids[ip],
			probe: ip,
			srate: p.SampleRate,
			layout: acq.Layout{
				NChans:     n,
				Neural:     p.APChans,
				LFFrom:     p.APChans,
				LFTo:       p.APChans + p.LFChans,
				Words:      p.SyncChans,
				SyncChan:   syncChan,
				SyncBit:    p.SyncBit,
				SyncPeriod: cfg.Sync.Period,
			},
			nAP:    p.APChans,
			nLF:    p.LFChans,
			apSave: apSave,
			lfSave: lfSave,
		})
	}
	if cfg.NIDQ.Enabled {
		ni := cfg.NIDQ
		n := ni.NeuralChans + ni.AnalogChans + ni.DigitalWords
		saved, err := subset.Resolve(ni.SaveChans, n)
		if err != nil {
			return nil, err
		}
		plans = append(plans, streamPlan{
			id:    "nidq",
			probe: -1,
			srate: ni.SampleRate,
			layout: acq.Layout{
				NChans:     n,
				Neural:     ni.NeuralChans,
				Words:      ni.DigitalWords,
				SyncChan:   ni.SyncChan,
				SyncBit:    ni.SyncBit,
				SyncPeriod: cfg.Sync.Period,
			},
			save: saved,
		})
	}
	return plans, nil
}

// queueSeconds picks the span every queue retains from the combined data
// rate and the memory currently available.
func queueSeconds(cfg *config.Config, plans []streamPlan, logger *slog.Logger) float64 {
	var bps float64
	for _, p := range plans {
		bps += p.bytesPerSec()
	}
	policy := streamq.SpanPolicy{
		MemoryFraction: cfg.Buffer.MemoryFraction,
		ReserveBytes:   uint64(cfg.Buffer.ReserveGiB * (1 << 30)),
		MinSeconds:     cfg.Buffer.MinSeconds,
		MaxSeconds:     cfg.Buffer.MaxSeconds,
	}
	avail, err := streamq.AvailableMemory()
	if err != nil {
		logging.WarnWithContext(logger, "free memory unknown; using minimum queue span", "queue_sizing_fallback",
			logging.String(logging.FieldErrorHint, "queues hold the configured minimum seconds"),
			logging.Error(err),
		)
		return cfg.Buffer.MinSeconds
	}
	res := streamq.SpanSeconds(policy, bps, avail)
	if res.LimitedByRAM {
		logging.WarnWithContext(logger, "queue span limited by available memory", "queue_limited_by_ram",
			logging.Float64("seconds", res.Seconds),
			logging.String(logging.FieldErrorHint, "free memory or lower buffer.memory_fraction demands; triggers see less history"),
		)
	}
	logger.Info("stream queues sized",
		logging.Float64("seconds", res.Seconds),
		logging.Float64("mb_per_sec", bps/1e6),
		logging.Bool("capped", res.Capped),
	)
	return res.Seconds
}

// buildStreams allocates one queue per plan and attaches sync trackers when
// a sync source is configured.
func buildStreams(cfg *config.Config, plans []streamPlan, secs float64) []*trigger.Stream {
	streams := make([]*trigger.Stream, len(plans))
	for i, p := range plans {
		q := streamq.NewForSeconds(p.srate, p.layout.NChans, secs)
		s := &trigger.Stream{
			ID:     p.id,
			Probe:  p.probe,
			Queue:  q,
			NAP:    p.nAP,
			NLF:    p.nLF,
			APSave: p.apSave,
			LFSave: p.lfSave,
			Save:   p.save,
		}
		if cfg.Sync.Source != config.SyncNone && p.layout.SyncChan >= 0 {
			s.Sync = clocksync.NewTracker(p.id, q, p.layout.SyncChan, p.layout.SyncBit, syncKeepEdges)
		}
		streams[i] = s
	}
	return streams
}
