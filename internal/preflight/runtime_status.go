package preflight

import (
	"fmt"
	"time"

	"neurorec/internal/config"
)

// DataRate returns the bytes per second written when every configured stream
// records all of its acquired channels. Saved subsets only lower it.
func DataRate(cfg *config.Config) float64 {
	if cfg == nil {
		return 0
	}
	var rate float64
	for i, p := range cfg.Probes {
		rate += p.SampleRate * float64(cfg.StreamChans(fmt.Sprintf("imec%d", i))) * 2
	}
	if cfg.NIDQ.Enabled {
		rate += cfg.NIDQ.SampleRate * float64(cfg.StreamChans("nidq")) * 2
	}
	return rate
}

// Headroom estimates how long the data directory can absorb a recording at
// the full configured data rate.
func Headroom(cfg *config.Config) (time.Duration, error) {
	free, err := FreeBytes(cfg.Paths.DataDir)
	if err != nil {
		return 0, err
	}
	rate := DataRate(cfg)
	if rate <= 0 {
		return 0, nil
	}
	secs := float64(free) / rate
	if secs > float64(1<<62)/float64(time.Second) {
		secs = float64(1<<62) / float64(time.Second)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// CheckRecordingHeadroom reports the continuous recording time left on the
// data directory. It fails below one hour.
func CheckRecordingHeadroom(cfg *config.Config) Result {
	const name = "Recording headroom"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	rate := DataRate(cfg)
	if rate <= 0 {
		return Result{Name: name, Detail: "no streams configured"}
	}
	left, err := Headroom(cfg)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: statfs: %v)", cfg.Paths.DataDir, err)}
	}
	detail := fmt.Sprintf("%s at %.1f MiB/s", left.Round(time.Minute), rate/(1<<20))
	if left < time.Hour {
		return Result{Name: name, Detail: detail + " (below 1h)"}
	}
	return Result{Name: name, Passed: true, Detail: detail}
}
