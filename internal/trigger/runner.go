package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"neurorec/internal/config"
	"neurorec/internal/faults"
	"neurorec/internal/gate"
	"neurorec/internal/logging"
)

const (
	windowLoopPeriod = 100 * time.Millisecond
	minLoopSleep     = 10 * time.Millisecond
	statusInterval   = time.Second
)

// Machine is one trigger policy. Advance is called once per loop iteration
// while the gate is high and the machine is not done.
type Machine interface {
	Advance(ctx context.Context, now time.Time) error
	IsDone() bool
	Reset()
	Detail(active bool) string
}

// remoteLevel is implemented by policies driven by an external level.
type remoteLevel interface {
	SetTrigger(hi bool)
}

// Status is the latest status snapshot of a running trigger.
type Status struct {
	Mode      string
	Line      string
	Gate      gate.State
	Recording bool
	Files     []string
	Perf      Perf
	At        time.Time
}

// Runner drives a Machine on a fixed cadence.
type Runner struct {
	base    *Base
	machine Machine
	mode    string
	period  time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	status     Status
	lastStatus time.Time
	onStatus   func(Status)
}

// New builds the policy selected by the configuration.
func New(base *Base) (*Runner, error) {
	cfg := base.cfg
	var (
		m      Machine
		err    error
		period = cfg.FetchPeriod()
	)
	switch cfg.Trigger.Mode {
	case config.TriggerImmediate:
		m = newImmediate(base)
	case config.TriggerTimed:
		m = newTimed(base, cfg.Trigger.Timed)
		period = windowLoopPeriod
	case config.TriggerTTL:
		m, err = newTTL(base, cfg.Trigger.TTL)
	case config.TriggerSpike:
		m, err = newSpike(base, cfg.Trigger.Spike)
		period = windowLoopPeriod
	case config.TriggerRemote:
		m = newRemote(base)
	default:
		err = faults.Wrap(faults.ErrConfiguration, "trigger", "init",
			fmt.Sprintf("unsupported trigger mode %q", cfg.Trigger.Mode), nil)
	}
	if err != nil {
		return nil, err
	}
	if period <= 0 {
		period = windowLoopPeriod
	}
	return &Runner{
		base:    base,
		machine: m,
		mode:    cfg.Trigger.Mode,
		period:  period,
		logger:  base.logger,
	}, nil
}

// Base exposes the shared trigger state.
func (r *Runner) Base() *Base { return r.base }

// Machine exposes the active policy.
func (r *Runner) Machine() Machine { return r.machine }

// Period is the loop cadence.
func (r *Runner) Period() time.Duration { return r.period }

// OnStatus registers a callback invoked with each status snapshot.
func (r *Runner) OnStatus(fn func(Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStatus = fn
}

// SetTrigger drives the remote policy's level.
func (r *Runner) SetTrigger(hi bool) error {
	rl, ok := r.machine.(remoteLevel)
	if !ok {
		return faults.Wrap(faults.ErrValidation, "trigger", "set trigger",
			fmt.Sprintf("trigger mode %q is not remote", r.mode), nil)
	}
	rl.SetTrigger(hi)
	return nil
}

// Run loops until ctx is cancelled or a fatal error occurs, then closes
// every file. Each iteration sleeps the remainder of the loop period, and
// at least minLoopSleep.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("trigger loop started", logging.String("mode", r.mode), logging.Duration("period", r.period))
	var runErr error
	for {
		loopStart := time.Now()
		if err := r.Step(ctx); err != nil {
			runErr = err
			break
		}
		if r.base.now().Sub(r.lastStatusTime()) >= statusInterval {
			r.publishStatus()
		}

		wait := r.period - time.Since(loopStart)
		if wait <= 0 {
			wait = minLoopSleep
		}
		select {
		case <-ctx.Done():
			return errors.Join(runErr, r.endRun())
		case <-time.After(wait):
		}
	}
	return errors.Join(runErr, r.endRun())
}

func (r *Runner) endRun() error {
	err := r.base.EndRun()
	r.publishStatus()
	r.logger.Info("trigger loop stopped")
	return err
}

// Step runs one loop iteration. Recoverable errors are logged and
// swallowed; fatal ones are returned.
func (r *Runner) Step(ctx context.Context) error {
	r.base.updateSync()
	if err := r.base.Err(); err != nil {
		return err
	}
	if !r.base.gate.IsHigh() || r.machine.IsDone() {
		r.base.endTrig()
		r.machine.Reset()
		return nil
	}
	err := r.machine.Advance(ctx, r.base.now())
	if err == nil {
		return nil
	}
	if faults.IsFatal(err) {
		logging.ErrorWithContext(r.logger, "trigger stopped recording", "trigger_fatal",
			logging.String(logging.FieldErrorHint, "inspect disk throughput and free space; the run will stop"),
			logging.Error(err),
		)
		return err
	}
	r.logger.Debug("trigger advance deferred", logging.Error(err))
	return nil
}

func (r *Runner) lastStatusTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastStatus
}

func (r *Runner) publishStatus() {
	active := r.base.gate.IsHigh() && !r.machine.IsDone()
	files := r.base.OpenFiles()
	perf := r.base.WritePerf()
	st := r.base.gate.Snapshot()
	line := r.base.statusLine(st, r.machine.Detail(active), perf)
	status := Status{
		Mode:      r.mode,
		Line:      line,
		Gate:      st,
		Recording: len(files) > 0,
		Files:     files,
		Perf:      perf,
		At:        r.base.now(),
	}

	r.mu.Lock()
	r.status = status
	r.lastStatus = status.At
	fn := r.onStatus
	r.mu.Unlock()

	r.logger.Debug("status", logging.String("line", line))
	if fn != nil {
		fn(status)
	}
}

// Status returns the latest snapshot.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
