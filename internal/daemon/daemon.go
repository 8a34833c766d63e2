package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"neurorec/internal/catalog"
	"neurorec/internal/config"
	"neurorec/internal/faults"
	"neurorec/internal/logging"
	"neurorec/internal/notifications"
	"neurorec/internal/preflight"
	"neurorec/internal/remote"
	"neurorec/internal/run"
	"neurorec/internal/trigger"
)

// logFilePattern matches daemon log files in the log directory.
const logFilePattern = "neurorecd-*.log"

const notifyTimeout = 15 * time.Second

// Daemon owns the recording session and enforces single-instance execution.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	hub     *logging.StreamHub
	catalog *catalog.Store
	logPath string

	lockPath string
	lock     *flock.Flock
	devices  *deviceMonitor
	remote   *remote.Handler
	notifier notifications.Service

	mu      sync.Mutex
	current *run.Run
	last    *run.Run

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New constructs a daemon. logPath is the active log file kept by log
// retention; hub may be nil.
func New(cfg *config.Config, store *catalog.Store, logger *slog.Logger, logPath string, hub *logging.StreamHub) (*Daemon, error) {
	if cfg == nil || store == nil || logger == nil {
		return nil, errors.New("daemon requires config, catalog and logger")
	}
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		hub:      hub,
		catalog:  store,
		logPath:  logPath,
		lockPath: cfg.Paths.LockPath,
		lock:     flock.New(cfg.Paths.LockPath),
		notifier: notifications.NewService(cfg),
	}
	d.devices = newDeviceMonitor(cfg.Devices, logger, d.deviceRemoved)
	return d, nil
}

// Start acquires the daemon lock, prunes old logs, starts the device monitor
// and the MQTT handler, and starts a session when run.auto_start is set.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another neurorec daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running.Store(true)

	if days := d.cfg.Logging.RetentionDays; days > 0 {
		logging.PruneLogs(d.logger, d.cfg.Paths.LogDir, logFilePattern, d.logPath, days)
	}
	d.runPreflight()
	if err := d.devices.Start(d.ctx); err != nil {
		d.logger.Debug("device monitor not started", logging.Error(err))
	}
	if d.cfg.MQTT.Enabled {
		d.startRemote()
	}

	d.logger.Info("neurorec daemon started", logging.String("lock", d.lockPath))
	if d.cfg.Run.AutoStart {
		if _, err := d.StartRun(d.ctx); err != nil {
			logging.ErrorWithContext(d.logger, "automatic session start failed", "run_autostart_failed",
				logging.String(logging.FieldErrorHint, "check the configuration and start the run with neurorec start"),
				logging.Error(err),
			)
		}
	}
	return nil
}

// runPreflight logs failed readiness checks and publishes low disk space.
func (d *Daemon) runPreflight() {
	for _, res := range preflight.Failed(preflight.RunAll(d.ctx, d.cfg)) {
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", res.Name),
			logging.String("detail", res.Detail),
			logging.String(logging.FieldImpact, "sessions may fail until this is fixed"),
		)
		if res.Name == "Disk space" {
			free, _ := preflight.FreeBytes(d.cfg.Paths.DataDir)
			d.notify(notifications.EventLowDiskSpace, notifications.Payload{
				"path":     d.cfg.Paths.DataDir,
				"free_gib": fmt.Sprintf("%.1f", float64(free)/(1<<30)),
			})
		}
	}
}

// notify publishes in the background.
func (d *Daemon) notify(event notifications.Event, payload notifications.Payload) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := d.notifier.Publish(ctx, event, payload); err != nil {
			logging.WarnWithContext(d.logger, "notification failed", "notification_failed",
				logging.String("event", string(event)),
				logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
				logging.Error(err),
			)
		}
	}()
}

// TestNotification sends a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.Publish(ctx, notifications.EventTest, nil); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// startRemote connects to the broker. A broker outage leaves the daemon
// usable over IPC.
func (d *Daemon) startRemote() {
	client, err := remote.Connect(d.cfg.MQTT, d.logger)
	if err != nil {
		logging.WarnWithContext(d.logger, "mqtt unavailable; remote commands disabled", "mqtt_connect_failed",
			logging.String("broker", d.cfg.MQTT.Broker),
			logging.String(logging.FieldErrorHint, "check mqtt.broker and that the broker is running"),
			logging.String(logging.FieldImpact, "gate and trigger can only be driven over IPC"),
			logging.Error(err),
		)
		return
	}
	h := remote.NewHandler(d.cfg.MQTT, client, d, d.logger)
	if err := h.Start(d.ctx); err != nil {
		logging.WarnWithContext(d.logger, "mqtt command subscription failed", "mqtt_subscribe_failed",
			logging.String(logging.FieldErrorHint, "check broker ACLs for the command topic"),
			logging.Error(err),
		)
		client.Disconnect(250)
		return
	}
	d.remote = h
}

// Stop ends any session and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if _, err := d.StopRun(); err != nil && !errors.Is(err, faults.ErrValidation) {
		d.logger.Warn("session ended with error", logging.Error(err))
	}
	if d.remote != nil {
		d.remote.Stop()
		d.remote = nil
	}
	d.devices.Stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("neurorec daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.catalog != nil {
		return d.catalog.Close()
	}
	return nil
}

// Running reports whether the daemon has been started.
func (d *Daemon) Running() bool { return d.running.Load() }

// StartRun starts a new recording session. The session lives until StopRun,
// a fatal error or daemon shutdown.
func (d *Daemon) StartRun(_ context.Context) (*run.Run, error) {
	if !d.running.Load() {
		return nil, faults.Wrap(faults.ErrValidation, "daemon", "start run", "daemon not started", nil)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil {
		return nil, faults.Wrap(faults.ErrValidation, "daemon", "start run",
			fmt.Sprintf("session %s is already running", d.current.ID()), nil)
	}

	r, err := run.New(run.Options{Config: d.cfg, Logger: d.logger, Catalog: d.catalog})
	if err != nil {
		return nil, err
	}
	if d.remote != nil {
		h := d.remote
		r.OnStatus(func(trigger.Status) {
			h.PublishStatus(statusData(r))
		})
	}
	if err := r.Start(logging.WithRunID(d.ctx, r.ID())); err != nil {
		return nil, err
	}
	d.current = r
	d.notify(notifications.EventSessionStarted, notifications.Payload{"name": r.Status().Name, "dir": r.Dir()})
	go d.reap(r)
	return r, nil
}

// reap retires r once it has stopped for any reason and announces how it
// ended.
func (d *Daemon) reap(r *run.Run) {
	<-r.Done()
	d.mu.Lock()
	if d.current == r {
		d.current = nil
		d.last = r
	}
	d.mu.Unlock()

	st := r.Status()
	if err := r.Err(); err != nil {
		d.notify(notifications.EventSessionFailed, notifications.Payload{"name": st.Name, "error": err.Error()})
		return
	}
	d.notify(notifications.EventSessionEnded, notifications.Payload{
		"name":     st.Name,
		"duration": st.EndedAt.Sub(st.StartedAt).Round(time.Second).String(),
		"segments": st.Segments,
	})
}

// StopRun ends the current session and returns it.
func (d *Daemon) StopRun() (*run.Run, error) {
	d.mu.Lock()
	r := d.current
	d.mu.Unlock()
	if r == nil {
		return nil, faults.Wrap(faults.ErrValidation, "daemon", "stop run", "no session is running", nil)
	}
	err := r.Stop()
	<-r.Done()
	d.mu.Lock()
	if d.current == r {
		d.current = nil
		d.last = r
	}
	d.mu.Unlock()
	return r, err
}

// CurrentRun returns the running session or nil.
func (d *Daemon) CurrentRun() *run.Run {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// LastRun returns the most recently ended session or nil.
func (d *Daemon) LastRun() *run.Run {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *Daemon) active(op string) (*run.Run, error) {
	r := d.CurrentRun()
	if r == nil {
		return nil, faults.Wrap(faults.ErrValidation, "daemon", op, "no session is running", nil)
	}
	return r, nil
}

// SetRecordingEnabled toggles recording in the current session.
func (d *Daemon) SetRecordingEnabled(on bool) error {
	r, err := d.active("set recording enabled")
	if err != nil {
		return err
	}
	r.SetRecordingEnabled(on)
	return nil
}

// SetGate drives the remote gate level.
func (d *Daemon) SetGate(hi bool) error {
	r, err := d.active("set gate")
	if err != nil {
		return err
	}
	return r.SetGate(hi)
}

// SetTrigger drives the remote trigger level.
func (d *Daemon) SetTrigger(hi bool) error {
	r, err := d.active("set trigger")
	if err != nil {
		return err
	}
	return r.SetTrigger(hi)
}

// SetNextFileName names the next segment of the current session.
func (d *Daemon) SetNextFileName(name string) error {
	r, err := d.active("set next file name")
	if err != nil {
		return err
	}
	return r.SetNextFileName(name)
}

// ForceCounters overrides the next gate and trigger indices.
func (d *Daemon) ForceCounters(g, t int) error {
	r, err := d.active("force counters")
	if err != nil {
		return err
	}
	return r.ForceCounters(g, t)
}

// SetMetadata merges remote metadata into the current session's files.
func (d *Daemon) SetMetadata(kv map[string]string) error {
	r, err := d.active("set metadata")
	if err != nil {
		return err
	}
	return r.SetMetadata(kv)
}

// PauseAcquisition suspends every source of the current session.
func (d *Daemon) PauseAcquisition() error {
	r, err := d.active("pause")
	if err != nil {
		return err
	}
	r.Pause()
	return nil
}

// ResumeAcquisition resumes every source of the current session.
func (d *Daemon) ResumeAcquisition() error {
	r, err := d.active("resume")
	if err != nil {
		return err
	}
	r.Resume()
	return nil
}

// StatusData summarizes the daemon for remote status queries.
func (d *Daemon) StatusData() map[string]any {
	if r := d.CurrentRun(); r != nil {
		return statusData(r)
	}
	return map[string]any{"running": false}
}

func statusData(r *run.Run) map[string]any {
	st := r.Status()
	return map[string]any{
		"running":  st.Running,
		"run_id":   st.ID,
		"name":     st.Name,
		"line":     st.Trigger.Line,
		"enabled":  st.Trigger.Gate.Enabled,
		"g":        st.Trigger.Gate.G,
		"t":        st.Trigger.Gate.T,
		"segments": st.Segments,
	}
}

// ListSegments queries the segment catalog.
func (d *Daemon) ListSegments(ctx context.Context, f catalog.Filter) ([]catalog.Segment, error) {
	return d.catalog.ListSegments(ctx, f)
}

// LogHub returns the in-memory log buffer served by LogTail.
func (d *Daemon) LogHub() *logging.StreamHub { return d.hub }

// Paths returns the configured filesystem locations.
func (d *Daemon) Paths() config.Paths { return d.cfg.Paths }

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string { return d.logPath }

// LogFileName returns a fresh log file name under dir for a daemon start
// identified by stamp.
func LogFileName(dir, stamp string) string {
	return filepath.Join(dir, "neurorecd-"+stamp+".log")
}

// deviceRemoved stops the session when acquisition hardware disappears.
func (d *Daemon) deviceRemoved(dev string) {
	r := d.CurrentRun()
	if r == nil {
		return
	}
	logging.ErrorWithContext(d.logger, "acquisition device removed; stopping session", "device_removed",
		logging.String("device", dev),
		logging.String(logging.FieldRunID, r.ID()),
		logging.String(logging.FieldErrorHint, "reconnect the hardware and start a new session"),
		logging.String(logging.FieldImpact, "recording stopped; finalized segments are intact"),
	)
	d.notify(notifications.EventDeviceRemoved, notifications.Payload{"device": dev})
	if _, err := d.StopRun(); err != nil && !errors.Is(err, faults.ErrValidation) {
		d.logger.Warn("session ended with error after device removal", logging.Error(err))
	}
}
