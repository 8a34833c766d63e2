package config

import (
	"errors"
	"fmt"
	"strings"

	"neurorec/internal/subset"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateRun(); err != nil {
		return err
	}
	if err := c.validateStreams(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}
	if err := c.validateGate(); err != nil {
		return err
	}
	if err := c.validateTrigger(); err != nil {
		return err
	}
	if err := c.validateWriter(); err != nil {
		return err
	}
	if err := c.validateBuffer(); err != nil {
		return err
	}
	if err := c.validateAcquisition(); err != nil {
		return err
	}
	if err := c.validateMQTT(); err != nil {
		return err
	}
	return c.validateNotifications()
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days: must be >= 0")
	}
	return nil
}

func (c *Config) validateRun() error {
	if strings.ContainsAny(c.Run.Name, `/\`) {
		return errors.New("run.name must not contain path separators")
	}
	if c.Run.FetchPeriodMS <= 0 {
		return errors.New("run.fetch_period_ms must be positive")
	}
	return nil
}

func (c *Config) validateStreams() error {
	if len(c.Probes) == 0 && !c.NIDQ.Enabled {
		return errors.New("at least one probe or nidq.enabled is required")
	}
	for i, p := range c.Probes {
		key := fmt.Sprintf("probes[%d]", i)
		if p.SampleRate <= 0 {
			return fmt.Errorf("%s.sample_rate must be positive", key)
		}
		if err := ensureNonNegativeMap(map[string]int{
			key + ".ap_chans":   p.APChans,
			key + ".lf_chans":   p.LFChans,
			key + ".sync_chans": p.SyncChans,
		}); err != nil {
			return err
		}
		if p.APChans+p.LFChans+p.SyncChans == 0 {
			return fmt.Errorf("%s has no channels", key)
		}
		if p.SyncBit < 0 || p.SyncBit > 15 {
			return fmt.Errorf("%s.sync_bit must be between 0 and 15", key)
		}
		if _, err := subset.Resolve(p.SaveChans, p.APChans+p.LFChans+p.SyncChans); err != nil {
			return fmt.Errorf("%s.save_chans: %w", key, err)
		}
	}
	if !c.NIDQ.Enabled {
		return nil
	}
	if c.NIDQ.SampleRate <= 0 {
		return errors.New("nidq.sample_rate must be positive")
	}
	if err := ensureNonNegativeMap(map[string]int{
		"nidq.neural_chans":  c.NIDQ.NeuralChans,
		"nidq.analog_chans":  c.NIDQ.AnalogChans,
		"nidq.digital_words": c.NIDQ.DigitalWords,
	}); err != nil {
		return err
	}
	n := c.NIDQ.NeuralChans + c.NIDQ.AnalogChans + c.NIDQ.DigitalWords
	if n == 0 {
		return errors.New("nidq has no channels")
	}
	if c.NIDQ.SyncChan >= n {
		return fmt.Errorf("nidq.sync_chan %d exceeds %d channels", c.NIDQ.SyncChan, n)
	}
	if _, err := subset.Resolve(c.NIDQ.SaveChans, n); err != nil {
		return fmt.Errorf("nidq.save_chans: %w", err)
	}
	return nil
}

func (c *Config) validateSync() error {
	switch c.Sync.Source {
	case SyncNone:
		return nil
	case SyncExternal, SyncImec:
		if len(c.Probes) == 0 {
			return fmt.Errorf("sync.source %q requires at least one probe", c.Sync.Source)
		}
	case SyncNIDQ:
		if !c.NIDQ.Enabled || c.NIDQ.SyncChan < 0 {
			return errors.New("sync.source nidq requires nidq.enabled and nidq.sync_chan")
		}
	default:
		return fmt.Errorf("sync.source: unsupported value %q", c.Sync.Source)
	}
	if c.Sync.Period <= 0 {
		return errors.New("sync.period must be positive")
	}
	return nil
}

func (c *Config) validateGate() error {
	switch c.Gate.Mode {
	case GateImmediate, GateRemote:
		return nil
	default:
		return fmt.Errorf("gate.mode: unsupported value %q", c.Gate.Mode)
	}
}

func (c *Config) validateTrigger() error {
	t := c.Trigger
	switch t.Mode {
	case TriggerImmediate, TriggerRemote:
		return nil
	case TriggerTimed:
		if t.Timed.TL0 < 0 || t.Timed.TL < 0 {
			return errors.New("trigger.timed t_l0 and t_l must be >= 0")
		}
		if !t.Timed.InfiniteH && t.Timed.TH <= 0 {
			return errors.New("trigger.timed.t_h must be positive")
		}
		if !t.Timed.InfiniteN && t.Timed.NH <= 0 {
			return errors.New("trigger.timed.n_h must be positive")
		}
		return nil
	case TriggerTTL:
		if !c.HasStream(t.TTL.Stream) {
			return fmt.Errorf("trigger.ttl.stream: unknown stream %q", t.TTL.Stream)
		}
		switch t.TTL.Mode {
		case TTLLatch, TTLFollow:
		case TTLTimed:
			if t.TTL.TH <= 0 {
				return errors.New("trigger.ttl.t_h must be positive in timed mode")
			}
		default:
			return fmt.Errorf("trigger.ttl.mode: unsupported value %q", t.TTL.Mode)
		}
		if t.TTL.Channel < 0 || t.TTL.Channel >= c.StreamChans(t.TTL.Stream) {
			return fmt.Errorf("trigger.ttl.channel %d out of range", t.TTL.Channel)
		}
		if !t.TTL.Analog && (t.TTL.Bit < 0 || t.TTL.Bit > 15) {
			return errors.New("trigger.ttl.bit must be between 0 and 15")
		}
		if t.TTL.Inarow <= 0 {
			return errors.New("trigger.ttl.inarow must be positive")
		}
		if t.TTL.MarginSecs < 0 || t.TTL.RefractSecs < 0 {
			return errors.New("trigger.ttl margin_secs and refract_secs must be >= 0")
		}
		if !t.TTL.InfiniteN && t.TTL.NH <= 0 {
			return errors.New("trigger.ttl.n_h must be positive")
		}
		return nil
	case TriggerSpike:
		if !c.HasStream(t.Spike.Stream) {
			return fmt.Errorf("trigger.spike.stream: unknown stream %q", t.Spike.Stream)
		}
		if t.Spike.Channel < 0 || t.Spike.Channel >= c.StreamChans(t.Spike.Stream) {
			return fmt.Errorf("trigger.spike.channel %d out of range", t.Spike.Channel)
		}
		if t.Spike.Inarow <= 0 {
			return errors.New("trigger.spike.inarow must be positive")
		}
		if t.Spike.PeriEvtSecs <= 0 {
			return errors.New("trigger.spike.peri_event_secs must be positive")
		}
		if t.Spike.RefractSecs < 0 {
			return errors.New("trigger.spike.refract_secs must be >= 0")
		}
		if !t.Spike.InfiniteN && t.Spike.NS <= 0 {
			return errors.New("trigger.spike.n_s must be positive")
		}
		return nil
	default:
		return fmt.Errorf("trigger.mode: unsupported value %q", t.Mode)
	}
}

func (c *Config) validateWriter() error {
	if c.Writer.QueueCapacity <= 0 {
		return errors.New("writer.queue_capacity must be positive")
	}
	if c.Writer.StopPercent <= 0 || c.Writer.StopPercent > 100 {
		return errors.New("writer.stop_percent must be in (0, 100]")
	}
	return nil
}

func (c *Config) validateBuffer() error {
	b := c.Buffer
	if b.MemoryFraction <= 0 || b.MemoryFraction > 1 {
		return errors.New("buffer.memory_fraction must be in (0, 1]")
	}
	if b.ReserveGiB < 0 {
		return errors.New("buffer.reserve_gib must be >= 0")
	}
	if b.MinSeconds <= 0 {
		return errors.New("buffer.min_seconds must be positive")
	}
	if b.MaxSeconds < b.MinSeconds {
		return errors.New("buffer.max_seconds must be >= buffer.min_seconds")
	}
	return nil
}

func (c *Config) validateAcquisition() error {
	if c.Acquisition.Source != SourceSim {
		return fmt.Errorf("acquisition.source: unsupported value %q", c.Acquisition.Source)
	}
	return ensurePositiveMap(map[string]int{
		"acquisition.block_ms": c.Acquisition.BlockMS,
	})
}

func (c *Config) validateMQTT() error {
	if !c.MQTT.Enabled {
		return nil
	}
	if strings.TrimSpace(c.MQTT.Broker) == "" {
		return errors.New("mqtt.broker must be set when mqtt.enabled is true")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return errors.New("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	topic := strings.TrimSpace(c.Notifications.NtfyTopic)
	if topic != "" && !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		return fmt.Errorf("notifications.ntfy_topic: expected an http(s) URL, got %q", topic)
	}
	if c.Notifications.RequestTimeout < 0 {
		return errors.New("notifications.request_timeout must not be negative")
	}
	if c.Notifications.MinFreeGiB < 0 {
		return errors.New("notifications.min_free_gib must not be negative")
	}
	return nil
}

// StreamIDs lists the configured stream identifiers, probes first.
func (c *Config) StreamIDs() []string {
	ids := make([]string, 0, len(c.Probes)+1)
	for i := range c.Probes {
		ids = append(ids, fmt.Sprintf("imec%d", i))
	}
	if c.NIDQ.Enabled {
		ids = append(ids, "nidq")
	}
	return ids
}

// HasStream reports whether id names a configured stream.
func (c *Config) HasStream(id string) bool {
	for _, s := range c.StreamIDs() {
		if s == id {
			return true
		}
	}
	return false
}

// StreamChans returns the acquired channel count of stream id, or 0.
func (c *Config) StreamChans(id string) int {
	if id == "nidq" {
		if !c.NIDQ.Enabled {
			return 0
		}
		return c.NIDQ.NeuralChans + c.NIDQ.AnalogChans + c.NIDQ.DigitalWords
	}
	var ip int
	if _, err := fmt.Sscanf(id, "imec%d", &ip); err != nil || ip < 0 || ip >= len(c.Probes) {
		return 0
	}
	p := c.Probes[ip]
	return p.APChans + p.LFChans + p.SyncChans
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

func ensureNonNegativeMap(values map[string]int) error {
	for key, value := range values {
		if value < 0 {
			return fmt.Errorf("%s must be >= 0", key)
		}
	}
	return nil
}
