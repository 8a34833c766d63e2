package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.normalizeRun()
	c.normalizeStreams()
	c.normalizeModes()
	c.normalizeMQTT()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv("NEURO_DATA_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.DataDir = strings.TrimSpace(value)
	}
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.SocketPath) == "" {
		c.Paths.SocketPath = defaultSocketPath
	}
	if c.Paths.SocketPath, err = expandPath(c.Paths.SocketPath); err != nil {
		return fmt.Errorf("paths.socket_path: %w", err)
	}
	if strings.TrimSpace(c.Paths.LockPath) == "" {
		c.Paths.LockPath = defaultLockPath
	}
	if c.Paths.LockPath, err = expandPath(c.Paths.LockPath); err != nil {
		return fmt.Errorf("paths.lock_path: %w", err)
	}
	if strings.TrimSpace(c.Paths.CatalogPath) == "" {
		c.Paths.CatalogPath = defaultCatalogPath
	}
	if c.Paths.CatalogPath, err = expandPath(c.Paths.CatalogPath); err != nil {
		return fmt.Errorf("paths.catalog_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeRun() {
	c.Run.Name = strings.TrimSpace(c.Run.Name)
	if c.Run.Name == "" {
		c.Run.Name = defaultRunName
	}
	if c.Run.FetchPeriodMS == 0 {
		c.Run.FetchPeriodMS = defaultFetchPeriodMS
	}
}

func (c *Config) normalizeStreams() {
	for i := range c.Probes {
		p := &c.Probes[i]
		p.SaveChans = strings.ToLower(strings.TrimSpace(p.SaveChans))
		if p.SaveChans == "" {
			p.SaveChans = "all"
		}
		if p.MaxInt == 0 {
			p.MaxInt = defaultProbeMaxInt
		}
	}
	c.NIDQ.SaveChans = strings.ToLower(strings.TrimSpace(c.NIDQ.SaveChans))
	if c.NIDQ.SaveChans == "" {
		c.NIDQ.SaveChans = "all"
	}
}

func (c *Config) normalizeModes() {
	c.Sync.Source = strings.ToLower(strings.TrimSpace(c.Sync.Source))
	if c.Sync.Source == "" {
		c.Sync.Source = SyncNone
	}
	c.Gate.Mode = strings.ToLower(strings.TrimSpace(c.Gate.Mode))
	if c.Gate.Mode == "" {
		c.Gate.Mode = GateImmediate
	}
	c.Trigger.Mode = strings.ToLower(strings.TrimSpace(c.Trigger.Mode))
	if c.Trigger.Mode == "" {
		c.Trigger.Mode = TriggerImmediate
	}
	c.Trigger.TTL.Mode = strings.ToLower(strings.TrimSpace(c.Trigger.TTL.Mode))
	if c.Trigger.TTL.Mode == "" {
		c.Trigger.TTL.Mode = TTLLatch
	}
	c.Trigger.TTL.Stream = strings.ToLower(strings.TrimSpace(c.Trigger.TTL.Stream))
	c.Trigger.Spike.Stream = strings.ToLower(strings.TrimSpace(c.Trigger.Spike.Stream))
	c.Acquisition.Source = strings.ToLower(strings.TrimSpace(c.Acquisition.Source))
	if c.Acquisition.Source == "" {
		c.Acquisition.Source = SourceSim
	}
}

func (c *Config) normalizeMQTT() {
	if value, ok := os.LookupEnv("NEURO_MQTT_BROKER"); ok && strings.TrimSpace(value) != "" {
		c.MQTT.Broker = strings.TrimSpace(value)
	}
	c.MQTT.Broker = strings.TrimPrefix(strings.TrimSpace(c.MQTT.Broker), "tcp://")
	c.MQTT.TopicPrefix = strings.Trim(strings.TrimSpace(c.MQTT.TopicPrefix), "/")
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = defaultMQTTTopicPrefix
	}
	if strings.TrimSpace(c.MQTT.ClientID) == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "host"
		}
		c.MQTT.ClientID = "neurorec-" + host
	}
}
