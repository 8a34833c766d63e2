package config

const (
	defaultConfigPath    = "~/.config/neurorec/config.toml"
	defaultDataDir       = "~/.local/share/neurorec/data"
	defaultLogDir        = "~/.local/share/neurorec/logs"
	defaultSocketPath    = "~/.local/share/neurorec/neurorec.sock"
	defaultLockPath      = "~/.local/share/neurorec/neurorec.lock"
	defaultCatalogPath   = "~/.local/share/neurorec/catalog.db"
	defaultLogFormat     = "console"
	defaultLogLevel      = "info"
	defaultRunName       = "run"
	defaultFetchPeriodMS = 50

	defaultLogRetentionDays = 30

	defaultProbeSampleRate = 30000.0
	defaultProbeAPChans    = 384
	defaultProbeLFChans    = 384
	defaultProbeSyncChans  = 1
	defaultProbeSyncBit    = 6
	defaultProbeMaxInt     = 512
	defaultNIDQSampleRate  = 25000.0

	defaultSyncPeriod = 1.0

	defaultWriterQueueCapacity = 4000
	defaultWriterStopPercent   = 95.0

	defaultBufferMemoryFraction = 0.40
	defaultBufferReserveGiB     = 0.12
	defaultBufferMinSeconds     = 2.0
	defaultBufferMaxSeconds     = 30.0

	defaultMQTTBroker      = "127.0.0.1:1883"
	defaultMQTTTopicPrefix = "neurorec"
	defaultDeviceSubsystem = "usb"

	defaultNtfyRequestTimeout = 10
	defaultMinFreeGiB         = 20.0
)

// Gate modes.
const (
	GateImmediate = "immediate"
	GateRemote    = "remote"
)

// Trigger modes.
const (
	TriggerImmediate = "immediate"
	TriggerTimed     = "timed"
	TriggerTTL       = "ttl"
	TriggerSpike     = "spike"
	TriggerRemote    = "remote"
)

// TTL trigger modes.
const (
	TTLLatch  = "latch"
	TTLTimed  = "timed"
	TTLFollow = "follow"
)

// Sync sources.
const (
	SyncNone     = "none"
	SyncExternal = "external"
	SyncNIDQ     = "nidq"
	SyncImec     = "imec"
)

// Acquisition sources.
const (
	SourceSim = "sim"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:     defaultDataDir,
			LogDir:      defaultLogDir,
			SocketPath:  defaultSocketPath,
			LockPath:    defaultLockPath,
			CatalogPath: defaultCatalogPath,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Run: Run{
			Name:          defaultRunName,
			FetchPeriodMS: defaultFetchPeriodMS,
		},
		Probes: []Probe{DefaultProbe()},
		NIDQ: NIDQ{
			SampleRate:   defaultNIDQSampleRate,
			NeuralChans:  0,
			AnalogChans:  8,
			DigitalWords: 1,
			SaveChans:    "all",
			SyncChan:     -1,
		},
		Sync: Sync{
			Source: SyncNone,
			Period: defaultSyncPeriod,
		},
		Gate: Gate{Mode: GateImmediate},
		Trigger: Trigger{
			Mode: TriggerImmediate,
			Timed: Timed{
				TL0: 0,
				TH:  10,
				TL:  1,
				NH:  1,
			},
			TTL: TTL{
				Stream:      "nidq",
				Mode:        TTLLatch,
				Analog:      true,
				Threshold:   8000,
				Inarow:      5,
				MarginSecs:  1,
				RefractSecs: 0.5,
				TH:          0.5,
				NH:          1,
			},
			Spike: Spike{
				Stream:      "imec0",
				Threshold:   -100,
				Inarow:      3,
				PeriEvtSecs: 1,
				RefractSecs: 0.5,
				NS:          10,
			},
		},
		Writer: Writer{
			Async:         true,
			QueueCapacity: defaultWriterQueueCapacity,
			StopPercent:   defaultWriterStopPercent,
		},
		Buffer: Buffer{
			MemoryFraction: defaultBufferMemoryFraction,
			ReserveGiB:     defaultBufferReserveGiB,
			MinSeconds:     defaultBufferMinSeconds,
			MaxSeconds:     defaultBufferMaxSeconds,
		},
		Acquisition: Acquisition{
			Source:     SourceSim,
			BlockMS:    10,
			SpikeRate:  5,
			NoiseLevel: 20,
		},
		MQTT: MQTT{
			Broker:      defaultMQTTBroker,
			TopicPrefix: defaultMQTTTopicPrefix,
			QoS:         1,
		},
		Devices: Devices{
			Subsystem: defaultDeviceSubsystem,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNtfyRequestTimeout,
			MinFreeGiB:     defaultMinFreeGiB,
		},
	}
}

// DefaultProbe returns the layout of a standard 384-site probe.
func DefaultProbe() Probe {
	return Probe{
		SampleRate: defaultProbeSampleRate,
		APChans:    defaultProbeAPChans,
		LFChans:    defaultProbeLFChans,
		SyncChans:  defaultProbeSyncChans,
		SaveChans:  "all",
		SyncBit:    defaultProbeSyncBit,
		MaxInt:     defaultProbeMaxInt,
	}
}
