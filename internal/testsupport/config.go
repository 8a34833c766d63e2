package testsupport

import (
	"path/filepath"
	"testing"

	"neurorec/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a bench config seeded with unique temp directories per
// test: one simulated nidq stream at 1 kHz with three analog channels and a
// digital word, synchronous writes and a fast fetch loop. It applies any
// provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths = config.Paths{
		DataDir:     filepath.Join(base, "data"),
		LogDir:      filepath.Join(base, "logs"),
		SocketPath:  filepath.Join(base, "neurorec.sock"),
		LockPath:    filepath.Join(base, "neurorecd.lock"),
		CatalogPath: filepath.Join(base, "catalog.db"),
	}
	cfgVal.Run.Name = "bench"
	cfgVal.Run.FetchPeriodMS = 10
	cfgVal.Probes = nil
	cfgVal.NIDQ = config.NIDQ{
		Enabled:      true,
		SampleRate:   1000,
		AnalogChans:  3,
		DigitalWords: 1,
		SaveChans:    "all",
		SyncChan:     -1,
	}
	cfgVal.Writer.Async = false
	cfgVal.Acquisition.BlockMS = 5
	cfgVal.Notifications.MinFreeGiB = 0

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithProbe adds a small simulated probe stream.
func WithProbe() ConfigOption {
	return func(b *configBuilder) {
		p := config.DefaultProbe()
		p.SampleRate = 2000
		p.APChans = 8
		p.LFChans = 0
		b.cfg.Probes = append(b.cfg.Probes, p)
	}
}

// WithStartDisabled starts sessions with recording disabled.
func WithStartDisabled() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Run.StartDisabled = true
	}
}

// WithNtfyTopic points notifications at url.
func WithNtfyTopic(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Notifications.NtfyTopic = url
		b.cfg.Notifications.RequestTimeout = 5
	}
}

// WithSocketName places the IPC socket under the temp directory as name.
func WithSocketName(name string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.SocketPath = filepath.Join(b.baseDir, name)
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
