package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"neurorec/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "neurorec", "data")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Writer.QueueCapacity != 4000 {
		t.Fatalf("unexpected queue capacity: %d", cfg.Writer.QueueCapacity)
	}
	if cfg.Writer.StopPercent != 95 {
		t.Fatalf("unexpected stop percent: %v", cfg.Writer.StopPercent)
	}
	if cfg.Buffer.MemoryFraction != 0.40 || cfg.Buffer.MaxSeconds != 30 || cfg.Buffer.MinSeconds != 2 {
		t.Fatalf("unexpected buffer defaults: %+v", cfg.Buffer)
	}
	if len(cfg.Probes) != 1 || cfg.Probes[0].APChans != 384 {
		t.Fatalf("unexpected probe defaults: %+v", cfg.Probes)
	}
	if cfg.RunDir() != filepath.Join(wantData, "run") {
		t.Fatalf("unexpected run dir %q", cfg.RunDir())
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "neurorec.toml")

	type payload struct {
		Run struct {
			Name string `toml:"name"`
		} `toml:"run"`
		NIDQ struct {
			Enabled     bool    `toml:"enabled"`
			SampleRate  float64 `toml:"sample_rate"`
			AnalogChans int     `toml:"analog_chans"`
		} `toml:"nidq"`
		Trigger struct {
			Mode  string `toml:"mode"`
			Timed struct {
				TH float64 `toml:"t_h"`
				NH int     `toml:"n_h"`
			} `toml:"timed"`
		} `toml:"trigger"`
	}
	custom := payload{}
	custom.Run.Name = "mouse12"
	custom.NIDQ.Enabled = true
	custom.NIDQ.SampleRate = 1000
	custom.NIDQ.AnalogChans = 4
	custom.Trigger.Mode = "TIMED"
	custom.Trigger.Timed.TH = 2
	custom.Trigger.Timed.NH = 3
	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists to be true")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, configPath)
	}
	if cfg.Run.Name != "mouse12" {
		t.Fatalf("unexpected run name %q", cfg.Run.Name)
	}
	if cfg.Trigger.Mode != config.TriggerTimed {
		t.Fatalf("expected normalized trigger mode, got %q", cfg.Trigger.Mode)
	}
	if len(cfg.Probes) != 0 {
		t.Fatalf("expected no probes when file declares none, got %d", len(cfg.Probes))
	}
	if ids := cfg.StreamIDs(); len(ids) != 1 || ids[0] != "nidq" {
		t.Fatalf("unexpected stream ids %v", ids)
	}
	if cfg.StreamChans("nidq") != 5 {
		t.Fatalf("unexpected nidq channel count %d", cfg.StreamChans("nidq"))
	}
}

func TestEnvOverridesDataDir(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(tempHome)
	override := filepath.Join(tempHome, "elsewhere")
	t.Setenv("NEURO_DATA_DIR", override)

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Paths.DataDir != override {
		t.Fatalf("expected env data dir, got %q", cfg.Paths.DataDir)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"no streams", func(c *config.Config) { c.Probes = nil }, "at least one probe"},
		{"bad subset", func(c *config.Config) { c.Probes[0].SaveChans = "0:9999" }, "probes[0].save_chans"},
		{"bad trigger", func(c *config.Config) { c.Trigger.Mode = "bogus" }, "trigger.mode"},
		{"stop percent", func(c *config.Config) { c.Writer.StopPercent = 120 }, "writer.stop_percent"},
		{"buffer order", func(c *config.Config) { c.Buffer.MaxSeconds = 1 }, "buffer.max_seconds"},
		{"spike stream", func(c *config.Config) {
			c.Trigger.Mode = config.TriggerSpike
			c.Trigger.Spike.Stream = "imec4"
		}, "trigger.spike.stream"},
		{"nidq sync", func(c *config.Config) { c.Sync.Source = config.SyncNIDQ }, "sync.source nidq"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %v", tc.want, err)
			}
		})
	}
}

func TestCreateSampleLoads(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("HOME", tempDir)
	path := filepath.Join(tempDir, "cfg", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	if len(cfg.Probes) != 1 || cfg.Probes[0].SampleRate != 30000 {
		t.Fatalf("unexpected sample probes %+v", cfg.Probes)
	}
}
