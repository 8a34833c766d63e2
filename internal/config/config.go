package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and socket configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	LogDir      string `toml:"log_dir"`
	SocketPath  string `toml:"socket_path"`
	LockPath    string `toml:"lock_path"`
	CatalogPath string `toml:"catalog_path"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Run describes the recording session naming and loop cadence.
type Run struct {
	Name          string `toml:"name"`
	Notes         string `toml:"notes"`
	FetchPeriodMS int    `toml:"fetch_period_ms"`
	AutoStart     bool   `toml:"auto_start"`
	StartDisabled bool   `toml:"start_disabled"`
}

// Probe describes one implanted probe stream. Channels are laid out as AP,
// then LF, then sync words, all sampled at the AP rate.
type Probe struct {
	SampleRate float64 `toml:"sample_rate"`
	APChans    int     `toml:"ap_chans"`
	LFChans    int     `toml:"lf_chans"`
	SyncChans  int     `toml:"sync_chans"`
	SaveChans  string  `toml:"save_chans"`
	SyncBit    int     `toml:"sync_bit"`
	MaxInt     int     `toml:"max_int"`
}

// NIDQ describes the generic analog/digital acquisition device.
type NIDQ struct {
	Enabled      bool    `toml:"enabled"`
	SampleRate   float64 `toml:"sample_rate"`
	NeuralChans  int     `toml:"neural_chans"`
	AnalogChans  int     `toml:"analog_chans"`
	DigitalWords int     `toml:"digital_words"`
	SaveChans    string  `toml:"save_chans"`
	SyncChan     int     `toml:"sync_chan"`
	SyncBit      int     `toml:"sync_bit"`
}

// Sync configures the shared synchronization pulse.
type Sync struct {
	Source string  `toml:"source"`
	Period float64 `toml:"period"`
}

// Gate selects how the recording gate is driven.
type Gate struct {
	Mode string `toml:"mode"`
}

// Timed holds the cyclic timed-trigger parameters, in seconds.
type Timed struct {
	TL0       float64 `toml:"t_l0"`
	TH        float64 `toml:"t_h"`
	TL        float64 `toml:"t_l"`
	NH        int     `toml:"n_h"`
	InfiniteH bool    `toml:"infinite_h"`
	InfiniteN bool    `toml:"infinite_n"`
}

// TTL holds the edge-trigger parameters.
type TTL struct {
	Stream      string  `toml:"stream"`
	Mode        string  `toml:"mode"`
	Channel     int     `toml:"channel"`
	Bit         int     `toml:"bit"`
	Analog      bool    `toml:"analog"`
	Threshold   int     `toml:"threshold"`
	Inarow      int     `toml:"inarow"`
	MarginSecs  float64 `toml:"margin_secs"`
	RefractSecs float64 `toml:"refract_secs"`
	TH          float64 `toml:"t_h"`
	NH          int     `toml:"n_h"`
	InfiniteN   bool    `toml:"infinite_n"`
}

// Spike holds the peri-event capture parameters.
type Spike struct {
	Stream      string  `toml:"stream"`
	Channel     int     `toml:"channel"`
	Threshold   int     `toml:"threshold"`
	Inarow      int     `toml:"inarow"`
	PeriEvtSecs float64 `toml:"peri_event_secs"`
	RefractSecs float64 `toml:"refract_secs"`
	NS          int     `toml:"n_s"`
	InfiniteN   bool    `toml:"infinite_n"`
}

// Trigger selects the trigger variant and carries each variant's parameters.
type Trigger struct {
	Mode  string `toml:"mode"`
	Timed Timed  `toml:"timed"`
	TTL   TTL    `toml:"ttl"`
	Spike Spike  `toml:"spike"`
}

// Writer configures data file writing and backpressure.
type Writer struct {
	Async         bool    `toml:"async"`
	QueueCapacity int     `toml:"queue_capacity"`
	StopPercent   float64 `toml:"stop_percent"`
}

// Buffer configures stream queue sizing.
type Buffer struct {
	MemoryFraction float64 `toml:"memory_fraction"`
	ReserveGiB     float64 `toml:"reserve_gib"`
	MinSeconds     float64 `toml:"min_seconds"`
	MaxSeconds     float64 `toml:"max_seconds"`
}

// Acquisition selects the hardware source feeding the stream queues.
type Acquisition struct {
	Source     string  `toml:"source"`
	BlockMS    int     `toml:"block_ms"`
	SpikeRate  float64 `toml:"spike_rate"`
	NoiseLevel int     `toml:"noise_level"`
}

// MQTT configures the remote command subscriber.
type MQTT struct {
	Enabled     bool   `toml:"enabled"`
	Broker      string `toml:"broker"`
	ClientID    string `toml:"client_id"`
	TopicPrefix string `toml:"topic_prefix"`
	QoS         int    `toml:"qos"`
}

// Devices configures hot-unplug monitoring of acquisition hardware.
type Devices struct {
	Monitor   bool   `toml:"monitor"`
	Subsystem string `toml:"subsystem"`
	VendorID  string `toml:"vendor_id"`
}

// Notifications configures ntfy session alerts. An empty topic disables them.
type Notifications struct {
	NtfyTopic      string  `toml:"ntfy_topic"`
	RequestTimeout int     `toml:"request_timeout"`
	MinFreeGiB     float64 `toml:"min_free_gib"`
}

// Config encapsulates all configuration values for neurorec.
//
// Configuration sections by subsystem:
//   - Paths: data, log, socket, lock and catalog locations
//   - Run: session name, notes and loop cadence
//   - Probes / NIDQ: stream layouts and saved channel subsets
//   - Sync: shared sync pulse source and period
//   - Gate / Trigger: recording policy
//   - Writer / Buffer: backpressure and memory sizing
//   - Acquisition: hardware or simulated source
//   - MQTT / Devices: remote control and hardware monitoring
//   - Notifications: ntfy alerts and the free disk space warning level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Logging       Logging       `toml:"logging"`
	Run           Run           `toml:"run"`
	Probes        []Probe       `toml:"probes"`
	NIDQ          NIDQ          `toml:"nidq"`
	Sync          Sync          `toml:"sync"`
	Gate          Gate          `toml:"gate"`
	Trigger       Trigger       `toml:"trigger"`
	Writer        Writer        `toml:"writer"`
	Buffer        Buffer        `toml:"buffer"`
	Acquisition   Acquisition   `toml:"acquisition"`
	MQTT          MQTT          `toml:"mqtt"`
	Devices       Devices       `toml:"devices"`
	Notifications Notifications `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		cfg.Probes = nil
		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("neurorec.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir, filepath.Dir(c.Paths.SocketPath), filepath.Dir(c.Paths.CatalogPath)}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// RunDir returns the directory receiving the current run's data files.
func (c *Config) RunDir() string {
	return filepath.Join(c.Paths.DataDir, c.Run.Name)
}

// FetchPeriod reports the hardware fetch cadence used as the default trigger loop period.
func (c *Config) FetchPeriod() time.Duration {
	return time.Duration(c.Run.FetchPeriodMS) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
