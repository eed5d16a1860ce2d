package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"batmon/pkg/bitint"
)

// Config represents the main application configuration structure, loaded
// from YAML. Built-in defaults apply when no file is found; environment
// variables override both.
type Config struct {
	Debug      bool             `yaml:"debug"`
	LogLevel   string           `yaml:"log_level"`
	Device     DeviceConfig     `yaml:"device"`
	FFT        FFTConfig        `yaml:"fft"`
	Trigger    TriggerConfig    `yaml:"trigger"`
	Recording  RecordingConfig  `yaml:"recording"`
	Heterodyne HeterodyneConfig `yaml:"heterodyne"`
	Transport  TransportConfig  `yaml:"transport"`

	// ArmOnStart is set from the command line only; it never comes from
	// the file.
	ArmOnStart bool `yaml:"-"`
}

// Default returns the built-in configuration, tuned for a 384 kHz
// full-spectrum detector.
func Default() *Config {
	return &Config{
		Debug:    false,
		LogLevel: "info",
		Device: DeviceConfig{
			Path:               "",
			Interface:          1,
			AltSetting:         1,
			EndpointAddress:    1,
			MaxPacketSize:      2 * MaxSamplesPerPacket,
			Channels:           1,
			SampleRate:         384000,
			Make:               "unknown",
			Model:              "unknown",
			BufferMilliseconds: 4000,
		},
		FFT: FFTConfig{
			WindowSamples: 512,
			StrideSamples: 256,
			Window:        "Hann",
			FloorDB:       -120,
			TimeBuckets:   1024,
		},
		Trigger: TriggerConfig{
			ThresholdDB: -40,
			FreqLowHz:   15000,
			FreqHighHz:  120000,
		},
		Recording: RecordingConfig{
			OutputDir:          "./recordings",
			PreTriggerSeconds:  1.0,
			PostTriggerSeconds: 1.5,
			MaxFileSeconds:     30,
			Location:           "",
		},
		Heterodyne: HeterodyneConfig{
			Enabled:       true,
			OutputDevice:  -1,
			Reference1KHz: 45,
			Reference2KHz: 0,
			BoostShift:    0,
		},
		Transport: TransportConfig{
			WebSocketEnabled: true,
			WebSocketAddress: ":8080",
			UDPEnabled:       false,
			UDPTargetAddress: "127.0.0.1:9090",
		},
	}
}

// Load loads configuration from a YAML file specified by path. If path is
// empty, "config.yaml" is tried; if no file is found the built-in defaults
// are used. Environment overrides are applied after loading, then the final
// configuration is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the pipeline cannot operate
// with. Buffer sizing errors here would otherwise surface later as guard
// value corruption.
func (c *Config) Validate() error {
	d := c.Device
	if d.Channels < 1 || d.Channels > MaxChannels {
		return fmt.Errorf("device.channels must be 1..%d, got %d", MaxChannels, d.Channels)
	}
	if d.SampleRate < 1000 {
		return fmt.Errorf("device.sample_rate must be >= 1000, got %d", d.SampleRate)
	}
	if d.SamplesPerMillisecond() > MaxSamplesPerPacket {
		return fmt.Errorf("device.sample_rate %d exceeds the full-speed USB limit", d.SampleRate)
	}
	if d.MaxPacketSize <= 0 {
		return fmt.Errorf("device.max_packet_size must be positive, got %d", d.MaxPacketSize)
	}
	if d.BufferMilliseconds <= 0 {
		return fmt.Errorf("device.buffer_milliseconds must be positive, got %d", d.BufferMilliseconds)
	}

	f := c.FFT
	if !bitint.IsPowerOfTwo(f.WindowSamples) || f.WindowSamples < MinFFTWindow || f.WindowSamples > MaxFFTWindow {
		return fmt.Errorf("fft.window_samples must be a power of 2 in %d..%d, got %d",
			MinFFTWindow, MaxFFTWindow, f.WindowSamples)
	}
	if f.StrideSamples < 1 {
		return fmt.Errorf("fft.stride_samples must be >= 1, got %d", f.StrideSamples)
	}
	if f.TimeBuckets < 1 {
		return fmt.Errorf("fft.time_buckets must be >= 1, got %d", f.TimeBuckets)
	}
	if d.RingSamples() < f.WindowSamples {
		return fmt.Errorf("ring buffer (%d samples) smaller than FFT window (%d)",
			d.RingSamples(), f.WindowSamples)
	}

	if c.Trigger.FreqLowHz > c.Trigger.FreqHighHz {
		return fmt.Errorf("trigger band is inverted: %g..%g Hz",
			c.Trigger.FreqLowHz, c.Trigger.FreqHighHz)
	}

	r := c.Recording
	if r.PreTriggerSeconds < 0 || r.PostTriggerSeconds < 0 {
		return fmt.Errorf("pre/post trigger durations must not be negative")
	}
	if r.MaxFileSeconds <= 0 {
		return fmt.Errorf("recording.max_file_seconds must be positive, got %g", r.MaxFileSeconds)
	}

	h := c.Heterodyne
	if h.BoostShift < 0 || h.BoostShift > 8 {
		return fmt.Errorf("heterodyne.boost_shift must be 0..8, got %d", h.BoostShift)
	}
	if h.Reference1KHz < 0 || h.Reference2KHz < 0 {
		return fmt.Errorf("heterodyne reference frequencies must not be negative")
	}

	return nil
}

// applyEnvOverrides applies BATMON_* environment variables on top of the
// loaded configuration.
func (c *Config) applyEnvOverrides() {
	if val, ok := os.LookupEnv("BATMON_DEBUG"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			c.Debug = bVal
		}
	}
	if val, ok := os.LookupEnv("BATMON_LOG_LEVEL"); ok {
		c.LogLevel = val
	}
	if val, ok := os.LookupEnv("BATMON_DEVICE_PATH"); ok {
		c.Device.Path = val
	}
	if val, ok := os.LookupEnv("BATMON_OUTPUT_DIR"); ok {
		c.Recording.OutputDir = val
	}
	if val, ok := os.LookupEnv("BATMON_WS_ADDRESS"); ok {
		c.Transport.WebSocketAddress = val
	}
}
