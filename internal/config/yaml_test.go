package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config path")
	}

	// Empty path with no config.yaml present falls back to defaults.
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load defaults: %v", err)
	}
	if cfg.FFT.WindowSamples != 512 || cfg.FFT.StrideSamples != 256 {
		t.Errorf("unexpected FFT defaults: %+v", cfg.FFT)
	}
	if cfg.Device.SampleRate != 384000 {
		t.Errorf("unexpected default sample rate: %d", cfg.Device.SampleRate)
	}
}

func TestLoadFromFile(t *testing.T) {
	yml := `
log_level: debug
device:
  sample_rate: 256000
  channels: 2
fft:
  window_samples: 1024
trigger:
  threshold_db: -30
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.SampleRate != 256000 || cfg.Device.Channels != 2 {
		t.Errorf("device section not applied: %+v", cfg.Device)
	}
	if cfg.FFT.WindowSamples != 1024 {
		t.Errorf("fft.window_samples = %d, want 1024", cfg.FFT.WindowSamples)
	}
	if cfg.Trigger.ThresholdDB != -30 {
		t.Errorf("trigger.threshold_db = %g, want -30", cfg.Trigger.ThresholdDB)
	}
	// Unset values keep their defaults.
	if cfg.Recording.OutputDir != "./recordings" {
		t.Errorf("recording.output_dir = %q, want default", cfg.Recording.OutputDir)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BATMON_OUTPUT_DIR", "/tmp/bats")
	t.Setenv("BATMON_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Recording.OutputDir != "/tmp/bats" {
		t.Errorf("env override not applied: %q", cfg.Recording.OutputDir)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log level override not applied: %q", cfg.LogLevel)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		desc   string
		mutate func(*Config)
	}{
		{"non power-of-2 window", func(c *Config) { c.FFT.WindowSamples = 500 }},
		{"window too small", func(c *Config) { c.FFT.WindowSamples = 64 }},
		{"zero stride", func(c *Config) { c.FFT.StrideSamples = 0 }},
		{"inverted trigger band", func(c *Config) { c.Trigger.FreqLowHz = 120000; c.Trigger.FreqHighHz = 15000 }},
		{"too many channels", func(c *Config) { c.Device.Channels = 3 }},
		{"sample rate above USB limit", func(c *Config) { c.Device.SampleRate = 500000 }},
		{"ring smaller than window", func(c *Config) { c.Device.BufferMilliseconds = 1 }},
		{"negative pre-trigger", func(c *Config) { c.Recording.PreTriggerSeconds = -1 }},
		{"zero max file", func(c *Config) { c.Recording.MaxFileSeconds = 0 }},
		{"excessive boost", func(c *Config) { c.Heterodyne.BoostShift = 9 }},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
