package config

// Core constants bounding the acquisition and processing pipeline.
const (
	// Streaming driver geometry. One isochronous packet covers 1 ms of
	// audio, so packets-per-URB fixes the notification cadence.
	URBsPerSecond = 40
	URBPoolDepth  = 10 // At least 2; more depth tolerates scheduling jitter without loss.
	PacketsPerURB = 1000 / URBsPerSecond

	// Upper bound for full-speed USB with a safety sample, as some
	// detectors pad a frame to stay in sync.
	MaxSamplesPerPacket = 384 + 1
	MaxChannels         = 2

	// Audio output target. Sample rates are usually integer multiples of
	// this; the decimation factor is derived per session.
	TargetAudioOutRate = 48000

	// Anti-aliasing filter for the heterodyne downsampling path. The low
	// cutoff minimizes ultrasonic bleed-through and feedback.
	DownsamplingCutoffHz = 3000
	DownsamplingStages   = 4

	// Supported FFT window sizes (power of 2, inclusive range).
	MinFFTWindow = 128
	MaxFFTWindow = 4096
)

// DeviceConfig identifies the USB microphone and its streaming parameters.
// The device collaborator (platform layer) fills these from the USB
// descriptors before handing the opened descriptor to the engine.
type DeviceConfig struct {
	Path             string `yaml:"path"`              // usbdevfs node, e.g. /dev/bus/usb/001/004
	Interface        int    `yaml:"interface"`         // Streaming interface number.
	AltSetting       int    `yaml:"alt_setting"`       // Alternate setting carrying the iso endpoint.
	EndpointAddress  int    `yaml:"endpoint_address"`  // Iso IN endpoint address (without direction bit).
	MaxPacketSize    int    `yaml:"max_packet_size"`   // Endpoint wMaxPacketSize in bytes.
	Channels         int    `yaml:"channels"`          // 1 or 2; stereo is down-mixed to mono.
	SampleRate       int    `yaml:"sample_rate"`       // Device sample rate in Hz.
	Make             string `yaml:"make"`              // Manufacturer, recorded in GUANO metadata.
	Model            string `yaml:"model"`             // Model, recorded in GUANO metadata.
	BufferMilliseconds int  `yaml:"buffer_milliseconds"` // Ring buffer length.
}

// FFTConfig holds the spectrogram pipeline settings.
type FFTConfig struct {
	WindowSamples int     `yaml:"window_samples"` // FFT window size (power of 2).
	StrideSamples int     `yaml:"stride_samples"` // Advance per slice, >= 1.
	Window        string  `yaml:"window"`         // Window function name (e.g. "Hann").
	FloorDB       float64 `yaml:"floor_db"`       // dB value substituted for zero magnitude.
	TimeBuckets   int     `yaml:"time_buckets"`   // Visible region width in slices.
}

// TriggerConfig holds the auto-trigger detection band and threshold.
type TriggerConfig struct {
	ThresholdDB float64 `yaml:"threshold_db"` // Trigger when any band bin reaches this level.
	FreqLowHz   float64 `yaml:"freq_low_hz"`  // Lower edge of the detection band.
	FreqHighHz  float64 `yaml:"freq_high_hz"` // Upper edge of the detection band.
}

// RecordingConfig holds settings for trigger-gated WAV capture.
type RecordingConfig struct {
	OutputDir          string  `yaml:"output_dir"`           // Directory for finalized recordings.
	PreTriggerSeconds  float64 `yaml:"pre_trigger_seconds"`  // History captured before a trigger.
	PostTriggerSeconds float64 `yaml:"post_trigger_seconds"` // Capture after the last trigger.
	MaxFileSeconds     float64 `yaml:"max_file_seconds"`     // Per-file budget before continuation.
	Location           string  `yaml:"location"`             // Optional "lat lon" for GUANO Loc Position.
}

// HeterodyneConfig holds the audible monitor settings.
type HeterodyneConfig struct {
	Enabled       bool `yaml:"enabled"`
	OutputDevice  int  `yaml:"output_device"`  // PortAudio device index, -1 for default.
	Reference1KHz int  `yaml:"reference1_khz"` // Primary reference frequency.
	Reference2KHz int  `yaml:"reference2_khz"` // Secondary reference, 0 disables dual mode.
	BoostShift    int  `yaml:"boost_shift"`    // Output gain as a left bit-shift.
}

// TransportConfig holds settings for publishing slices and state events to
// the presentation layer.
type TransportConfig struct {
	WebSocketEnabled bool   `yaml:"websocket_enabled"`
	WebSocketAddress string `yaml:"websocket_address"` // e.g. ":8080"
	UDPEnabled       bool   `yaml:"udp_enabled"`
	UDPTargetAddress string `yaml:"udp_target_address"` // e.g. "127.0.0.1:9090"
}

// RingSamples returns the ring buffer capacity in samples.
func (d DeviceConfig) RingSamples() int {
	return d.SampleRate * d.BufferMilliseconds / 1000
}

// SamplesPerMillisecond returns the nominal per-packet sample count, which
// also fixes the heterodyne reference table length.
func (d DeviceConfig) SamplesPerMillisecond() int {
	return d.SampleRate / 1000
}
