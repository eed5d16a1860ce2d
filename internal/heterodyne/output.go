package heterodyne

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	applog "batmon/internal/log"
)

// Initialize sets up the PortAudio subsystem. Pair with Terminate.
func Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("heterodyne: initialize PortAudio: %w", err)
	}
	return nil
}

// Terminate shuts down the PortAudio subsystem.
func Terminate() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("heterodyne: terminate PortAudio: %w", err)
	}
	return nil
}

// OutputDevice resolves a playback device by PortAudio index. An index of
// -1 selects the system default output.
func OutputDevice(index int) (*portaudio.DeviceInfo, error) {
	if index < 0 {
		dev, err := portaudio.DefaultOutputDevice()
		if err != nil {
			return nil, fmt.Errorf("heterodyne: default output device: %w", err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if index >= len(devices) {
		return nil, fmt.Errorf("heterodyne: invalid output device index %d", index)
	}
	if devices[index].MaxOutputChannels == 0 {
		return nil, fmt.Errorf("heterodyne: device %d (%s) has no outputs", index, devices[index].Name)
	}
	return devices[index], nil
}

// ListOutputDevices prints the playback devices PortAudio can see.
func ListOutputDevices() error {
	devices, err := portaudio.Devices()
	if err != nil {
		return err
	}
	fmt.Printf("\nAvailable Output Devices\n\n")
	for i, dev := range devices {
		if dev.MaxOutputChannels == 0 {
			continue
		}
		fmt.Printf("[%d] %s\n", i, dev.Name)
		fmt.Printf("    Output channels: %d\n", dev.MaxOutputChannels)
		fmt.Printf("    Default sample rate: %.0f Hz\n", dev.DefaultSampleRate)
		fmt.Printf("    Latency: Low=%.2fms, High=%.2fms\n",
			dev.DefaultLowOutputLatency.Seconds()*1000,
			dev.DefaultHighOutputLatency.Seconds()*1000)
		fmt.Println()
	}
	return nil
}

// Speaker plays monitor output through a PortAudio stream. Write is
// non-blocking and drops chunks when the playback task falls behind, so
// the capture path never stalls on the sound card.
type Speaker struct {
	device  *portaudio.DeviceInfo
	rate    int
	frames  int
	chunks  chan []int16
	dropped atomic.Uint64
	closeFn sync.Once
}

// NewSpeaker prepares playback on the given device at the monitor's output
// rate.
func NewSpeaker(device *portaudio.DeviceInfo, rate int) *Speaker {
	return &Speaker{
		device: device,
		rate:   rate,
		frames: rate / 40,
		chunks: make(chan []int16, 8),
	}
}

// Write queues one chunk for playback. Never blocks.
func (s *Speaker) Write(samples []int16) error {
	chunk := make([]int16, len(samples))
	copy(chunk, samples)
	select {
	case s.chunks <- chunk:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Close stops accepting chunks. Run drains what is queued and returns.
func (s *Speaker) Close() error {
	s.closeFn.Do(func() { close(s.chunks) })
	return nil
}

// Dropped returns the number of chunks discarded because playback lagged.
func (s *Speaker) Dropped() uint64 { return s.dropped.Load() }

// Run owns the PortAudio stream until ctx is cancelled or Close is called.
// When no chunk is queued it feeds silence so the stream never underruns.
func (s *Speaker) Run(ctx context.Context) error {
	buf := make([]int16, s.frames)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Channels: 1,
			Device:   s.device,
			Latency:  s.device.DefaultHighOutputLatency,
		},
		FramesPerBuffer: s.frames,
		SampleRate:      float64(s.rate),
	}
	stream, err := portaudio.OpenStream(params, &buf)
	if err != nil {
		return fmt.Errorf("heterodyne: open playback stream: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("heterodyne: start playback stream: %w", err)
	}
	defer stream.Stop()

	applog.Infof("heterodyne: playback running on %q at %d Hz", s.device.Name, s.rate)

	fill := 0
	for {
		var chunk []int16
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-s.chunks:
			if !ok {
				return nil
			}
			chunk = c
		default:
			// Starved: pad the period with silence.
			for i := fill; i < len(buf); i++ {
				buf[i] = 0
			}
			fill = 0
			if err := stream.Write(); err != nil {
				applog.Warnf("heterodyne: playback write: %v", err)
			}
			continue
		}
		for len(chunk) > 0 {
			n := copy(buf[fill:], chunk)
			fill += n
			chunk = chunk[n:]
			if fill == len(buf) {
				fill = 0
				if err := stream.Write(); err != nil {
					applog.Warnf("heterodyne: playback write: %v", err)
				}
			}
		}
	}
}
