package engine

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"batmon/internal/config"
	"batmon/internal/recorder"
	"batmon/internal/transport"
	"batmon/internal/usb"
)

type fakeSource struct {
	bursts    chan usb.Burst
	done      chan struct{}
	doneOnce  sync.Once
	paused    atomic.Bool
	cancelled atomic.Bool
	monitor   usb.Sink
	streamErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		bursts: make(chan usb.Burst, 16),
		done:   make(chan struct{}),
	}
}

func (f *fakeSource) Bursts() <-chan usb.Burst { return f.bursts }
func (f *fakeSource) Pause()                   { f.paused.Store(true) }
func (f *fakeSource) Resume()                  { f.paused.Store(false) }
func (f *fakeSource) SetMonitor(s usb.Sink)    { f.monitor = s }
func (f *fakeSource) Dropped() uint64          { return 0 }

func (f *fakeSource) Cancel() {
	f.cancelled.Store(true)
	f.end()
}

// end terminates the stream as a device disappearance would.
func (f *fakeSource) end() {
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeSource) Stream() error {
	<-f.done
	close(f.bursts)
	return f.streamErr
}

type fakeTransport struct {
	mu       sync.Mutex
	messages []any
}

func (f *fakeTransport) Send(data any) error {
	f.mu.Lock()
	f.messages = append(f.messages, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) slices() []transport.SliceMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transport.SliceMessage
	for _, m := range f.messages {
		if s, ok := m.(transport.SliceMessage); ok {
			out = append(out, s)
		}
	}
	return out
}

func testEngineConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Recording.OutputDir = t.TempDir()
	cfg.Transport.WebSocketEnabled = false
	cfg.Transport.UDPEnabled = false
	cfg.Heterodyne.Enabled = false
	cfg.Device.BufferMilliseconds = 100
	return cfg
}

// burst synthesizes one fake USB delivery of n tone samples.
func burst(freqHz, n, sampleRate int, phase *int) usb.Burst {
	data := make([]int16, n)
	for i := range data {
		data[i] = int16(16000 * math.Cos(2*math.Pi*float64(freqHz)*float64(*phase+i)/float64(sampleRate)))
	}
	*phase += n
	return usb.Burst{Data: data}
}

func waitEvent(t *testing.T, e *Engine, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v event", kind)
		}
	}
}

func TestEngineStreamsSlicesToTransports(t *testing.T) {
	cfg := testEngineConfig(t)
	src := newFakeSource()
	e, err := New(cfg, src, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ft := &fakeTransport{}
	e.AddTransport(ft)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()

	waitEvent(t, e, EventConnected)

	phase := 0
	for i := 0; i < 10; i++ {
		src.bursts <- burst(45000, 1000, cfg.Device.SampleRate, &phase)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(ft.slices()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no slices reached the transport")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := ft.slices()[0]
	if got.Type != "slice" {
		t.Errorf("message type = %q, want slice", got.Type)
	}
	if len(got.Slice.DB) != cfg.FFT.WindowSamples/2+1 {
		t.Errorf("slice has %d buckets, want %d", len(got.Slice.DB), cfg.FFT.WindowSamples/2+1)
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("Run returned %v after clean cancel", err)
	}
	if !src.cancelled.Load() {
		t.Error("cancel did not reach the source")
	}
}

func TestEngineReportsDisconnect(t *testing.T) {
	cfg := testEngineConfig(t)
	src := newFakeSource()
	src.streamErr = usb.ErrDeviceGone
	e, err := New(cfg, src, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(context.Background()) }()

	waitEvent(t, e, EventConnected)
	src.end() // device unplugged

	waitEvent(t, e, EventDisconnected)
	select {
	case err := <-runErr:
		if err != usb.ErrDeviceGone {
			t.Fatalf("Run returned %v, want ErrDeviceGone", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after disconnect")
	}
}

func TestEnginePauseResume(t *testing.T) {
	cfg := testEngineConfig(t)
	src := newFakeSource()
	e, err := New(cfg, src, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()
	waitEvent(t, e, EventConnected)

	e.Pause()
	if !src.paused.Load() {
		t.Error("pause did not reach the source")
	}
	waitEvent(t, e, EventPaused)

	e.Resume()
	if src.paused.Load() {
		t.Error("resume did not reach the source")
	}
	waitEvent(t, e, EventResumed)

	cancel()
	<-runErr
}

func TestEngineSetTriggerArmsRecorder(t *testing.T) {
	cfg := testEngineConfig(t)
	src := newFakeSource()
	e, err := New(cfg, src, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()
	waitEvent(t, e, EventConnected)

	ts := TriggerSettings{
		Mode:        recorder.ModeAuto,
		ThresholdDB: -40,
		FreqLowHz:   15000,
		FreqHighHz:  120000,
	}
	if err := e.SetTrigger(ts); err != nil {
		t.Fatalf("SetTrigger: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.Recorder().State() != recorder.StateAutoTrigger {
		if time.Now().After(deadline) {
			t.Fatal("recorder never armed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := e.SetTrigger(TriggerSettings{Mode: recorder.ModeOff}); err != nil {
		t.Fatalf("SetTrigger off: %v", err)
	}
	cancel()
	<-runErr
}

func TestEngineRejectsUnknownTriggerMode(t *testing.T) {
	cfg := testEngineConfig(t)
	e, err := New(cfg, newFakeSource(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.SetTrigger(TriggerSettings{Mode: recorder.Mode(99)}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
