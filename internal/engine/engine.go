// Package engine assembles the capture, analysis, recording and monitoring
// components into one running session and supervises their tasks.
package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"batmon/internal/build"
	"batmon/internal/config"
	"batmon/internal/heterodyne"
	applog "batmon/internal/log"
	"batmon/internal/recorder"
	"batmon/internal/ring"
	"batmon/internal/spectro"
	"batmon/internal/transport"
	"batmon/internal/usb"
)

// EventKind classifies engine state changes surfaced to the UI.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventStreamError
	EventTriggered
	EventRecordingFinished
	EventRecordingError
	EventPaused
	EventResumed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventStreamError:
		return "stream_error"
	case EventTriggered:
		return "triggered"
	case EventRecordingFinished:
		return "recording_finished"
	case EventRecordingError:
		return "recording_error"
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	default:
		return "unknown"
	}
}

// Event is one engine state change.
type Event struct {
	Kind   EventKind
	Detail string
}

// Source is the sample acquisition side of the engine, normally the USB
// isochronous driver.
type Source interface {
	Bursts() <-chan usb.Burst
	Stream() error
	Pause()
	Resume()
	Cancel()
	SetMonitor(usb.Sink)
	Dropped() uint64
}

// TriggerSettings bundles the user-facing trigger controls. Band and
// threshold matter only in auto mode.
type TriggerSettings struct {
	Mode        recorder.Mode
	ThresholdDB float64
	FreqLowHz   float64
	FreqHighHz  float64
}

// Engine owns the buffer, the analysis pipeline, the recorder and the
// optional heterodyne monitor for one capture session.
type Engine struct {
	cfg    *config.Config
	source Source

	buf      *ring.Buffer
	proc     *spectro.Processor
	pipeline *spectro.Pipeline
	rec      *recorder.Recorder
	monitor  *heterodyne.Monitor

	transports []transport.Transport

	pipeNotify chan struct{}
	events     chan Event
}

// New assembles an engine from configuration. hetOut receives the audible
// monitor signal and may be nil, which disables the heterodyne path even
// when enabled in configuration.
func New(cfg *config.Config, source Source, hetOut heterodyne.Output) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		source:     source,
		buf:        ring.NewBuffer(cfg.Device.RingSamples()),
		pipeNotify: make(chan struct{}, 1),
		events:     make(chan Event, 32),
	}

	wf, err := spectro.ParseWindowFunc(cfg.FFT.Window)
	if err != nil {
		return nil, err
	}
	e.proc, err = spectro.NewProcessor(cfg.FFT.WindowSamples, float64(cfg.Device.SampleRate), cfg.FFT.FloorDB, wf)
	if err != nil {
		return nil, err
	}

	rate := cfg.Device.SampleRate
	flags := build.GetBuildFlags()
	recCfg := recorder.Config{
		SampleRate:         rate,
		OutputDir:          cfg.Recording.OutputDir,
		PreTriggerSamples:  int64(cfg.Recording.PreTriggerSeconds * float64(rate)),
		PostTriggerSamples: int64(cfg.Recording.PostTriggerSeconds * float64(rate)),
		MaxFileSamples:     int64(cfg.Recording.MaxFileSeconds * float64(rate)),
		ChunkSamples:       rate / 10,
		Make:               cfg.Device.Make,
		Model:              cfg.Device.Model,
		Location:           cfg.Recording.Location,
		Software:           flags.Name + " " + flags.Version,
	}
	e.rec, err = recorder.NewRecorder(recCfg, e.buf, e.onRecordingFile, e.onRecordingError)
	if err != nil {
		return nil, err
	}

	e.pipeline = spectro.NewPipeline(e.proc, e.buf, cfg.FFT.StrideSamples, cfg.FFT.TimeBuckets, e.rec.Trigger)

	if cfg.Heterodyne.Enabled && hetOut != nil {
		h := cfg.Heterodyne
		e.monitor, err = heterodyne.NewMonitor(rate, h.Reference1KHz, h.Reference2KHz, h.BoostShift, hetOut)
		if err != nil {
			return nil, err
		}
		source.SetMonitor(e.monitor)
	}

	if cfg.Transport.WebSocketEnabled {
		e.transports = append(e.transports, transport.NewWebSocketTransport(cfg.Transport.WebSocketAddress))
	}
	if cfg.Transport.UDPEnabled {
		sender, err := transport.NewUDPSender(cfg.Transport.UDPTargetAddress)
		if err != nil {
			return nil, err
		}
		pub, err := transport.NewUDPPublisher(sender)
		if err != nil {
			return nil, err
		}
		e.transports = append(e.transports, pub)
	}

	return e, nil
}

// AddTransport attaches an extra outbound transport. Call before Run.
func (e *Engine) AddTransport(t transport.Transport) {
	e.transports = append(e.transports, t)
}

// Events returns engine state changes. The channel is bounded; events are
// dropped rather than the engine stalled when the consumer lags.
func (e *Engine) Events() <-chan Event { return e.events }

// Pause stops feeding samples downstream without tearing the stream down.
func (e *Engine) Pause() {
	e.source.Pause()
	e.emit(EventPaused, "")
}

// Resume restarts sample flow after a Pause.
func (e *Engine) Resume() {
	e.source.Resume()
	e.emit(EventResumed, "")
}

// SetTrigger applies trigger settings as one unit: detection band for auto
// mode, recorder mode always. The recorder change is ordered through its
// config channel.
func (e *Engine) SetTrigger(ts TriggerSettings) error {
	switch ts.Mode {
	case recorder.ModeAuto:
		e.proc.SetTriggerBand(ts.FreqLowHz, ts.FreqHighHz, ts.ThresholdDB)
	case recorder.ModeOff, recorder.ModeManual:
		e.proc.ClearTriggerBand()
	default:
		return fmt.Errorf("engine: unsupported trigger mode %v", ts.Mode)
	}
	e.rec.SetMode(ts.Mode)
	return nil
}

// SetHeterodyne retunes the audible monitor.
func (e *Engine) SetHeterodyne(freq1, freq2, boost int) error {
	if e.monitor == nil {
		return errors.New("engine: heterodyne monitor not enabled")
	}
	if err := e.monitor.SetReferences(freq1, freq2); err != nil {
		return err
	}
	return e.monitor.SetBoost(boost)
}

// Recorder exposes recorder state for the UI.
func (e *Engine) Recorder() *recorder.Recorder { return e.rec }

// Run drives the session until the stream ends or ctx is cancelled. The
// USB stream, the ingest copy task, the analysis pipeline, the recorder
// and the broadcast fan-out all run under one errgroup; the first real
// failure tears the session down.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.Trigger.FreqHighHz > e.cfg.Trigger.FreqLowHz {
		e.proc.SetTriggerBand(e.cfg.Trigger.FreqLowHz, e.cfg.Trigger.FreqHighHz, e.cfg.Trigger.ThresholdDB)
	}

	g, ctx := errgroup.WithContext(ctx)

	// Stream teardown: the driver has no context of its own, it stops on
	// Cancel and closes its burst channel on the way out.
	g.Go(func() error {
		<-ctx.Done()
		e.source.Cancel()
		return nil
	})

	g.Go(func() error {
		e.emit(EventConnected, "")
		err := e.source.Stream()
		switch {
		case errors.Is(err, usb.ErrDeviceGone):
			e.emit(EventDisconnected, "")
			return err
		case err != nil:
			e.emit(EventStreamError, err.Error())
			return err
		}
		return nil
	})

	g.Go(func() error {
		e.ingest()
		return nil
	})

	g.Go(func() error {
		return ignoreCanceled(e.pipeline.Run(ctx, e.pipeNotify))
	})

	g.Go(func() error {
		return ignoreCanceled(e.rec.Run(ctx))
	})

	g.Go(func() error {
		e.broadcast()
		return nil
	})

	err := g.Wait()
	e.closeTransports()
	if e.monitor != nil {
		e.monitor.Flush()
	}
	applog.Infof("engine: session ended (%d bursts dropped)", e.source.Dropped())
	return ignoreCanceled(err)
}

// ingest copies bursts into the ring buffer. The burst data is only valid
// for the duration of the channel hand-off, so this is the single copy
// point between the driver and every consumer.
func (e *Engine) ingest() {
	for burst := range e.source.Bursts() {
		e.buf.Write(burst.Data)
		select {
		case e.pipeNotify <- struct{}{}:
		default:
		}
		e.rec.Notify()
	}
	// Stream is gone; wake the pipeline so it can observe the close.
	close(e.pipeNotify)
}

// broadcast fans slices out to all transports and derives the triggered
// edge event.
func (e *Engine) broadcast() {
	wasTriggered := false
	for slice := range e.pipeline.Slices() {
		msg := transport.NewSliceMessage(slice)
		for _, t := range e.transports {
			t.Send(msg)
		}
		if slice.Triggered && !wasTriggered {
			e.emit(EventTriggered, "")
		}
		wasTriggered = slice.Triggered
	}
}

func (e *Engine) onRecordingFile(fi recorder.FileInfo) {
	e.emit(EventRecordingFinished, fi.Path)
}

func (e *Engine) onRecordingError(err error) {
	// The recorder has already returned itself to the disarmed state;
	// surface the failure so the UI can re-arm.
	e.emit(EventRecordingError, err.Error())
}

func (e *Engine) emit(kind EventKind, detail string) {
	ev := Event{Kind: kind, Detail: detail}
	select {
	case e.events <- ev:
	default:
	}
	for _, t := range e.transports {
		t.Send(transport.NewEventMessage(kind.String(), detail))
	}
}

func (e *Engine) closeTransports() {
	for _, t := range e.transports {
		if err := t.Close(); err != nil {
			applog.Warnf("engine: closing transport: %v", err)
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
