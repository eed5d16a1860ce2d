// Package recorder turns trigger events into finished WAV files. A single
// task owns the trigger state machine; mode changes arrive on an ordered
// channel and are applied between (or during) recording sessions, so no
// session ever observes a half-applied configuration.
package recorder

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"batmon/internal/guano"
	applog "batmon/internal/log"
	"batmon/internal/ring"
)

// Mode selects the trigger behavior of the recorder.
type Mode int

const (
	// ModeOff disarms the recorder and ends any running session.
	ModeOff Mode = iota
	// ModeAuto arms the recorder; sessions start on trigger events.
	ModeAuto
	// ModeManual records immediately and keeps recording until disarmed.
	ModeManual
	// ModeContinuation is the label applied when a file budget rolls a
	// session over into a follow-up file. Callers never need to send it;
	// it is accepted and treated as ModeManual.
	ModeContinuation
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "OFF"
	case ModeAuto:
		return "AUTO"
	case ModeManual:
		return "MANUAL"
	case ModeContinuation:
		return "CONTINUATION"
	default:
		return "UNKNOWN"
	}
}

// State is the observable recorder state.
type State int

const (
	// StateStart means no session is running and the recorder is disarmed.
	StateStart State = iota
	// StateAutoTrigger means the recorder is armed or writing an auto session.
	StateAutoTrigger
	// StateManualTrigger means a manual session is running.
	StateManualTrigger
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateAutoTrigger:
		return "AUTO_TRIGGER"
	case StateManualTrigger:
		return "MANUAL_TRIGGER"
	default:
		return "UNKNOWN"
	}
}

// Config holds the sample-counted recording parameters. All durations are
// expressed in samples so the recorder never consults a wall clock for
// session bookkeeping.
type Config struct {
	SampleRate         int
	OutputDir          string
	PreTriggerSamples  int64
	PostTriggerSamples int64
	MaxFileSamples     int64
	ChunkSamples       int

	Make     string
	Model    string
	Location string
	Software string
}

// FileInfo describes a finished recording file.
type FileInfo struct {
	Path    string
	Samples int64
	Trigger string
}

// Recorder drains the sample buffer into WAV files according to the
// current trigger mode. Run owns all session state; the only cross-task
// surface is the config channel, the coalesced trigger channel, the data
// notification channel and the mutex-guarded State.
type Recorder struct {
	cfg    Config
	buf    *ring.Buffer
	cursor *ring.Cursor

	configCh  chan Mode
	triggerCh chan struct{}
	notifyCh  chan struct{}

	mu    sync.Mutex
	state State

	sessionWritten atomic.Int64
	triggerPos     atomic.Int64

	onError func(error)
	onFile  func(FileInfo)

	scratch []int16
	now     func() time.Time
}

// NewRecorder wires a recorder to the sample buffer. onFile and onError may
// be nil.
func NewRecorder(cfg Config, buf *ring.Buffer, onFile func(FileInfo), onError func(error)) (*Recorder, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("recorder: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.MaxFileSamples <= 0 {
		return nil, fmt.Errorf("recorder: invalid max file budget %d", cfg.MaxFileSamples)
	}
	if cfg.PreTriggerSamples < 0 || cfg.PostTriggerSamples < 0 {
		return nil, fmt.Errorf("recorder: negative trigger window")
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = cfg.SampleRate / 10
	}
	return &Recorder{
		cfg:       cfg,
		buf:       buf,
		cursor:    buf.NewCursor(),
		configCh:  make(chan Mode),
		triggerCh: make(chan struct{}, 1),
		notifyCh:  make(chan struct{}, 1),
		onError:   onError,
		onFile:    onFile,
		scratch:   make([]int16, cfg.ChunkSamples),
		now:       time.Now,
	}, nil
}

// SetMode requests a mode change. Sends are ordered and processed by the
// Run task; the call blocks until the task accepts the change.
func (r *Recorder) SetMode(m Mode) { r.configCh <- m }

// Trigger records a trigger event, anchored at the buffer's write position
// at the time of the call. Events are coalesced: while one is pending,
// further calls only move the anchor.
func (r *Recorder) Trigger() {
	r.triggerPos.Store(r.buf.Written())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

// Notify wakes the recorder after new samples land in the buffer. Coalesced
// like Trigger.
func (r *Recorder) Notify() {
	select {
	case r.notifyCh <- struct{}{}:
	default:
	}
}

// SessionWritten returns the number of samples written so far in the
// current session, across continuation files. The counter resets when the
// next session starts.
func (r *Recorder) SessionWritten() int64 { return r.sessionWritten.Load() }

// State returns the observable recorder state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Reset disarms the recorder, ending any running session. Safe to call
// repeatedly; used by error callbacks to force a known state.
func (r *Recorder) Reset() { r.SetMode(ModeOff) }

// Run executes the trigger state machine until ctx is cancelled. Any file
// error ends the session, reports through the error callback and returns
// the machine to the disarmed state.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.setState(StateStart)
	var pending *Mode
	for {
		var mode Mode
		if pending != nil {
			mode = *pending
			pending = nil
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case mode = <-r.configCh:
			}
		}

		switch mode {
		case ModeOff:
			r.setState(StateStart)
		case ModeAuto:
			// Drop any trigger that fired before arming. Once the armed
			// state is observable, new triggers are live.
			select {
			case <-r.triggerCh:
			default:
			}
			r.setState(StateAutoTrigger)
			pending = r.runAuto(ctx)
		case ModeManual, ModeContinuation:
			r.setState(StateManualTrigger)
			pending = r.runManual(ctx)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// runAuto waits armed for trigger events and runs one bounded session per
// event. A trigger that fires while a session is finalizing stays queued in
// the coalesced channel and starts a fresh session here.
func (r *Recorder) runAuto(ctx context.Context) *Mode {
	for {
		select {
		case <-ctx.Done():
			return nil
		case mode := <-r.configCh:
			return &mode
		case <-r.notifyCh:
			// Idle; history for the pre-trigger window accumulates in
			// the buffer without the cursor tracking it.
		case <-r.triggerCh:
			r.cursor.SeekTo(r.triggerPos.Load())
			pre := r.cursor.SeekBack(r.cfg.PreTriggerSamples)
			s := &session{
				label:   ModeAuto.String(),
				start:   r.cursor.Position(),
				planned: pre + r.cfg.PostTriggerSamples,
				bounded: true,
			}
			next, err := r.runSession(ctx, s)
			if err != nil {
				r.fault(err)
				return nil
			}
			if next != nil {
				return next
			}
		}
	}
}

// runManual records from the moment of arming until disarmed.
func (r *Recorder) runManual(ctx context.Context) *Mode {
	r.cursor.SeekTo(r.buf.Written())
	s := &session{
		label:   ModeManual.String(),
		start:   r.cursor.Position(),
		planned: math.MaxInt64,
	}
	next, err := r.runSession(ctx, s)
	if err != nil {
		r.fault(err)
		return nil
	}
	return next
}

// session tracks one recording session, possibly spanning several files
// when the per-file budget rolls over.
type session struct {
	label   string
	start   int64 // logical buffer position of the first session sample
	planned int64 // total session samples; MaxInt64 for manual
	written int64 // samples in completed files
	bounded bool  // trigger events extend planned instead of queueing
}

// extendTo grows the session so it ends a full post-trigger window after
// the trigger anchored at pos. Never shrinks.
func (s *session) extendTo(pos, post int64) {
	if end := pos - s.start + post; end > s.planned {
		s.planned = end
	}
}

// runSession writes files until the session budget is spent, a mode change
// ends it, or the context is cancelled. Returns the mode change that ended
// the session, if any.
func (r *Recorder) runSession(ctx context.Context, s *session) (*Mode, error) {
	r.sessionWritten.Store(0)
	label := s.label
	for {
		next, fw, err := r.writeFile(ctx, s, label)
		s.written += fw
		if err != nil {
			return nil, err
		}
		if next != nil {
			return next, nil
		}
		if ctx.Err() != nil || s.written >= s.planned {
			return nil, nil
		}
		if fw == 0 {
			// A rollover file that wrote nothing cannot make progress.
			return nil, nil
		}
		// Budget rollover: the session continues in a follow-up file.
		label = ModeContinuation.String()
	}
}

// writeFile streams one file until its budget is reached or the session
// ends. Samples are written in full chunks; a short write happens only when
// the file or session is completing.
func (r *Recorder) writeFile(ctx context.Context, s *session, label string) (*Mode, int64, error) {
	file, err := r.openFile(label)
	if err != nil {
		return nil, 0, err
	}

	var (
		fw   int64
		next *Mode
	)
	for {
		remaining := s.planned - s.written - fw
		if fr := r.cfg.MaxFileSamples - fw; fr < remaining {
			remaining = fr
		}
		if remaining <= 0 && s.bounded {
			// A retrigger that fired while the session was still running
			// extends it even if the writer has already drained the budget.
			select {
			case <-r.triggerCh:
				s.extendTo(r.triggerPos.Load(), r.cfg.PostTriggerSamples)
				continue
			default:
			}
		}
		if remaining <= 0 || next != nil || ctx.Err() != nil {
			break
		}

		select {
		case <-ctx.Done():
		case mode := <-r.configCh:
			next = &mode
		case <-r.triggerCh:
			if s.bounded {
				// Retrigger: the session now ends a full post-trigger
				// window after the anchored event.
				s.extendTo(r.triggerPos.Load(), r.cfg.PostTriggerSamples)
			}
		case <-r.notifyCh:
			n, werr := r.writeChunk(file, remaining, false)
			if werr != nil {
				file.discard()
				return nil, fw, werr
			}
			fw += n
			if n > 0 {
				// More data may already be buffered; poke ourselves so
				// the next chunk drains without waiting for the producer,
				// while config and trigger events stay interleaved.
				r.Notify()
			}
		}
	}

	// Session is ending: flush whatever already landed in the buffer,
	// short chunk included.
	if next != nil || ctx.Err() != nil {
		remaining := s.planned - s.written - fw
		if fr := r.cfg.MaxFileSamples - fw; fr < remaining {
			remaining = fr
		}
		for remaining > 0 {
			n, werr := r.writeChunk(file, remaining, true)
			if werr != nil {
				file.discard()
				return nil, fw, werr
			}
			if n == 0 {
				break
			}
			fw += n
			remaining -= n
		}
	}

	path, err := file.finalize()
	if err != nil {
		return nil, fw, err
	}
	applog.Infof("recorder: wrote %s (%d samples, trigger %s)", path, fw, label)
	if r.onFile != nil {
		r.onFile(FileInfo{Path: path, Samples: fw, Trigger: label})
	}
	return next, fw, nil
}

// writeChunk moves up to one chunk of samples from the buffer into the
// file. Unless final is set, it waits for a full chunk so the scratch
// stream grows in even strides.
func (r *Recorder) writeChunk(file *wavFile, remaining int64, final bool) (int64, error) {
	avail := int64(r.cursor.Available())
	n := avail
	if n > remaining {
		n = remaining
	}
	chunk := int64(r.cfg.ChunkSamples)
	if n > chunk {
		n = chunk
	}
	if n == 0 {
		return 0, nil
	}
	if !final && n < chunk && avail < remaining {
		return 0, nil
	}
	got := r.cursor.Read(r.scratch[:n])
	if got == 0 {
		return 0, nil
	}
	if err := file.writeSamples(r.scratch[:got]); err != nil {
		return 0, err
	}
	r.sessionWritten.Add(int64(got))
	return int64(got), nil
}

// openFile creates the scratch stream and GUANO metadata for one file.
func (r *Recorder) openFile(label string) (*wavFile, error) {
	ts := r.now()
	meta := guano.New()
	meta.SetTimestamp(ts)
	meta.Set(guano.KeySamplerate, strconv.Itoa(r.cfg.SampleRate))
	meta.Set(guano.KeyTrigger, label)
	meta.Set(guano.KeyPreTrigger, formatSeconds(r.cfg.PreTriggerSamples, r.cfg.SampleRate))
	meta.Set(guano.KeyPostTrigger, formatSeconds(r.cfg.PostTriggerSamples, r.cfg.SampleRate))
	if r.cfg.Make != "" {
		meta.Set(guano.KeyMake, r.cfg.Make)
	}
	if r.cfg.Model != "" {
		meta.Set(guano.KeyModel, r.cfg.Model)
	}
	if r.cfg.Location != "" {
		meta.Set(guano.KeyLocPosition, r.cfg.Location)
	}
	if r.cfg.Software != "" {
		meta.Set(guano.KeySoftware, r.cfg.Software)
	}

	baseName := "batmon_" + ts.Format("20060102_150405")
	return newWavFile(r.cfg.OutputDir, baseName, r.cfg.SampleRate, meta)
}

// fault reports a session error and leaves the machine disarmed.
func (r *Recorder) fault(err error) {
	applog.Errorf("recorder: session failed: %v", err)
	r.setState(StateStart)
	if r.onError != nil {
		r.onError(err)
	}
}

func formatSeconds(samples int64, rate int) string {
	return strconv.FormatFloat(float64(samples)/float64(rate), 'f', 3, 64)
}
