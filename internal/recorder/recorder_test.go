package recorder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"batmon/internal/ring"
)

func testConfig(dir string) Config {
	return Config{
		SampleRate:         48000,
		OutputDir:          dir,
		PreTriggerSamples:  0,
		PostTriggerSamples: 1000,
		MaxFileSamples:     1 << 30,
		ChunkSamples:       100,
		Make:               "TestMake",
		Model:              "TestModel",
		Software:           "batmon-test",
	}
}

type harness struct {
	rec    *Recorder
	buf    *ring.Buffer
	files  chan FileInfo
	cancel context.CancelFunc
	done   chan struct{}
	runErr error // valid after done is closed
}

func startHarness(t *testing.T, cfg Config, ringSize int) *harness {
	t.Helper()
	h := &harness{
		buf:   ring.NewBuffer(ringSize),
		files: make(chan FileInfo, 16),
	}
	rec, err := NewRecorder(cfg, h.buf,
		func(fi FileInfo) { h.files <- fi },
		func(err error) { t.Errorf("recorder error: %v", err) })
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	h.rec = rec

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		h.runErr = rec.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

// feed writes samples to the buffer and pokes the recorder, mirroring the
// ingest path.
func (h *harness) feed(n int) {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(i)
	}
	h.buf.Write(samples)
	h.rec.Notify()
}

func (h *harness) waitFile(t *testing.T) FileInfo {
	t.Helper()
	select {
	case fi := <-h.files:
		return fi
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a finished file")
		return FileInfo{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func listWavs(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return matches
}

func TestAutoModeWithoutTriggerWritesNothing(t *testing.T) {
	dir := t.TempDir()
	h := startHarness(t, testConfig(dir), 4096)

	h.rec.SetMode(ModeAuto)
	waitFor(t, "arming", func() bool { return h.rec.State() == StateAutoTrigger })
	for i := 0; i < 10; i++ {
		h.feed(500)
	}
	h.rec.SetMode(ModeOff)
	waitFor(t, "disarm", func() bool { return h.rec.State() == StateStart })

	if files := listWavs(t, dir); len(files) != 0 {
		t.Fatalf("expected no files, found %v", files)
	}
}

func TestManualSessionProducesOneFile(t *testing.T) {
	dir := t.TempDir()
	h := startHarness(t, testConfig(dir), 4096)

	h.rec.SetMode(ModeManual)
	h.feed(1000)
	waitFor(t, "samples drained", func() bool { return h.rec.SessionWritten() == 1000 })
	h.rec.SetMode(ModeOff)

	fi := h.waitFile(t)
	if fi.Samples != 1000 {
		t.Errorf("Samples = %d, want 1000", fi.Samples)
	}
	if fi.Trigger != "MANUAL" {
		t.Errorf("Trigger = %q, want MANUAL", fi.Trigger)
	}
	if files := listWavs(t, dir); len(files) != 1 {
		t.Fatalf("expected one file, found %v", files)
	}
}

func TestManualDisarmWithNoDataStillFinalizes(t *testing.T) {
	dir := t.TempDir()
	h := startHarness(t, testConfig(dir), 4096)

	h.rec.SetMode(ModeManual)
	h.rec.SetMode(ModeOff)

	fi := h.waitFile(t)
	if fi.Samples != 0 {
		t.Errorf("Samples = %d, want 0", fi.Samples)
	}
	if files := listWavs(t, dir); len(files) != 1 {
		t.Fatalf("expected one file, found %v", files)
	}
}

func TestCancelMidManualSessionEndsRun(t *testing.T) {
	dir := t.TempDir()
	h := startHarness(t, testConfig(dir), 4096)

	h.rec.SetMode(ModeManual)
	h.feed(1000)
	waitFor(t, "samples drained", func() bool { return h.rec.SessionWritten() == 1000 })

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if h.runErr != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", h.runErr)
	}

	// The open file is flushed and finalized exactly once; cancellation
	// must not roll the session over into continuation files.
	fi := h.waitFile(t)
	if fi.Samples != 1000 {
		t.Errorf("Samples = %d, want 1000", fi.Samples)
	}
	if fi.Trigger != "MANUAL" {
		t.Errorf("Trigger = %q, want MANUAL", fi.Trigger)
	}
	if files := listWavs(t, dir); len(files) != 1 {
		t.Fatalf("expected one file, found %v", files)
	}
}

func TestRetriggerExtendsSession(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.PostTriggerSamples = 1000
	h := startHarness(t, cfg, 1<<16)

	h.rec.SetMode(ModeAuto)
	waitFor(t, "arming", func() bool { return h.rec.State() == StateAutoTrigger })
	h.rec.Trigger() // anchored at position 0
	h.feed(400)
	waitFor(t, "first window", func() bool { return h.rec.SessionWritten() == 400 })

	// The retrigger is anchored at position 400, so the session now runs
	// to 400 + 1000 samples no matter when the run task consumes it.
	h.rec.Trigger()
	h.feed(1000)

	fi := h.waitFile(t)
	if fi.Samples != 1400 {
		t.Errorf("Samples = %d, want 1400", fi.Samples)
	}
	if fi.Trigger != "AUTO" {
		t.Errorf("Trigger = %q, want AUTO", fi.Trigger)
	}
}

func TestPreTriggerClampedToHistory(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.PreTriggerSamples = 10000
	cfg.PostTriggerSamples = 100
	h := startHarness(t, cfg, 4096)

	h.rec.SetMode(ModeAuto)
	waitFor(t, "arming", func() bool { return h.rec.State() == StateAutoTrigger })
	h.feed(200) // all the history that exists
	h.rec.Trigger()
	waitFor(t, "pre-trigger drained", func() bool { return h.rec.SessionWritten() >= 200 })
	h.feed(100)

	fi := h.waitFile(t)
	if fi.Samples != 300 {
		t.Errorf("Samples = %d, want 300 (200 history + 100 post)", fi.Samples)
	}
}

func TestMaxFileBudgetRollsOverToContinuation(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.MaxFileSamples = 250
	cfg.ChunkSamples = 50
	h := startHarness(t, cfg, 4096)

	h.rec.SetMode(ModeManual)
	h.feed(600)
	waitFor(t, "samples drained", func() bool { return h.rec.SessionWritten() == 600 })
	h.rec.SetMode(ModeOff)

	var got []FileInfo
	for i := 0; i < 3; i++ {
		got = append(got, h.waitFile(t))
	}
	wantSamples := []int64{250, 250, 100}
	wantTriggers := []string{"MANUAL", "CONTINUATION", "CONTINUATION"}
	for i, fi := range got {
		if fi.Samples != wantSamples[i] {
			t.Errorf("file %d: Samples = %d, want %d", i, fi.Samples, wantSamples[i])
		}
		if fi.Trigger != wantTriggers[i] {
			t.Errorf("file %d: Trigger = %q, want %q", i, fi.Trigger, wantTriggers[i])
		}
	}
	if files := listWavs(t, dir); len(files) != 3 {
		t.Fatalf("expected three files, found %v", files)
	}
}

func TestQueuedTriggerStartsFreshSession(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.PostTriggerSamples = 100
	h := startHarness(t, cfg, 4096)

	h.rec.SetMode(ModeAuto)
	waitFor(t, "arming", func() bool { return h.rec.State() == StateAutoTrigger })
	h.rec.Trigger()
	h.feed(100)

	fi := h.waitFile(t)
	if fi.Samples != 100 {
		t.Fatalf("first session: Samples = %d, want 100", fi.Samples)
	}

	h.rec.Trigger()
	h.feed(100)
	fi = h.waitFile(t)
	if fi.Samples != 100 {
		t.Fatalf("second session: Samples = %d, want 100", fi.Samples)
	}
	if files := listWavs(t, dir); len(files) != 2 {
		t.Fatalf("expected two files, found %v", files)
	}
}

func TestResetIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	h := startHarness(t, testConfig(dir), 4096)

	h.rec.SetMode(ModeAuto)
	h.rec.Reset()
	h.rec.Reset()
	waitFor(t, "disarm", func() bool { return h.rec.State() == StateStart })
	if files := listWavs(t, dir); len(files) != 0 {
		t.Fatalf("expected no files, found %v", files)
	}
}

func TestModeStrings(t *testing.T) {
	cases := []struct {
		mode Mode
		want string
	}{
		{ModeOff, "OFF"},
		{ModeAuto, "AUTO"},
		{ModeManual, "MANUAL"},
		{ModeContinuation, "CONTINUATION"},
	}
	for _, tc := range cases {
		if got := tc.mode.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", int(tc.mode), got, tc.want)
		}
	}
}

func TestNewRecorderRejectsBadConfig(t *testing.T) {
	buf := ring.NewBuffer(1024)
	bad := []Config{
		{SampleRate: 0, MaxFileSamples: 100},
		{SampleRate: 48000, MaxFileSamples: 0},
		{SampleRate: 48000, MaxFileSamples: 100, PreTriggerSamples: -1},
	}
	for i, cfg := range bad {
		if _, err := NewRecorder(cfg, buf, nil, nil); err == nil {
			t.Errorf("config %d: expected error", i)
		}
	}
}
