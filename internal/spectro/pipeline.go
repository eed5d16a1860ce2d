package spectro

import (
	"context"

	applog "batmon/internal/log"
	"batmon/internal/ring"
)

// Slice is one time-step's transformed spectral result.
type Slice struct {
	TimeBucket int       `json:"timeBucket"`
	DB         []float64 `json:"db"`
	Triggered  bool      `json:"triggered"`
}

// Pipeline schedules slice emission over the ring buffer's logical sample
// counter: while enough samples are available it emits one slice per stride
// advance, fanning the results out to the display consumer and reporting
// trigger flags to the recorder as they are detected.
type Pipeline struct {
	proc *Processor
	buf  *ring.Buffer

	windowSamples int
	stride        int
	timeBuckets   int

	nextSliceEnd int64
	timeBucket   int

	scratch []int16

	slices  chan Slice
	trigger func()
}

// NewPipeline wires a processor to the ring buffer. trigger is invoked at
// the position of every triggered slice and must not block; the recorder's
// Trigger fits (it anchors and coalesces internally). nil when no recorder
// is attached.
func NewPipeline(proc *Processor, buf *ring.Buffer, stride, timeBuckets int, trigger func()) *Pipeline {
	return &Pipeline{
		proc:          proc,
		buf:           buf,
		windowSamples: proc.windowSamples,
		stride:        stride,
		timeBuckets:   timeBuckets,
		nextSliceEnd:  int64(proc.windowSamples),
		scratch:       make([]int16, proc.windowSamples),
		slices:        make(chan Slice, 64),
		trigger:       trigger,
	}
}

// Slices returns the bounded channel of emitted slices. Slices for which no
// reader keeps up are dropped, never the producer stalled.
func (p *Pipeline) Slices() <-chan Slice { return p.slices }

// Run processes slices as sample notifications arrive until the context is
// cancelled or the notification channel closes.
func (p *Pipeline) Run(ctx context.Context, notify <-chan struct{}) error {
	defer close(p.slices)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-notify:
			if !ok {
				return nil
			}
			p.advance()
		}
	}
}

// advance emits every slice the available samples permit.
func (p *Pipeline) advance() {
	written := p.buf.Written()
	for written >= p.nextSliceEnd {
		start := p.nextSliceEnd - int64(p.windowSamples)

		// If the writer has lapped the pending range the samples are gone;
		// jump to live data. The clamp also preserves the unsynchronized
		// copy invariant of the ring buffer.
		oldest := written - int64(p.buf.Capacity())
		if start < oldest {
			applog.Warnf("spectro: pipeline fell behind by %d samples, resyncing", oldest-start)
			p.nextSliceEnd = written
			continue
		}

		p.buf.CopyRange(start, p.scratch)

		db := make([]float64, p.proc.Buckets())
		triggered := p.proc.Process(p.scratch, db)

		slice := Slice{TimeBucket: p.timeBucket, DB: db, Triggered: triggered}
		select {
		case p.slices <- slice:
		default:
		}

		if triggered && p.trigger != nil {
			p.trigger()
		}

		// Visible region wrap: rather than tracking indefinitely, offsets
		// reset to the start of the region, accepting a display tear.
		p.timeBucket++
		if p.timeBucket >= p.timeBuckets {
			p.timeBucket = 0
		}
		p.nextSliceEnd += int64(p.stride)
	}
}
