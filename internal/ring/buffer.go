// Package ring implements the fixed-capacity circular sample buffer shared
// by the spectrogram pipeline and the file writer.
//
// Index bookkeeping is lock-protected purely to provide a memory-ordering
// barrier; the bulk sample copies are not synchronized. That hybrid is safe
// only while every consumer's read cursor stays behind the writer by at
// least the amount it is about to read. Consumers preserve the invariant by
// clamping their lookback and chunk sizes to Available().
package ring

import (
	"sync"

	applog "batmon/internal/log"
)

// guardSample terminates the backing array. A corrupted guard means a
// sizing bug somewhere upstream, which is unrecoverable.
const guardSample = int16(-0x0532)

// CopyBurst copies src into dst starting at writeIndex, wrapping at the end
// of dst. The copy happens in at most two contiguous parts. The returned
// count equals len(src), clamped defensively to len(dst) if oversupplied.
func CopyBurst(src, dst []int16, writeIndex int) int {
	if len(dst) == 0 {
		return 0
	}
	if len(src) > len(dst) {
		src = src[:len(dst)]
	}

	n := copy(dst[writeIndex:], src)
	if n < len(src) {
		n += copy(dst, src[n:])
	}
	return n
}

// Buffer is a fixed array of int16 samples with one producer and any number
// of independent consumers. Positions are tracked as monotonically
// increasing logical sample counters and mapped to ring offsets only at the
// point of use.
type Buffer struct {
	mu       sync.Mutex
	data     []int16 // capacity samples plus the guard slot
	capacity int

	writeIndex int
	written    int64
}

// NewBuffer creates a buffer holding capacity samples.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	data := make([]int16, capacity+1)
	data[capacity] = guardSample
	return &Buffer{data: data, capacity: capacity}
}

// Capacity returns the buffer length in samples.
func (b *Buffer) Capacity() int { return b.capacity }

// Write copies src into the buffer at the current write position and
// publishes the new position. Returns the number of samples accepted.
func (b *Buffer) Write(src []int16) int {
	b.checkGuard()
	n := CopyBurst(src, b.data[:b.capacity], b.writeIndex)

	// The lock is the memory barrier that publishes the copied samples
	// together with the new indices.
	b.mu.Lock()
	b.writeIndex = (b.writeIndex + n) % b.capacity
	b.written += int64(n)
	b.mu.Unlock()
	return n
}

// Written returns the logical sample counter: the total number of samples
// ever written.
func (b *Buffer) Written() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// CopyRange copies len(dst) samples starting at the logical position start
// into dst. The read is unsynchronized; callers must hold positions within
// (Written()-Capacity(), Written()] per the package invariant.
func (b *Buffer) CopyRange(start int64, dst []int16) {
	b.checkGuard()
	offset := int(start % int64(b.capacity))
	n := copy(dst, b.data[offset:b.capacity])
	if n < len(dst) {
		copy(dst[n:], b.data[:b.capacity])
	}
}

// checkGuard verifies the guard slot on every buffer access.
func (b *Buffer) checkGuard() {
	if b.data[b.capacity] != guardSample {
		applog.Fatalf("ring: guard sample overwritten, buffer sizing is corrupt")
	}
}

// Cursor is an independent read position into a Buffer.
type Cursor struct {
	buf  *Buffer
	read int64
}

// NewCursor returns a cursor positioned at the current write position, so
// it initially has nothing to read.
func (b *Buffer) NewCursor() *Cursor {
	return &Cursor{buf: b, read: b.Written()}
}

// Available returns the number of unread samples, capped at the buffer
// capacity.
func (c *Cursor) Available() int {
	avail := c.buf.Written() - c.read
	if avail > int64(c.buf.capacity) {
		avail = int64(c.buf.capacity)
	}
	if avail < 0 {
		avail = 0
	}
	return int(avail)
}

// Position returns the cursor's logical sample position.
func (c *Cursor) Position() int64 { return c.read }

// SeekBack moves the cursor up to n samples into history, clamped to what
// the buffer still holds. Returns the number of samples actually gained.
// The clamp is what keeps the reader from lapping the writer.
func (c *Cursor) SeekBack(n int64) int64 {
	written := c.buf.Written()
	oldest := written - int64(c.buf.capacity)
	if oldest < 0 {
		oldest = 0
	}
	target := c.read - n
	if target < oldest {
		target = oldest
	}
	gained := c.read - target
	c.read = target
	return gained
}

// SeekTo moves the cursor to the logical sample position pos, skipping or
// rewinding over any unread samples.
func (c *Cursor) SeekTo(pos int64) { c.read = pos }

// Read copies up to len(dst) unread samples into dst and advances the
// cursor. Returns the number of samples copied.
func (c *Cursor) Read(dst []int16) int {
	avail := c.Available()
	if avail == 0 {
		return 0
	}
	if len(dst) > avail {
		dst = dst[:avail]
	}
	c.buf.CopyRange(c.read, dst)
	c.read += int64(len(dst))
	return len(dst)
}
