package usb

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"batmon/internal/config"
	applog "batmon/internal/log"
)

const (
	poolDepth     = config.URBPoolDepth
	packetsPerURB = config.PacketsPerURB

	maxSamplesPerURB = config.MaxSamplesPerPacket * config.MaxChannels * packetsPerURB

	// Depth of the burst notification channel. Kept below the URB pool
	// depth so a burst is consumed (or dropped) before its backing buffer
	// can cycle back through the kernel.
	burstChannelDepth = poolDepth - 2
)

// Guard sample after every URB buffer. The kernel hanging onto more data
// than requested would trample it, which is a sizing bug we cannot recover
// from.
const urbGuard = int16(-0x0532)

// DeviceParams describes an opened, configured device as handed over by the
// device collaborator.
type DeviceParams struct {
	FD              int
	EndpointAddress int // IN endpoint address without the direction bit.
	MaxPacketSize   int // Bytes per isochronous packet, from the endpoint descriptor.
	Channels        int
	SampleRate      int
}

// Driver owns a fixed-depth pool of isochronous transfer requests and
// juggles them against the kernel: submit all, reap one, process, resubmit,
// until cancellation is observed and every in-flight request is reaped.
type Driver struct {
	params DeviceParams

	bursts chan Burst

	mu      sync.Mutex // guards monitor swaps against the streaming thread
	monitor Sink

	paused    atomic.Bool
	cancelled atomic.Bool

	urbs    [poolDepth]*isoURB
	buffers [poolDepth][]int16

	dropped atomic.Uint64
}

// NewDriver prepares a driver for the given device. Stream must be called
// on a dedicated goroutine to start data flowing.
func NewDriver(params DeviceParams) (*Driver, error) {
	if params.Channels < 1 || params.Channels > config.MaxChannels {
		return nil, fmt.Errorf("usb: unsupported channel count %d", params.Channels)
	}
	if params.SampleRate/1000 > config.MaxSamplesPerPacket {
		return nil, fmt.Errorf("usb: sample rate %d exceeds full-speed USB capacity", params.SampleRate)
	}
	if params.MaxPacketSize <= 0 || params.MaxPacketSize/2 > config.MaxSamplesPerPacket*config.MaxChannels {
		return nil, fmt.Errorf("usb: implausible max packet size %d", params.MaxPacketSize)
	}

	d := &Driver{
		params: params,
		bursts: make(chan Burst, burstChannelDepth),
	}
	for i := range d.buffers {
		buf := make([]int16, maxSamplesPerURB+1)
		buf[maxSamplesPerURB] = urbGuard
		d.buffers[i] = buf
		d.urbs[i] = &isoURB{}
	}
	return d, nil
}

// Bursts returns the notification channel carrying compacted mono bursts.
// The channel is bounded with drop-when-full semantics: a slow consumer
// loses bursts instead of stalling the transfer cycle. It is closed when
// streaming ends.
func (d *Driver) Bursts() <-chan Burst { return d.bursts }

// SetMonitor installs or removes (nil) the sink fed inline from the
// streaming thread. The swap takes the lock only briefly.
func (d *Driver) SetMonitor(s Sink) {
	d.mu.Lock()
	d.monitor = s
	d.mu.Unlock()
}

// Pause suppresses burst forwarding while keeping the transfer cycle alive,
// so Resume takes effect instantly.
func (d *Driver) Pause() { d.paused.Store(true) }

// Resume re-enables burst forwarding.
func (d *Driver) Resume() { d.paused.Store(false) }

// Cancel requests cooperative shutdown of the streaming loop. The loop
// keeps reaping until no requests remain in flight.
func (d *Driver) Cancel() { d.cancelled.Store(true) }

// Dropped returns the number of bursts discarded because the notification
// channel was full.
func (d *Driver) Dropped() uint64 { return d.dropped.Load() }

func (d *Driver) initRequests() {
	requestedBytes := uint32(d.params.MaxPacketSize)
	for i := range d.urbs {
		u := d.urbs[i]
		u.Type = urbTypeIso
		u.Endpoint = uint8(d.params.EndpointAddress) | endpointDirIn
		u.Status = 0
		u.Flags = urbFlagIsoASAP
		u.Buffer = unsafe.Pointer(&d.buffers[i][0])
		u.BufferLength = 0
		u.ActualLength = 0
		u.StartFrame = 0
		u.NumPackets = packetsPerURB
		u.ErrorCount = 0
		u.Signr = 0
		u.Usercontext = unsafe.Pointer(u)
		for j := range u.Descs {
			// Requesting exactly the endpoint packet size matters: both
			// undersized and oversized requests can wedge REAPURB with
			// microphones that pad frames to stay in sync.
			u.Descs[j] = isoPacketDesc{Length: requestedBytes}
		}
	}
}

func (d *Driver) submit(u *isoURB) error {
	for {
		err := ioctl(d.params.FD, reqSubmitURB, unsafe.Pointer(u))
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Stream runs the transfer cycle until Cancel is observed and all in-flight
// requests are reaped. It locks its goroutine to an OS thread for the
// duration; the blocking reap ioctl must not migrate.
func (d *Driver) Stream() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(d.bursts)

	d.cancelled.Store(false)
	d.initRequests()

	inFlight := 0
	for i := range d.urbs {
		if err := d.submit(d.urbs[i]); err != nil {
			applog.Errorf("usb: submit failed: %v", err)
			// Nothing more can be queued; reap what did get in.
			d.Cancel()
			d.reapRemaining(inFlight)
			return fmt.Errorf("usb: submit transfer request: %w", err)
		}
		inFlight++
	}

	var streamErr error
	discarded := false
	for !d.cancelled.Load() || inFlight > 0 {
		if d.cancelled.Load() && !discarded {
			d.discardInFlight()
			discarded = true
		}
		u, err := d.reap()
		if err != nil {
			if err == unix.ENODEV {
				applog.Errorf("usb: device gone during reap")
				streamErr = ErrDeviceGone
				break
			}
			applog.Errorf("usb: reap failed: %v", err)
			continue
		}
		inFlight--

		d.process(u)

		if !d.cancelled.Load() {
			if err := d.submit(u); err != nil {
				applog.Errorf("usb: resubmit failed: %v", err)
				if err == unix.ENODEV {
					streamErr = ErrDeviceGone
					break
				}
			} else {
				inFlight++
			}
		}
	}

	if streamErr != nil {
		d.Cancel()
		d.reapRemaining(inFlight)
	}

	applog.Infof("usb: streaming ended (dropped bursts: %d)", d.Dropped())
	return streamErr
}

// reap blocks until the kernel hands back a completed request, retrying
// interrupted ioctls unless cancellation is pending.
func (d *Driver) reap() (*isoURB, error) {
	var reaped *urbHeader
	for {
		err := ioctl(d.params.FD, reqReapURB, unsafe.Pointer(&reaped))
		if err == nil {
			return (*isoURB)(reaped.Usercontext), nil
		}
		if err == unix.EINTR && !d.cancelled.Load() {
			continue
		}
		return nil, err
	}
}

// discardInFlight asks the kernel to complete every submitted request
// immediately. Requests not currently in flight fail the ioctl with EINVAL;
// each discarded request still comes back through reap.
func (d *Driver) discardInFlight() {
	for i := range d.urbs {
		_ = ioctl(d.params.FD, reqDiscardURB, unsafe.Pointer(d.urbs[i]))
	}
}

// reapRemaining drains in-flight requests after a fatal error so their
// buffers are no longer owned by the kernel when we return.
func (d *Driver) reapRemaining(inFlight int) {
	d.discardInFlight()
	for ; inFlight > 0; inFlight-- {
		if _, err := d.reap(); err != nil {
			if err != unix.ENODEV {
				applog.Warnf("usb: reap during shutdown: %v", err)
			}
			return
		}
	}
}

// process compacts a completed request's payload, down-mixes it to mono and
// forwards it to the consumers.
func (d *Driver) process(u *isoURB) {
	idx := d.bufferIndex(u)
	buf := d.buffers[idx]
	if buf[maxSamplesPerURB] != urbGuard {
		applog.Fatalf("usb: transfer buffer guard overwritten")
	}

	samples := compactPackets(buf, u.Descs[:])
	if d.params.Channels == 2 {
		samples = downmixStereo(buf, samples)
	}

	// Underrunning microphones send empty packets; skip them.
	if samples == 0 || d.paused.Load() {
		return
	}

	burst := Burst{Data: buf[:samples]}
	select {
	case d.bursts <- burst:
	default:
		d.dropped.Add(1)
	}

	d.mu.Lock()
	if d.monitor != nil {
		d.monitor.Process(burst.Data)
	}
	d.mu.Unlock()
}

func (d *Driver) bufferIndex(u *isoURB) int {
	for i := range d.urbs {
		if d.urbs[i] == u {
			return i
		}
	}
	applog.Fatalf("usb: reaped unknown transfer request")
	return -1
}
