// Package usb drives the isochronous transfer cycle of a USB ultrasonic
// microphone through the Linux usbdevfs interface. The device collaborator
// opens and configures the device; this package only issues transfers.
package usb

import "errors"

// ErrDeviceGone reports that the microphone disappeared mid-stream,
// typically because it was unplugged.
var ErrDeviceGone = errors.New("usb: device disconnected")

// isoPacketDesc mirrors struct usbdevfs_iso_packet_desc.
type isoPacketDesc struct {
	Length       uint32
	ActualLength uint32
	Status       uint32
}

// Burst is a block of mono samples from one completed transfer. The slice
// aliases driver-owned memory that is recycled once the transfer request is
// resubmitted, so consumers must copy it during the notification that
// delivers it and never retain it.
type Burst struct {
	Data []int16
}

// Sink consumes raw bursts synchronously on the streaming thread.
// Implementations must not block beyond their own bounded timeouts.
type Sink interface {
	Process(samples []int16)
}

// compactPackets removes the padding gaps between sub-frames of a completed
// transfer. Devices that do not lock their clock to the USB start-of-frame
// deliver fewer samples than requested per packet, leaving each packet's
// payload at its requested offset. Compaction is in place; source and
// destination overlap, with the destination never ahead of the source.
// Returns the payload length in samples.
func compactPackets(data []int16, descs []isoPacketDesc) int {
	dst, src := 0, 0
	for i := range descs {
		n := int(descs[i].ActualLength) / 2
		if i > 0 && n > 0 {
			copy(data[dst:dst+n], data[src:src+n])
		}
		dst += n
		src += int(descs[i].Length) / 2
	}
	return dst
}

// downmixStereo averages interleaved stereo pairs into mono, in place.
// Returns the mono sample count.
func downmixStereo(data []int16, samples int) int {
	half := samples / 2
	for i, j := 0, 0; i < half; i, j = i+1, j+2 {
		data[i] = int16((int32(data[j]) + int32(data[j+1])) >> 1)
	}
	return half
}
