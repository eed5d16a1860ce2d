package usb

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// urbHeader mirrors struct usbdevfs_urb up to its flexible iso descriptor
// array. Field order and natural alignment must match the kernel layout.
type urbHeader struct {
	Type         uint8
	Endpoint     uint8
	Status       int32
	Flags        uint32
	Buffer       unsafe.Pointer
	BufferLength int32
	ActualLength int32
	StartFrame   int32
	NumPackets   int32
	ErrorCount   int32
	Signr        uint32
	Usercontext  unsafe.Pointer
}

// isoURB carries a urbHeader plus its iso packet descriptors in one
// allocation. The kernel declares the descriptor array with length zero, so
// ioctl size calculations use urbHeader alone.
type isoURB struct {
	urbHeader
	Descs [packetsPerURB]isoPacketDesc
}

type setInterface struct {
	Interface  uint32
	AltSetting uint32
}

const (
	urbTypeIso = 0 // USBDEVFS_URB_TYPE_ISO

	urbFlagIsoASAP = 0x02 // USBDEVFS_URB_ISO_ASAP

	endpointDirIn = 0x80
)

// usbdevfs ioctl requests. The direction bits follow the kernel headers,
// which historically use _IOR for requests that pass data in.
func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | 'U'<<8 | nr
}

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

var (
	reqSetInterface     = ioc(iocRead, 4, unsafe.Sizeof(setInterface{}))
	reqSubmitURB        = ioc(iocRead, 10, unsafe.Sizeof(urbHeader{}))
	reqDiscardURB       = ioc(iocNone, 11, 0)
	reqReapURB          = ioc(iocWrite, 12, unsafe.Sizeof(uintptr(0)))
	reqClaimInterface   = ioc(iocRead, 15, unsafe.Sizeof(uint32(0)))
	reqReleaseInterface = ioc(iocRead, 16, unsafe.Sizeof(uint32(0)))
)

// ioctl issues a raw ioctl, returning the errno as error when nonzero.
func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Open opens a usbdevfs node, claims the streaming interface and selects
// the alternate setting that carries the isochronous endpoint. This is the
// thin slice of device control the engine needs; enumeration and descriptor
// parsing stay with the platform layer.
func Open(path string, iface, altSetting int) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("usb: open %s: %w", path, err)
	}

	ifno := uint32(iface)
	if err := ioctl(fd, reqClaimInterface, unsafe.Pointer(&ifno)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("usb: claim interface %d: %w", iface, err)
	}

	si := setInterface{Interface: uint32(iface), AltSetting: uint32(altSetting)}
	if err := ioctl(fd, reqSetInterface, unsafe.Pointer(&si)); err != nil {
		releaseAndClose(fd, iface)
		return -1, fmt.Errorf("usb: set interface %d alt %d: %w", iface, altSetting, err)
	}

	return fd, nil
}

// Close releases the claimed interface and closes the descriptor.
func Close(fd, iface int) {
	releaseAndClose(fd, iface)
}

func releaseAndClose(fd, iface int) {
	ifno := uint32(iface)
	_ = ioctl(fd, reqReleaseInterface, unsafe.Pointer(&ifno))
	_ = unix.Close(fd)
}
