//go:build linux

package upstream

import (
	"context"
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/usbgadget/gadget"
	"github.com/ardnew/usbgadget/pkg"
)

// usbdevfs ioctl type character and command numbers (linux/usbdevice_fs.h).
const usbdevfsType = 'U'

const (
	ioctlControl          = 0
	ioctlBulk             = 2
	ioctlResetEP          = 3
	ioctlClaimInterface   = 15
	ioctlReleaseInterface = 16
	ioctlConnectInfo      = 17
	ioctlReset            = 20
	ioctlDisconnect       = 22
	ioctlConnect          = 23
)

// ioc constructs an ioctl number from direction, type, number, and size,
// matching the kernel's _IOC encoding on 64-bit Linux.
func ioc(dir, typ, nr, size uintptr) uintptr {
	const (
		nrBits   = 8
		typeBits = 8
		sizeBits = 14
		nrShift  = 0
	)
	typeShift := uintptr(nrShift + nrBits)
	sizeShift := typeShift + typeBits
	dirShift := sizeShift + sizeBits
	return (dir << dirShift) | (typ << typeShift) | (nr << nrShift) | (size << sizeShift)
}

func ior(typ, nr, size uintptr) uintptr  { return ioc(2, typ, nr, size) }
func iow(typ, nr, size uintptr) uintptr  { return ioc(1, typ, nr, size) }
func iowr(typ, nr, size uintptr) uintptr { return ioc(3, typ, nr, size) }
func ioctlNoArg(typ, nr uintptr) uintptr { return ioc(0, typ, nr, 0) }

var (
	ioctlUsbdevfsControl          = iowr(usbdevfsType, ioctlControl, unsafe.Sizeof(ctrlTransfer{}))
	ioctlUsbdevfsBulk             = iowr(usbdevfsType, ioctlBulk, unsafe.Sizeof(bulkTransfer{}))
	ioctlUsbdevfsResetEP          = ior(usbdevfsType, ioctlResetEP, 4)
	ioctlUsbdevfsClaimInterface   = ior(usbdevfsType, ioctlClaimInterface, 4)
	ioctlUsbdevfsReleaseInterface = ior(usbdevfsType, ioctlReleaseInterface, 4)
	ioctlUsbdevfsConnectInfo      = iow(usbdevfsType, ioctlConnectInfo, 8)
	ioctlUsbdevfsReset            = ioctlNoArg(usbdevfsType, ioctlReset)
	ioctlUsbdevfsDisconnect       = ioctlNoArg(usbdevfsType, ioctlDisconnect)
	ioctlUsbdevfsConnect          = ioctlNoArg(usbdevfsType, ioctlConnect)
)

// ctrlTransfer mirrors struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32
	data        uintptr
}

// bulkTransfer mirrors struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32
	data     uintptr
}

// connectInfo mirrors struct usbdevfs_connectinfo.
type connectInfo struct {
	devnum uint32
	slow   uint8
	_      [3]byte
}

// USBFSDriver implements Driver against the Linux usbfs ioctl interface
// directly, without a cgo dependency on libusb.
type USBFSDriver struct {
	path string
	file *os.File

	speed gadget.Speed
}

// NewUSBFSDriver creates a driver bound to a usbfs device node, e.g.
// /dev/bus/usb/001/004.
func NewUSBFSDriver(path string) *USBFSDriver {
	return &USBFSDriver{path: path}
}

// Find is a no-op: the usbfs device node path is already fixed at
// construction. Callers that need bus enumeration should locate the path
// under /dev/bus/usb via sysfs before constructing a USBFSDriver.
func (d *USBFSDriver) Find(ctx context.Context, vendorID, productID uint16) error {
	return nil
}

// Open opens the usbfs device node.
func (d *USBFSDriver) Open(ctx context.Context, detachKernelDriver bool) error {
	f, err := os.OpenFile(d.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.path, err)
	}
	d.file = f

	var info connectInfo
	if err := d.ioctl(ioctlUsbdevfsConnectInfo, unsafe.Pointer(&info)); err != nil {
		pkg.LogWarn(pkg.ComponentUpstream, "connect info unavailable", "error", err)
	} else if info.slow != 0 {
		d.speed = gadget.SpeedLow
	} else {
		d.speed = gadget.SpeedFull
	}
	return nil
}

func (d *USBFSDriver) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.file.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Speed implements Driver.
func (d *USBFSDriver) Speed() gadget.Speed {
	return d.speed
}

// Reset implements Driver.
func (d *USBFSDriver) Reset(ctx context.Context) error {
	return d.ioctl(ioctlUsbdevfsReset, nil)
}

// SetConfiguration implements Driver by issuing a standard
// SET_CONFIGURATION control transfer, the portable path across usbfs
// kernel versions.
func (d *USBFSDriver) SetConfiguration(ctx context.Context, value uint8) error {
	return d.ControlOut(ctx, 0x00, gadget.RequestSetConfiguration, uint16(value), 0, nil, time.Second)
}

// SetInterfaceAlt implements Driver.
func (d *USBFSDriver) SetInterfaceAlt(ctx context.Context, number, alternate uint8) error {
	return d.ControlOut(ctx, 0x01, gadget.RequestSetInterface, uint16(alternate), uint16(number), nil, time.Second)
}

// ClearHalt implements Driver.
func (d *USBFSDriver) ClearHalt(ctx context.Context, address uint8) error {
	ep := uint32(address)
	return d.ioctl(ioctlUsbdevfsResetEP, unsafe.Pointer(&ep))
}

// ClaimInterface claims exclusive access to an interface, needed before
// SetInterfaceAlt or any class transfer against it.
func (d *USBFSDriver) ClaimInterface(number uint8) error {
	n := uint32(number)
	return d.ioctl(ioctlUsbdevfsClaimInterface, unsafe.Pointer(&n))
}

// ReleaseInterface releases a previously claimed interface.
func (d *USBFSDriver) ReleaseInterface(number uint8) error {
	n := uint32(number)
	return d.ioctl(ioctlUsbdevfsReleaseInterface, unsafe.Pointer(&n))
}

// ControlIn implements Driver.
func (d *USBFSDriver) ControlIn(ctx context.Context, requestType, request uint8, value, index uint16, length uint16, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, length)
	ctrl := ctrlTransfer{
		requestType: requestType | 0x80,
		request:     request,
		value:       value,
		index:       index,
		length:      length,
		timeout:     uint32(timeout.Milliseconds()),
	}
	if length > 0 {
		ctrl.data = uintptr(unsafe.Pointer(&buf[0]))
	}
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, d.file.Fd(), ioctlUsbdevfsControl, uintptr(unsafe.Pointer(&ctrl)))
	if errno != 0 {
		return nil, errno
	}
	return buf[:n], nil
}

// ControlOut implements Driver.
func (d *USBFSDriver) ControlOut(ctx context.Context, requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) error {
	ctrl := ctrlTransfer{
		requestType: requestType &^ 0x80,
		request:     request,
		value:       value,
		index:       index,
		length:      uint16(len(data)),
		timeout:     uint32(timeout.Milliseconds()),
	}
	if len(data) > 0 {
		ctrl.data = uintptr(unsafe.Pointer(&data[0]))
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.file.Fd(), ioctlUsbdevfsControl, uintptr(unsafe.Pointer(&ctrl)))
	if errno != 0 {
		return errno
	}
	return nil
}

// BulkRead implements Driver.
func (d *USBFSDriver) BulkRead(ctx context.Context, address uint8, buf []byte, timeout time.Duration) (int, error) {
	bulk := bulkTransfer{
		endpoint: uint32(address),
		length:   uint32(len(buf)),
		timeout:  uint32(timeout.Milliseconds()),
	}
	if len(buf) > 0 {
		bulk.data = uintptr(unsafe.Pointer(&buf[0]))
	}
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, d.file.Fd(), ioctlUsbdevfsBulk, uintptr(unsafe.Pointer(&bulk)))
	if errno == unix.ETIMEDOUT {
		return 0, pkg.ErrTimeout
	}
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// BulkWrite implements Driver.
func (d *USBFSDriver) BulkWrite(ctx context.Context, address uint8, data []byte, timeout time.Duration) (int, error) {
	bulk := bulkTransfer{
		endpoint: uint32(address),
		length:   uint32(len(data)),
		timeout:  uint32(timeout.Milliseconds()),
	}
	if len(data) > 0 {
		bulk.data = uintptr(unsafe.Pointer(&data[0]))
	}
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, d.file.Fd(), ioctlUsbdevfsBulk, uintptr(unsafe.Pointer(&bulk)))
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// Close implements Driver.
func (d *USBFSDriver) Close() error {
	if d.file == nil {
		return nil
	}
	return d.file.Close()
}
