// Package upstream defines the contract a proxy needs from a real USB
// host-side library to open and drive the device it is impersonating.
// Two concrete implementations are provided: usbfs_linux.go (raw Linux
// usbfs ioctls) and libusb.go (github.com/google/gousb).
package upstream

import (
	"context"
	"time"

	"github.com/ardnew/usbgadget/gadget"
)

// Driver is a host-side USB device handle, documented thoroughly enough
// to be re-implemented against any system USB library.
type Driver interface {
	// Find locates a connected device matching vendorID/productID without
	// opening it.
	Find(ctx context.Context, vendorID, productID uint16) error

	// Open opens the device Find located. If detachKernelDriver is true
	// and the platform has a kernel driver bound to the device, Open
	// detaches it first.
	Open(ctx context.Context, detachKernelDriver bool) error

	// Speed returns the negotiated connection speed.
	Speed() gadget.Speed

	// Reset issues a USB port reset to the upstream device.
	Reset(ctx context.Context) error

	// SetConfiguration selects a configuration by value. Interface claims
	// are not re-established afterwards: LibusbDriver releases its claimed
	// interface and leaves it released until the next SetInterfaceAlt, and
	// USBFSDriver issues the request without releasing or claiming anything.
	SetConfiguration(ctx context.Context, value uint8) error

	// SetInterfaceAlt selects an alternate setting on an already-claimed
	// interface.
	SetInterfaceAlt(ctx context.Context, number, alternate uint8) error

	// ClearHalt clears a stall condition on the given endpoint address.
	ClearHalt(ctx context.Context, address uint8) error

	// ControlIn issues a control IN transfer and returns up to length
	// bytes of data.
	ControlIn(ctx context.Context, requestType, request uint8, value, index uint16, length uint16, timeout time.Duration) ([]byte, error)

	// ControlOut issues a control OUT transfer.
	ControlOut(ctx context.Context, requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) error

	// BulkRead reads up to len(buf) bytes from the given IN endpoint,
	// returning pkg.ErrTimeout (wrapped) if no data arrives within
	// timeout — callers treat that as "no data this cycle", not a fault.
	BulkRead(ctx context.Context, address uint8, buf []byte, timeout time.Duration) (int, error)

	// BulkWrite writes data to the given OUT endpoint.
	BulkWrite(ctx context.Context, address uint8, data []byte, timeout time.Duration) (int, error)

	// Close releases the device handle.
	Close() error
}
