package gadget

import (
	"fmt"
	"sync"

	"github.com/ardnew/usbgadget/pkg"
)

// Endpoint represents a USB endpoint attached to an interface (or, for
// endpoint 0, directly to the device).
type Endpoint struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage for isochronous
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval (interrupt/isochronous)
	Extra         []byte // Trailing raw descriptor bytes with no identifier, always attached inline

	mutex       sync.Mutex
	stalled     bool
	dataToggle  bool
	frameNumber uint16
	descriptors descriptorTable
}

// NewEndpoint creates a new endpoint from a descriptor.
func NewEndpoint(desc *EndpointDescriptor) *Endpoint {
	return &Endpoint{
		Address:       desc.EndpointAddress,
		Attributes:    desc.Attributes,
		MaxPacketSize: desc.MaxPacketSize,
		Interval:      desc.Interval,
	}
}

// Number returns the endpoint number (0-15).
func (e *Endpoint) Number() uint8 {
	return e.Address & 0x0F
}

// Direction returns the endpoint direction.
func (e *Endpoint) Direction() Direction {
	return Direction(e.Address & 0x80)
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *Endpoint) IsIn() bool {
	return e.Direction() == DirectionIn
}

// TransferType returns the endpoint's transfer type.
func (e *Endpoint) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// IsIsochronous returns true if this is an isochronous endpoint.
func (e *Endpoint) IsIsochronous() bool {
	return e.TransferType() == TransferTypeIsochronous
}

// SetStall sets or clears the stall condition.
func (e *Endpoint) SetStall(stalled bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.stalled = stalled
	if stalled {
		pkg.LogDebug(pkg.ComponentEndpoint, "endpoint stalled",
			"address", fmt.Sprintf("0x%02X", e.Address))
	} else {
		pkg.LogDebug(pkg.ComponentEndpoint, "endpoint stall cleared",
			"address", fmt.Sprintf("0x%02X", e.Address))
	}
}

// IsStalled returns true if the endpoint is stalled.
func (e *Endpoint) IsStalled() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.stalled
}

// DataToggle returns the current data toggle state.
func (e *Endpoint) DataToggle() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.dataToggle
}

// ToggleData flips the data toggle state.
func (e *Endpoint) ToggleData() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.dataToggle = !e.dataToggle
}

// ResetDataToggle resets the data toggle to DATA0. Clearing a halt or
// selecting a new alternate setting both reset the toggle.
func (e *Endpoint) ResetDataToggle() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.dataToggle = false
}

// FrameNumber returns the current frame number for isochronous scheduling.
func (e *Endpoint) FrameNumber() uint16 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.frameNumber
}

// SetFrameNumber sets the frame number for isochronous scheduling.
func (e *Endpoint) SetFrameNumber(frame uint16) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.frameNumber = frame
}

// AddDescriptor attaches or registers a class-/vendor-specific
// sub-descriptor on this endpoint. Returns pkg.ErrBusy if the descriptor's
// (Type, Index) identifier is already used on this endpoint.
func (e *Endpoint) AddDescriptor(d ExtraDescriptor) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.descriptors.add(d)
}

// RequestableDescriptor returns the data of a requestable sub-descriptor
// registered at (descType, index), and whether one exists.
func (e *Endpoint) RequestableDescriptor(descType, index uint8) ([]byte, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.descriptors.requestable(descType, index)
}

// extraLength returns the number of bytes this endpoint contributes beyond
// its own 7-byte standard descriptor: Extra followed by every attached
// sub-descriptor.
func (e *Endpoint) extraLength() uint16 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return uint16(len(e.Extra)) + e.descriptors.attachedLength()
}

// marshalExtra writes Extra followed by every attached sub-descriptor to
// buf, in that order, returning the number of bytes written.
func (e *Endpoint) marshalExtra(buf []byte) int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	n := copy(buf, e.Extra)
	n += e.descriptors.marshalAttached(buf[n:])
	return n
}

// Descriptor returns the endpoint descriptor.
func (e *Endpoint) Descriptor() *EndpointDescriptor {
	return &EndpointDescriptor{
		Length:          EndpointDescriptorSize,
		DescriptorType:  DescriptorTypeEndpoint,
		EndpointAddress: e.Address,
		Attributes:      e.Attributes,
		MaxPacketSize:   e.MaxPacketSize,
		Interval:        e.Interval,
	}
}
