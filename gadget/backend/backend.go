// Package backend defines the hardware/transport abstraction a gadget
// emulator core drives: the downward operations a backend must implement,
// and the upward events it reports back through an EventSink while the
// emulator's ServiceEvents loop is running.
package backend

import "context"

// EndpointConfig describes an endpoint to configure in hardware or in a
// software transport when a configuration becomes active.
type EndpointConfig struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

// Number returns the endpoint number (0-15).
func (e *EndpointConfig) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint.
func (e *EndpointConfig) IsIn() bool {
	return e.Address&0x80 != 0
}

// SetupPacket mirrors gadget.SetupPacket at the backend boundary, so this
// package has no import-cycle dependency on the gadget package.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// EventSink receives events a backend observes on the bus. A backend
// calls into the sink only from within its ServiceEvents method; the
// emulator core guarantees these calls are serialized with the rest of
// its own state mutation, so a backend need not take its own lock around
// sink calls beyond what its own event queue requires.
type EventSink interface {
	// BusReset reports a bus reset condition.
	BusReset()

	// SetupReceived reports a SETUP packet arrived on EP0.
	SetupReceived(setup *SetupPacket)

	// DataReceived reports data arrived on an OUT endpoint.
	DataReceived(address uint8, data []byte)

	// BufferEmpty reports an IN endpoint's transmit buffer has drained
	// and is ready for more data.
	BufferEmpty(address uint8)
}

// Backend is the hardware/transport abstraction layer a gadget emulator
// drives. Implementations range from real peripheral-mode USB controller
// drivers to in-process loopback transports used for testing.
//
// All methods must be safe for concurrent use; ServiceEvents in
// particular runs concurrently with any other method a coroutine might
// call on the same backend.
type Backend interface {
	// Connect powers up the backend and attaches it to the bus. After
	// Connect returns, the peripheral should be visible to the host.
	Connect(ctx context.Context) error

	// Disconnect detaches from the bus. Disconnect must be safe to call
	// more than once and after Connect failed.
	Disconnect() error

	// Reset clears any backend-side transfer state after a bus reset.
	Reset() error

	// SetAddress configures the backend's bus address. defer_ reports
	// whether the backend should wait to apply the address until the
	// control transfer's status stage completes (always true for the
	// standard SET_ADDRESS flow; USB 2.0 Spec section 9.4.6).
	SetAddress(ctx context.Context, address uint8, defer_ bool) error

	// ConfigureEndpoints configures backend endpoints for the active
	// configuration. A nil or empty slice unconfigures all endpoints.
	ConfigureEndpoints(endpoints []EndpointConfig) error

	// SendControl writes the data stage of a control IN transfer.
	SendControl(ctx context.Context, data []byte) error

	// ReceiveControl reads the data stage of a control OUT transfer.
	ReceiveControl(ctx context.Context, buf []byte) (int, error)

	// AckControlStatus completes a control transfer's status stage.
	AckControlStatus(ctx context.Context) error

	// StallControl stalls EP0 to signal a control request failure.
	StallControl() error

	// Send writes data to an IN endpoint.
	Send(ctx context.Context, address uint8, data []byte) (int, error)

	// Receive reads data from an OUT endpoint into buf.
	Receive(ctx context.Context, address uint8, buf []byte) (int, error)

	// Stall stalls the given endpoint.
	Stall(address uint8) error

	// ClearHalt clears a stall condition on the given endpoint.
	ClearHalt(address uint8) error

	// Speed returns the negotiated connection speed as a backend-defined
	// code; callers translate it via their own Speed type.
	Speed() uint8

	// ServiceEvents blocks, dispatching events into sink as they occur,
	// until ctx is cancelled or an unrecoverable backend error occurs.
	// The emulator core calls this from its own event-loop goroutine and
	// treats its return as a reason to end emulation.
	ServiceEvents(ctx context.Context, sink EventSink) error
}
