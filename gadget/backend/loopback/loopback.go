// Package loopback implements an in-process backend.Backend, standing in
// for a real USB peripheral controller in tests and examples. A caller
// drives it from the "host" side with SubmitSetup, WriteOut, and ReadIn
// while a gadget.Emulator drives the other side through the usual
// backend.Backend contract.
//
// The message vocabulary below (setup/data/ack/stall/reset/address)
// mirrors the framing a named-pipe transport would use, but loopback
// moves values directly through channels instead of serializing them.
package loopback

import (
	"context"
	"sync"

	"github.com/ardnew/usbgadget/gadget/backend"
	"github.com/ardnew/usbgadget/pkg"
)

// MaxEndpoints is the highest non-zero endpoint number this backend will
// configure buffers for.
const MaxEndpoints = 15

// controlResult carries the outcome of one control transfer back to the
// host-side caller blocked in SubmitSetup.
type controlResult struct {
	data []byte
	err  error
}

type controlState struct {
	outData []byte
	inData  []byte
	doneCh  chan controlResult
}

// Loopback is a Backend with no real transport: an in-process "bus" a test
// drives directly. Only one control transfer may be in flight at a time,
// matching EP0's lack of pipelining on real hardware.
type Loopback struct {
	mutex     sync.Mutex
	connected bool
	speed     uint8
	address   uint8
	endpoints []backend.EndpointConfig
	stalled   map[uint8]bool

	events chan func(backend.EventSink)
	pending *controlState

	inBuf  map[uint8]chan []byte
	outBuf map[uint8]chan []byte
}

// New creates a disconnected Loopback backend.
func New() *Loopback {
	return &Loopback{
		speed:   uint8(2), // matches gadget.SpeedFull's ordinal; caller may SetSpeed before Connect
		stalled: make(map[uint8]bool),
		events:  make(chan func(backend.EventSink), 16),
		inBuf:   make(map[uint8]chan []byte),
		outBuf:  make(map[uint8]chan []byte),
	}
}

// SetSpeed sets the speed code ServiceEvents callers will see reported via
// Speed, before Connect is called.
func (l *Loopback) SetSpeed(speed uint8) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.speed = speed
}

// Connect implements backend.Backend.
func (l *Loopback) Connect(ctx context.Context) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.connected = true
	pkg.LogDebug(pkg.ComponentBackend, "loopback connected")
	return nil
}

// Disconnect implements backend.Backend.
func (l *Loopback) Disconnect() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.connected = false
	pkg.LogDebug(pkg.ComponentBackend, "loopback disconnected")
	return nil
}

// Reset implements backend.Backend.
func (l *Loopback) Reset() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.address = 0
	l.endpoints = nil
	l.stalled = make(map[uint8]bool)
	return nil
}

// SetAddress implements backend.Backend.
func (l *Loopback) SetAddress(ctx context.Context, address uint8, defer_ bool) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.address = address
	return nil
}

// ConfigureEndpoints implements backend.Backend, allocating a one-packet
// queue for each configured endpoint.
func (l *Loopback) ConfigureEndpoints(endpoints []backend.EndpointConfig) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.endpoints = endpoints
	l.inBuf = make(map[uint8]chan []byte)
	l.outBuf = make(map[uint8]chan []byte)
	for _, ep := range endpoints {
		if ep.IsIn() {
			l.inBuf[ep.Address] = make(chan []byte, 1)
		} else {
			l.outBuf[ep.Address] = make(chan []byte, 1)
		}
	}
	return nil
}

// SendControl implements backend.Backend, stashing data for the host-side
// SubmitSetup call currently waiting on the control transfer.
func (l *Loopback) SendControl(ctx context.Context, data []byte) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.pending == nil {
		return pkg.ErrInvalidState
	}
	l.pending.inData = append([]byte(nil), data...)
	return nil
}

// ReceiveControl implements backend.Backend, returning the data the
// host-side SubmitSetup call supplied for an OUT control transfer.
func (l *Loopback) ReceiveControl(ctx context.Context, buf []byte) (int, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.pending == nil {
		return 0, pkg.ErrInvalidState
	}
	n := copy(buf, l.pending.outData)
	return n, nil
}

// AckControlStatus implements backend.Backend, completing the pending
// control transfer and waking the host-side SubmitSetup call.
func (l *Loopback) AckControlStatus(ctx context.Context) error {
	l.mutex.Lock()
	p := l.pending
	l.pending = nil
	l.mutex.Unlock()

	if p != nil {
		p.doneCh <- controlResult{data: p.inData}
	}
	return nil
}

// StallControl implements backend.Backend, failing the pending control
// transfer with pkg.ErrStall.
func (l *Loopback) StallControl() error {
	l.mutex.Lock()
	p := l.pending
	l.pending = nil
	l.mutex.Unlock()

	if p != nil {
		p.doneCh <- controlResult{err: pkg.ErrStall}
	}
	return nil
}

// Send implements backend.Backend, delivering data to a host-side ReadIn
// call waiting on this endpoint.
func (l *Loopback) Send(ctx context.Context, address uint8, data []byte) (int, error) {
	l.mutex.Lock()
	ch, ok := l.inBuf[address]
	l.mutex.Unlock()
	if !ok {
		return 0, pkg.ErrInvalidEndpoint
	}
	payload := append([]byte(nil), data...)
	select {
	case ch <- payload:
		return len(data), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Receive implements backend.Backend, reading data a host-side WriteOut
// call queued for this endpoint.
func (l *Loopback) Receive(ctx context.Context, address uint8, buf []byte) (int, error) {
	l.mutex.Lock()
	ch, ok := l.outBuf[address]
	l.mutex.Unlock()
	if !ok {
		return 0, pkg.ErrInvalidEndpoint
	}
	select {
	case data := <-ch:
		return copy(buf, data), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stall implements backend.Backend.
func (l *Loopback) Stall(address uint8) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.stalled[address] = true
	return nil
}

// ClearHalt implements backend.Backend.
func (l *Loopback) ClearHalt(address uint8) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	delete(l.stalled, address)
	return nil
}

// Speed implements backend.Backend.
func (l *Loopback) Speed() uint8 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.speed
}

// Connected reports whether Connect has been called without a matching
// Disconnect.
func (l *Loopback) Connected() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.connected
}

// ServiceEvents implements backend.Backend, draining host-submitted events
// into sink until ctx is cancelled.
func (l *Loopback) ServiceEvents(ctx context.Context, sink backend.EventSink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-l.events:
			ev(sink)
		}
	}
}

// SubmitSetup drives a complete control transfer from the host side: it
// delivers setup (and outData, for an OUT transfer) to the emulator and
// blocks until the status stage completes, returning any IN data stage
// the emulator produced.
func (l *Loopback) SubmitSetup(ctx context.Context, setup backend.SetupPacket, outData []byte) ([]byte, error) {
	state := &controlState{
		outData: outData,
		doneCh:  make(chan controlResult, 1),
	}

	l.mutex.Lock()
	l.pending = state
	l.mutex.Unlock()

	select {
	case l.events <- func(sink backend.EventSink) { sink.SetupReceived(&setup) }:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case result := <-state.doneCh:
		return result.data, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteOut queues data for a backend.Receive call on an OUT endpoint.
func (l *Loopback) WriteOut(ctx context.Context, address uint8, data []byte) error {
	l.mutex.Lock()
	ch, ok := l.outBuf[address]
	l.mutex.Unlock()
	if !ok {
		return pkg.ErrInvalidEndpoint
	}
	payload := append([]byte(nil), data...)
	select {
	case ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadIn reads data a backend.Send call wrote to an IN endpoint.
func (l *Loopback) ReadIn(ctx context.Context, address uint8) ([]byte, error) {
	l.mutex.Lock()
	ch, ok := l.inBuf[address]
	l.mutex.Unlock()
	if !ok {
		return nil, pkg.ErrInvalidEndpoint
	}
	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SignalBusReset delivers a bus-reset event to the emulator.
func (l *Loopback) SignalBusReset(ctx context.Context) error {
	select {
	case l.events <- func(sink backend.EventSink) { sink.BusReset() }:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SignalDataReceived delivers a DataReceived event directly, bypassing
// Receive — useful when a test wants to drive the emulator's DataHandler
// hook without also exercising an OUT endpoint queue.
func (l *Loopback) SignalDataReceived(ctx context.Context, address uint8, data []byte) error {
	payload := append([]byte(nil), data...)
	select {
	case l.events <- func(sink backend.EventSink) { sink.DataReceived(address, payload) }:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SignalBufferEmpty delivers a BufferEmpty event directly.
func (l *Loopback) SignalBufferEmpty(ctx context.Context, address uint8) error {
	select {
	case l.events <- func(sink backend.EventSink) { sink.BufferEmpty(address) }:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
