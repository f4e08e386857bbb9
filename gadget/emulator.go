package gadget

import (
	"context"
	"errors"
	"sync"

	"github.com/ardnew/usbgadget/gadget/backend"
	"github.com/ardnew/usbgadget/pkg"
)

// Coroutine is a user-supplied function run alongside the emulator's event
// loop for the lifetime of an Emulate call, typically driving data
// endpoints (Emulator.Send/Receive) on its own schedule. A coroutine that
// returns ends emulation; returning pkg.ErrEndEmulation ends it without
// being treated as a failure.
type Coroutine func(ctx context.Context, e *Emulator) error

// Emulator drives a Device against a Backend: it turns backend-reported
// bus events into Dispatcher calls, and serializes every resulting Device
// mutation behind a single lock, the way the teacher's control loop
// serializes access to its device tree.
type Emulator struct {
	device     *Device
	backend    backend.Backend
	dispatcher *Dispatcher

	mutex sync.Mutex

	ctx context.Context
}

// NewEmulator creates an Emulator binding device to be.
func NewEmulator(device *Device, be backend.Backend) *Emulator {
	return &Emulator{
		device:     device,
		backend:    be,
		dispatcher: NewDispatcher(device),
	}
}

// Dispatcher returns the emulator's request dispatcher, so callers can
// register additional class/vendor request handlers before calling
// Emulate.
func (e *Emulator) Dispatcher() *Dispatcher {
	return e.dispatcher
}

// Device returns the device this emulator drives.
func (e *Emulator) Device() *Device {
	return e.device
}

// Emulate connects the backend, runs its event-servicing loop alongside
// any supplied coroutines, and blocks until ctx is cancelled or any one of
// them (the event loop or a coroutine) returns, for whatever reason; the
// rest are then cancelled and awaited. It returns the first error other
// than context.Canceled and pkg.ErrEndEmulation, or nil. Disconnect always
// runs before Emulate returns, regardless of which path ended it.
func (e *Emulator) Emulate(ctx context.Context, coroutines ...Coroutine) error {
	if err := e.device.Validate(); err != nil {
		return err
	}
	if err := e.backend.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := e.backend.Disconnect(); err != nil {
			pkg.LogWarn(pkg.ComponentEmulator, "disconnect failed", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.ctx = runCtx

	results := make(chan error, 1+len(coroutines))
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		results <- e.backend.ServiceEvents(runCtx, e)
	}()

	for _, c := range coroutines {
		wg.Add(1)
		go func(c Coroutine) {
			defer wg.Done()
			defer cancel()
			results <- c(runCtx, e)
		}(c)
	}

	wg.Wait()
	close(results)

	var firstErr error
	for err := range results {
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, pkg.ErrEndEmulation) {
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BusReset implements backend.EventSink.
func (e *Emulator) BusReset() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.device.Reset()
	if err := e.backend.Reset(); err != nil {
		pkg.LogWarn(pkg.ComponentEmulator, "backend reset failed", "error", err)
	}
}

// SetupReceived implements backend.EventSink: it completes the full
// control transfer — reading the OUT data stage if any, dispatching the
// request, and driving the response or status stage — before returning.
func (e *Emulator) SetupReceived(bsp *backend.SetupPacket) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	setup := SetupPacket{
		RequestType: bsp.RequestType,
		Request:     bsp.Request,
		Value:       bsp.Value,
		Index:       bsp.Index,
		Length:      bsp.Length,
	}

	var data []byte
	if !setup.IsDeviceToHost() && setup.Length > 0 {
		buf := make([]byte, setup.Length)
		n, err := e.backend.ReceiveControl(e.ctx, buf)
		if err != nil {
			pkg.LogDebug(pkg.ComponentEmulator, "control data stage failed",
				"setup", setup.String(), "error", err)
			e.stall()
			return
		}
		data = buf[:n]
	}

	response, err := e.dispatcher.Dispatch(e.device, &setup, data)
	if err != nil {
		pkg.LogDebug(pkg.ComponentEmulator, "control request stalled",
			"setup", setup.String(), "error", err)
		e.stall()
		return
	}

	if setup.IsDeviceToHost() {
		if uint16(len(response)) > setup.Length {
			response = response[:setup.Length]
		}
		if len(response) > 0 {
			if err := e.backend.SendControl(e.ctx, response); err != nil {
				pkg.LogWarn(pkg.ComponentEmulator, "control data send failed",
					"setup", setup.String(), "error", err)
				return
			}
		}
		if err := e.backend.AckControlStatus(e.ctx); err != nil {
			pkg.LogWarn(pkg.ComponentEmulator, "control status ack failed",
				"setup", setup.String(), "error", err)
		}
		return
	}

	// SET_INTERFACE: clear the halt on every endpoint of the newly active
	// alternate on the backend before acknowledging.
	if setup.IsStandard() && setup.Request == RequestSetInterface && setup.Recipient() == RecipientInterface {
		if iface := e.device.GetInterface(setup.InterfaceNumber()); iface != nil {
			for _, ep := range iface.Endpoints() {
				if err := e.backend.ClearHalt(ep.Address); err != nil {
					pkg.LogWarn(pkg.ComponentEmulator, "backend clear halt failed",
						"endpoint", ep.Address, "error", err)
				}
			}
		}
	}

	// OUT transfer: acknowledge status before notifying the backend of any
	// address change, per USB 2.0 Spec section 9.4.6.
	if err := e.backend.AckControlStatus(e.ctx); err != nil {
		pkg.LogWarn(pkg.ComponentEmulator, "control status ack failed",
			"setup", setup.String(), "error", err)
		return
	}
	if setup.IsStandard() && setup.Request == RequestSetAddress && setup.Recipient() == RecipientDevice {
		address := uint8(setup.Value & 0x7F)
		if err := e.backend.SetAddress(e.ctx, address, true); err != nil {
			pkg.LogWarn(pkg.ComponentEmulator, "backend address update failed",
				"address", address, "error", err)
		}
	}
}

func (e *Emulator) stall() {
	if err := e.backend.StallControl(); err != nil {
		pkg.LogWarn(pkg.ComponentEmulator, "stall control failed", "error", err)
	}
}

// DataReceived implements backend.EventSink, notifying the owning
// interface's class driver if it implements DataHandler.
func (e *Emulator) DataReceived(address uint8, data []byte) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	ep := e.device.GetEndpoint(address)
	if ep == nil {
		pkg.LogWarn(pkg.ComponentEmulator, "data received on unknown endpoint", "address", address)
		return
	}
	iface := e.device.findEndpointInterface(address)
	if iface == nil {
		return
	}
	if dh, ok := iface.ClassDriver().(DataHandler); ok {
		dh.HandleDataReceived(ep, data)
	}
}

// BufferEmpty implements backend.EventSink, notifying the owning
// interface's class driver if it implements DataHandler.
func (e *Emulator) BufferEmpty(address uint8) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	ep := e.device.GetEndpoint(address)
	if ep == nil {
		pkg.LogWarn(pkg.ComponentEmulator, "buffer empty on unknown endpoint", "address", address)
		return
	}
	iface := e.device.findEndpointInterface(address)
	if iface == nil {
		return
	}
	if dh, ok := iface.ClassDriver().(DataHandler); ok {
		dh.HandleBufferEmpty(ep)
	}
}

// Send writes data to an IN endpoint, for use by a Coroutine outside the
// event-servicing goroutine. data is split into the endpoint's max-packet-
// size chunks, and followed by a zero-length packet if the final chunk
// exactly fills a max packet (including when data is empty) — the host's
// only way to tell a transfer ended exactly on a packet boundary rather
// than continuing into a short final packet it hasn't seen yet.
func (e *Emulator) Send(ctx context.Context, address uint8, data []byte) (int, error) {
	ep := e.device.GetEndpoint(address)
	if ep == nil {
		return 0, pkg.ErrInvalidEndpoint
	}
	maxPkt := int(ep.MaxPacketSize)
	if maxPkt <= 0 {
		return 0, pkg.ErrInvalidEndpoint
	}

	if len(data) == 0 {
		if _, err := e.backend.Send(ctx, address, nil); err != nil {
			return 0, err
		}
		return 0, nil
	}

	var sent int
	for sent < len(data) {
		end := sent + maxPkt
		if end > len(data) {
			end = len(data)
		}
		chunk := data[sent:end]
		n, err := e.backend.Send(ctx, address, chunk)
		if err != nil {
			return sent, err
		}
		sent += n
		if n < len(chunk) {
			return sent, nil
		}
	}

	if len(data)%maxPkt == 0 {
		if _, err := e.backend.Send(ctx, address, nil); err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// Receive reads data from an OUT endpoint, for use by a Coroutine outside
// the event-servicing goroutine.
func (e *Emulator) Receive(ctx context.Context, address uint8, buf []byte) (int, error) {
	return e.backend.Receive(ctx, address, buf)
}
