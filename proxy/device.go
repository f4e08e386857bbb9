package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ardnew/usbgadget/gadget"
	"github.com/ardnew/usbgadget/gadget/backend"
	"github.com/ardnew/usbgadget/proxy/filter"
	"github.com/ardnew/usbgadget/proxy/upstream"

	"github.com/ardnew/usbgadget/pkg"
)

const (
	defaultControlTimeout = 5 * time.Second
	defaultPollTimeout    = 50 * time.Millisecond
)

// Device is a gadget.Device fronting a real upstream device. Its
// HandleControlRequest method is registered as an unscoped device handler
// (so it sees every control request regardless of recipient), it
// implements gadget.ClassDriver (so it learns of alternate-setting
// changes), and it implements gadget.DataHandler (so it forwards
// data-endpoint traffic).
type Device struct {
	gadgetDevice *gadget.Device
	emulator     *gadget.Emulator
	upstream     upstream.Driver
	chain        *filter.Chain

	mutex            sync.Mutex
	ctx              context.Context
	activeAlternates map[uint8]uint8
}

// NewDevice creates a proxy in front of upstream, using be as the
// downward-facing backend and chain as the filter chain every
// transaction folds through. chain may be filter.NewChain() for a
// pass-through proxy with no rewriting.
func NewDevice(gadgetDevice *gadget.Device, be backend.Backend, up upstream.Driver, chain *filter.Chain) *Device {
	d := &Device{
		gadgetDevice:     gadgetDevice,
		upstream:         up,
		chain:            chain,
		activeAlternates: make(map[uint8]uint8),
	}
	d.emulator = gadget.NewEmulator(gadgetDevice, be)
	d.emulator.Dispatcher().AddDeviceHandler(gadget.Predicate{}, d.HandleControlRequest)
	gadgetDevice.SetOnSetConfiguration(d.configured)
	return d
}

// Emulator returns the underlying emulator, for callers that want direct
// access to Send/Receive on endpoints the proxy doesn't drive itself.
func (d *Device) Emulator() *gadget.Emulator {
	return d.emulator
}

// Connect forces EP0's max packet size to 64 regardless of what the
// upstream device reports (some hosts abort enumeration if a device's
// initial 8-byte GET_DESCRIPTOR response claims a smaller bMaxPacketSize0
// than their assumed default), and adopts the upstream device's speed.
func (d *Device) Connect(ctx context.Context) error {
	d.gadgetDevice.Descriptor.MaxPacketSize0 = 64
	d.gadgetDevice.ControlEndpoint().MaxPacketSize = 64
	d.gadgetDevice.SetSpeed(d.upstream.Speed())
	return nil
}

// Emulate connects and runs the emulator's event loop, as
// gadget.Emulator.Emulate does, after wiring the upstream connection in
// through Connect.
func (d *Device) Emulate(ctx context.Context, coroutines ...gadget.Coroutine) error {
	if err := d.Connect(ctx); err != nil {
		return err
	}
	d.ctx = ctx
	return d.emulator.Emulate(ctx, coroutines...)
}

// HandleControlRequest is registered as an unscoped gadget.HandlerFunc:
// every request, of any recipient, forwards to the upstream device
// through the filter chain.
func (d *Device) HandleControlRequest(setup *gadget.SetupPacket, data []byte) ([]byte, bool, error) {
	if setup.IsDeviceToHost() {
		return d.handleIn(setup)
	}
	return d.handleOut(setup, data)
}

func (d *Device) handleIn(setup *gadget.SetupPacket) ([]byte, bool, error) {
	ex := &filter.Exchange{Setup: setup}
	d.chain.RunSetup(ex)
	if ex.Absorbed {
		return ex.Data, true, nil
	}
	if ex.Stalled {
		return nil, true, pkg.ErrStall
	}

	response, err := d.upstream.ControlIn(d.ctx, setup.RequestType, setup.Request,
		setup.Value, setup.Index, setup.Length, defaultControlTimeout)

	in := &filter.Exchange{Setup: setup, Data: response, Stalled: err != nil}
	d.chain.RunIn(in)
	if in.Stalled {
		return nil, true, pkg.ErrStall
	}
	return in.Data, true, nil
}

func (d *Device) handleOut(setup *gadget.SetupPacket, data []byte) ([]byte, bool, error) {
	ex := &filter.Exchange{Setup: setup, Data: data}
	d.chain.RunOut(ex)
	if ex.Absorbed {
		return nil, true, nil
	}

	err := d.upstream.ControlOut(d.ctx, setup.RequestType, setup.Request,
		setup.Value, setup.Index, ex.Data, defaultControlTimeout)
	if err != nil {
		stall := &filter.Exchange{Setup: setup, Stalled: true}
		d.chain.RunStall(stall)
		if stall.Stalled {
			return nil, true, pkg.ErrStall
		}
	}
	return nil, true, nil
}

// configured implements the configured(cfg) hook: it mirrors a
// SET_CONFIGURATION onto the upstream device and resets the
// active-alternates map, since a new configuration starts every
// interface at alternate setting 0.
func (d *Device) configured(value uint8) {
	if value == 0 {
		return
	}
	if err := d.upstream.SetConfiguration(d.ctx, value); err != nil {
		pkg.LogWarn(pkg.ComponentProxy, "upstream set configuration failed",
			"configuration", value, "error", err)
		return
	}
	d.mutex.Lock()
	d.activeAlternates = make(map[uint8]uint8)
	d.mutex.Unlock()
}

// Init implements gadget.ClassDriver.
func (d *Device) Init(iface *gadget.Interface) error {
	return nil
}

// HandleSetup implements gadget.ClassDriver. It always returns
// unhandled: control requests are forwarded at the device level by
// HandleControlRequest before the dispatcher ever reaches a class
// driver's HandleSetup.
func (d *Device) HandleSetup(iface *gadget.Interface, setup *gadget.SetupPacket, data []byte) (bool, error) {
	return false, nil
}

// SetAlternate implements gadget.ClassDriver's interface_changed(n, alt)
// hook: it mirrors a SET_INTERFACE onto the upstream device.
func (d *Device) SetAlternate(iface *gadget.Interface, alt uint8) error {
	if err := d.upstream.SetInterfaceAlt(d.ctx, iface.Number, alt); err != nil {
		return err
	}
	d.mutex.Lock()
	d.activeAlternates[iface.Number] = alt
	d.mutex.Unlock()
	return nil
}

// Close implements gadget.ClassDriver.
func (d *Device) Close() error {
	return nil
}

// HandleDataReceived implements gadget.DataHandler: OUT data from the
// host is filtered, then written upstream.
func (d *Device) HandleDataReceived(ep *gadget.Endpoint, data []byte) {
	ex := &filter.Exchange{Data: data}
	d.chain.RunOutData(ex)
	if ex.Absorbed {
		return
	}

	_, err := d.upstream.BulkWrite(d.ctx, ep.Address, ex.Data, defaultControlTimeout)
	if err != nil {
		stall := &filter.Exchange{Stalled: true}
		d.chain.RunStall(stall)
		pkg.LogDebug(pkg.ComponentProxy, "upstream bulk write failed",
			"endpoint", ep.Address, "error", err)
	}
}

// HandleBufferEmpty implements gadget.DataHandler's handle_data_requested
// hook: an IN endpoint's buffer has drained, so the proxy polls upstream
// for one max-packet-size read and, if anything arrived, transmits it.
func (d *Device) HandleBufferEmpty(ep *gadget.Endpoint) {
	token := &filter.Exchange{}
	d.chain.RunInToken(token)
	if token.Absorbed {
		return
	}

	timeout := defaultPollTimeout
	if ep.Interval > 0 {
		timeout = time.Duration(ep.Interval) * time.Millisecond
	}

	buf := make([]byte, ep.MaxPacketSize)
	n, err := d.upstream.BulkRead(d.ctx, ep.Address, buf, timeout)
	if err != nil {
		if errors.Is(err, pkg.ErrTimeout) {
			return // no data this cycle; not a fault
		}
		pkg.LogDebug(pkg.ComponentProxy, "upstream bulk read failed",
			"endpoint", ep.Address, "error", err)
		return
	}

	in := &filter.Exchange{Data: buf[:n]}
	d.chain.RunInData(in)
	if in.Absorbed {
		return
	}
	if _, err := d.emulator.Send(d.ctx, ep.Address, in.Data); err != nil {
		pkg.LogWarn(pkg.ComponentProxy, "send to host failed",
			"endpoint", ep.Address, "error", err)
	}
}
