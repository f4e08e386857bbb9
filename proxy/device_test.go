package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/ardnew/usbgadget/gadget"
	"github.com/ardnew/usbgadget/gadget/backend/loopback"
	"github.com/ardnew/usbgadget/proxy/filter"
)

// fakeDriver is a minimal upstream.Driver stand-in recording the calls it
// receives and replaying canned responses.
type fakeDriver struct {
	speed gadget.Speed

	controlInResponse []byte
	controlInErr      error

	lastControlOutData []byte

	configuredValue uint8
	alternateCalls  map[uint8]uint8
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		speed:          gadget.SpeedHigh,
		alternateCalls: make(map[uint8]uint8),
	}
}

func (f *fakeDriver) Find(ctx context.Context, vendorID, productID uint16) error { return nil }
func (f *fakeDriver) Open(ctx context.Context, detachKernelDriver bool) error    { return nil }
func (f *fakeDriver) Speed() gadget.Speed                                       { return f.speed }
func (f *fakeDriver) Reset(ctx context.Context) error                           { return nil }

func (f *fakeDriver) SetConfiguration(ctx context.Context, value uint8) error {
	f.configuredValue = value
	return nil
}

func (f *fakeDriver) SetInterfaceAlt(ctx context.Context, number, alternate uint8) error {
	f.alternateCalls[number] = alternate
	return nil
}

func (f *fakeDriver) ClearHalt(ctx context.Context, address uint8) error { return nil }

func (f *fakeDriver) ControlIn(ctx context.Context, requestType, request uint8, value, index, length uint16, timeout time.Duration) ([]byte, error) {
	return f.controlInResponse, f.controlInErr
}

func (f *fakeDriver) ControlOut(ctx context.Context, requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) error {
	f.lastControlOutData = append([]byte(nil), data...)
	return nil
}

func (f *fakeDriver) BulkRead(ctx context.Context, address uint8, buf []byte, timeout time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeDriver) BulkWrite(ctx context.Context, address uint8, data []byte, timeout time.Duration) (int, error) {
	return len(data), nil
}

func (f *fakeDriver) Close() error { return nil }

func newTestProxyDevice(t *testing.T, drv *fakeDriver) (*Device, *loopback.Loopback) {
	t.Helper()

	gadgetDevice := gadget.NewDevice(&gadget.DeviceDescriptor{
		Length:         gadget.DeviceDescriptorSize,
		DescriptorType: gadget.DescriptorTypeDevice,
		USBVersion:     0x0200,
		MaxPacketSize0: 8,
	})

	lo := loopback.New()
	d := NewDevice(gadgetDevice, lo, drv, filter.NewChain())
	return d, lo
}

func TestDeviceConnectAdoptsUpstreamSpeedAndPacketSize(t *testing.T) {
	drv := newFakeDriver()
	d, _ := newTestProxyDevice(t, drv)

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if d.gadgetDevice.Descriptor.MaxPacketSize0 != 64 {
		t.Errorf("MaxPacketSize0 = %d, want 64", d.gadgetDevice.Descriptor.MaxPacketSize0)
	}
	if d.gadgetDevice.Speed() != gadget.SpeedHigh {
		t.Errorf("Speed() = %v, want %v", d.gadgetDevice.Speed(), gadget.SpeedHigh)
	}
}

func TestDeviceHandleControlRequestIn(t *testing.T) {
	drv := newFakeDriver()
	drv.controlInResponse = []byte{0x01, 0x02}
	d, _ := newTestProxyDevice(t, drv)
	d.ctx = context.Background()

	setup := &gadget.SetupPacket{
		RequestType: uint8(gadget.DirectionIn) | uint8(gadget.RequestTypeVendor) | uint8(gadget.RecipientDevice),
		Request:     0x42,
		Length:      2,
	}
	data, handled, err := d.HandleControlRequest(setup, nil)
	if err != nil {
		t.Fatalf("HandleControlRequest: %v", err)
	}
	if !handled {
		t.Fatal("HandleControlRequest() handled = false")
	}
	if len(data) != 2 || data[0] != 0x01 {
		t.Errorf("data = %v, want [0x01 0x02]", data)
	}
}

func TestDeviceHandleControlRequestOutForwardsData(t *testing.T) {
	drv := newFakeDriver()
	d, _ := newTestProxyDevice(t, drv)
	d.ctx = context.Background()

	setup := &gadget.SetupPacket{
		RequestType: uint8(gadget.DirectionOut) | uint8(gadget.RequestTypeVendor) | uint8(gadget.RecipientDevice),
		Request:     0x50,
	}
	_, handled, err := d.HandleControlRequest(setup, []byte{0xAA, 0xBB})
	if err != nil {
		t.Fatalf("HandleControlRequest: %v", err)
	}
	if !handled {
		t.Fatal("HandleControlRequest() handled = false")
	}
	if len(drv.lastControlOutData) != 2 || drv.lastControlOutData[0] != 0xAA {
		t.Errorf("upstream saw %v, want [0xAA 0xBB]", drv.lastControlOutData)
	}
}

func TestDeviceConfiguredMirrorsUpstream(t *testing.T) {
	drv := newFakeDriver()
	d, _ := newTestProxyDevice(t, drv)
	d.ctx = context.Background()

	d.configured(1)
	if drv.configuredValue != 1 {
		t.Errorf("upstream configuration = %d, want 1", drv.configuredValue)
	}
}

func TestDeviceSetAlternateMirrorsUpstream(t *testing.T) {
	drv := newFakeDriver()
	d, _ := newTestProxyDevice(t, drv)
	d.ctx = context.Background()

	iface := &gadget.Interface{Number: 2}
	if err := d.SetAlternate(iface, 3); err != nil {
		t.Fatalf("SetAlternate: %v", err)
	}
	if got := drv.alternateCalls[2]; got != 3 {
		t.Errorf("upstream alternate for interface 2 = %d, want 3", got)
	}
}
