package gadget

import (
	"errors"
	"testing"

	"github.com/ardnew/usbgadget/pkg"
)

func TestDispatcherStandardRequest(t *testing.T) {
	dev := newTestDevice(t)
	d := NewDispatcher(dev)

	setup := &SetupPacket{
		RequestType: uint8(DirectionIn) | uint8(RequestTypeStandard) | uint8(RecipientDevice),
		Request:     RequestGetStatus,
		Length:      2,
	}
	data, err := d.Dispatch(dev, setup, nil)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(data) != 2 {
		t.Errorf("response length = %d, want 2", len(data))
	}
}

func TestDispatcherUnhandledStalls(t *testing.T) {
	dev := newTestDevice(t)
	d := NewDispatcher(dev)

	setup := &SetupPacket{
		RequestType: uint8(DirectionIn) | uint8(RequestTypeVendor) | uint8(RecipientDevice),
		Request:     0x99,
	}
	_, err := d.Dispatch(dev, setup, nil)
	if !errors.Is(err, pkg.ErrStall) {
		t.Errorf("Dispatch() error = %v, want %v", err, pkg.ErrStall)
	}
}

func TestDispatcherDeviceHandlerOrFolding(t *testing.T) {
	dev := newTestDevice(t)
	d := NewDispatcher(dev)

	var called bool
	d.AddDeviceHandler(Predicate{}, func(setup *SetupPacket, data []byte) ([]byte, bool, error) {
		called = true
		return []byte{0xAB}, true, nil
	})

	setup := &SetupPacket{
		RequestType: uint8(DirectionIn) | uint8(RequestTypeVendor) | uint8(RecipientDevice),
		Request:     0x99,
	}
	data, err := d.Dispatch(dev, setup, nil)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !called {
		t.Error("device handler was not invoked")
	}
	if len(data) != 1 || data[0] != 0xAB {
		t.Errorf("response = %v, want [0xAB]", data)
	}
}

func TestDispatcherDeviceHandlerScopedToRequestNumber(t *testing.T) {
	dev := newTestDevice(t)
	d := NewDispatcher(dev)

	var calls int
	d.AddDeviceHandler(VendorRequestPredicate(0x42), func(setup *SetupPacket, data []byte) ([]byte, bool, error) {
		calls++
		return []byte{0x01}, true, nil
	})

	matching := &SetupPacket{
		RequestType: uint8(DirectionIn) | uint8(RequestTypeVendor) | uint8(RecipientDevice),
		Request:     0x42,
	}
	if _, err := d.Dispatch(dev, matching, nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 after matching request", calls)
	}

	other := &SetupPacket{
		RequestType: uint8(DirectionIn) | uint8(RequestTypeVendor) | uint8(RecipientDevice),
		Request:     0x43,
	}
	if _, err := d.Dispatch(dev, other, nil); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("Dispatch() error = %v, want %v for unscoped request", err, pkg.ErrStall)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 after non-matching request", calls)
	}
}

func TestDispatcherInterfaceHandlerScopedToInterface(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{
		Length:            DeviceDescriptorSize,
		DescriptorType:    DescriptorTypeDevice,
		USBVersion:        0x0200,
		DeviceClass:       ClassPerInterface,
		MaxPacketSize0:    64,
		NumConfigurations: 1,
	})
	config := NewConfiguration(1)
	iface0 := NewInterface(&InterfaceDescriptor{InterfaceNumber: 0, InterfaceClass: 0x0A})
	iface1 := NewInterface(&InterfaceDescriptor{InterfaceNumber: 1, InterfaceClass: 0x0A})
	if err := config.AddInterface(iface0); err != nil {
		t.Fatalf("AddInterface(0): %v", err)
	}
	if err := config.AddInterface(iface1); err != nil {
		t.Fatalf("AddInterface(1): %v", err)
	}
	if err := dev.AddConfiguration(config); err != nil {
		t.Fatalf("AddConfiguration: %v", err)
	}
	dev.Reset()
	if err := dev.SetAddress(1); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}
	if err := dev.SetConfiguration(1); err != nil {
		t.Fatalf("SetConfiguration: %v", err)
	}

	d := NewDispatcher(dev)

	var calls int
	d.AddInterfaceHandler(ClassRequestPredicate(0x01).ForInterface(iface0), func(setup *SetupPacket, data []byte) ([]byte, bool, error) {
		calls++
		return nil, true, nil
	})

	matching := &SetupPacket{
		RequestType: uint8(DirectionOut) | uint8(RequestTypeClass) | uint8(RecipientInterface),
		Request:     0x01,
		Index:       0,
	}
	if _, err := d.Dispatch(dev, matching, nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 for matching interface", calls)
	}

	other := &SetupPacket{
		RequestType: uint8(DirectionOut) | uint8(RequestTypeClass) | uint8(RecipientInterface),
		Request:     0x01,
		Index:       1,
	}
	if _, err := d.Dispatch(dev, other, nil); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("Dispatch() error = %v, want %v for a different interface", err, pkg.ErrStall)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 after request to a different interface", calls)
	}
}

type recordingClassDriver struct {
	handled bool
}

func (c *recordingClassDriver) Init(iface *Interface) error { return nil }

func (c *recordingClassDriver) HandleSetup(iface *Interface, setup *SetupPacket, data []byte) (bool, error) {
	c.handled = true
	return true, nil
}

func (c *recordingClassDriver) SetAlternate(iface *Interface, alt uint8) error { return nil }

func (c *recordingClassDriver) Close() error { return nil }

func TestDispatcherInterfaceRecipient(t *testing.T) {
	dev := newTestDevice(t)
	d := NewDispatcher(dev)

	driver := &recordingClassDriver{}
	iface := dev.GetInterface(0)
	if iface == nil {
		t.Fatal("GetInterface(0) = nil")
	}
	if err := iface.SetClassDriver(driver); err != nil {
		t.Fatalf("SetClassDriver: %v", err)
	}

	setup := &SetupPacket{
		RequestType: uint8(DirectionOut) | uint8(RequestTypeVendor) | uint8(RecipientInterface),
		Request:     0x55,
		Index:       0,
	}
	if _, err := d.Dispatch(dev, setup, nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !driver.handled {
		t.Error("class driver HandleSetup was not invoked")
	}
}
