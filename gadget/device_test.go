package gadget

import (
	"context"
	"errors"
	"testing"

	"github.com/ardnew/usbgadget/gadget/backend/loopback"
	"github.com/ardnew/usbgadget/pkg"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()

	dev := NewDevice(&DeviceDescriptor{
		Length:            DeviceDescriptorSize,
		DescriptorType:    DescriptorTypeDevice,
		USBVersion:        0x0200,
		DeviceClass:       ClassPerInterface,
		MaxPacketSize0:    64,
		VendorID:          0x1234,
		ProductID:         0x5678,
		NumConfigurations: 1,
	})

	config := NewConfiguration(1)
	iface := NewInterface(&InterfaceDescriptor{
		InterfaceNumber: 0,
		InterfaceClass:  0x0A,
	})
	if err := iface.AddEndpoint(&Endpoint{
		Address:       0x81,
		Attributes:    uint8(TransferTypeBulk),
		MaxPacketSize: 512,
	}); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}
	if err := iface.AddEndpoint(&Endpoint{
		Address:       0x02,
		Attributes:    uint8(TransferTypeBulk),
		MaxPacketSize: 512,
	}); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}
	if err := config.AddInterface(iface); err != nil {
		t.Fatalf("AddInterface: %v", err)
	}
	if err := dev.AddConfiguration(config); err != nil {
		t.Fatalf("AddConfiguration: %v", err)
	}

	mfr, _ := dev.Strings.Add("Test Manufacturer")
	prod, _ := dev.Strings.Add("Test Product")
	dev.Descriptor.ManufacturerIndex = mfr
	dev.Descriptor.ProductIndex = prod

	dev.Reset()
	if err := dev.SetAddress(5); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}
	if err := dev.SetConfiguration(1); err != nil {
		t.Fatalf("SetConfiguration: %v", err)
	}

	return dev
}

func TestDeviceStateTransitions(t *testing.T) {
	dev := newTestDevice(t)

	if got := dev.State(); got != StateConfigured {
		t.Fatalf("State() = %v, want %v", got, StateConfigured)
	}
	if !dev.IsConfigured() {
		t.Error("IsConfigured() = false, want true")
	}

	dev.Reset()
	if got := dev.State(); got != StateDefault {
		t.Errorf("State() after Reset = %v, want %v", got, StateDefault)
	}
	if dev.Address() != 0 {
		t.Errorf("Address() after Reset = %d, want 0", dev.Address())
	}
	if dev.ActiveConfiguration() != nil {
		t.Error("ActiveConfiguration() after Reset is non-nil")
	}
}

func TestDeviceSetConfigurationUnconfigure(t *testing.T) {
	dev := newTestDevice(t)

	if err := dev.SetConfiguration(0); err != nil {
		t.Fatalf("SetConfiguration(0): %v", err)
	}
	if dev.State() != StateAddressed {
		t.Errorf("State() = %v, want %v", dev.State(), StateAddressed)
	}
	if dev.ActiveConfiguration() != nil {
		t.Error("ActiveConfiguration() non-nil after unconfigure")
	}
}

func TestDeviceSetConfigurationUnknown(t *testing.T) {
	dev := newTestDevice(t)
	if err := dev.SetConfiguration(9); err == nil {
		t.Error("SetConfiguration(unknown) = nil error, want error")
	}
}

func TestDeviceSuspendResume(t *testing.T) {
	dev := newTestDevice(t)

	dev.Suspend()
	if dev.State() != StateSuspended {
		t.Fatalf("State() after Suspend = %v, want %v", dev.State(), StateSuspended)
	}

	dev.Resume()
	if dev.State() != StateConfigured {
		t.Errorf("State() after Resume = %v, want %v", dev.State(), StateConfigured)
	}
}

func TestDeviceGetEndpoint(t *testing.T) {
	dev := newTestDevice(t)

	if ep := dev.GetEndpoint(0x00); ep == nil {
		t.Error("GetEndpoint(0x00) = nil, want control endpoint")
	}
	if ep := dev.GetEndpoint(0x81); ep == nil {
		t.Error("GetEndpoint(0x81) = nil, want bulk IN endpoint")
	}
	if ep := dev.GetEndpoint(0x0F); ep != nil {
		t.Error("GetEndpoint(unknown) non-nil")
	}
}

func TestDeviceRemoteWakeup(t *testing.T) {
	dev := newTestDevice(t)

	if dev.IsRemoteWakeupEnabled() {
		t.Fatal("IsRemoteWakeupEnabled() initially true")
	}
	dev.EnableRemoteWakeup(true)
	if !dev.IsRemoteWakeupEnabled() {
		t.Error("IsRemoteWakeupEnabled() = false after enable")
	}
	if dev.GetStatus()&DeviceStatusRemoteWakeup == 0 {
		t.Error("GetStatus() missing remote wakeup bit")
	}
}

func TestDeviceCallbacks(t *testing.T) {
	dev := newTestDevice(t)

	var resets int
	dev.SetOnReset(func() { resets++ })
	dev.Reset()
	if resets != 1 {
		t.Errorf("reset callback fired %d times, want 1", resets)
	}

	var lastAddress uint8
	dev.SetOnSetAddress(func(address uint8) { lastAddress = address })
	if err := dev.SetAddress(9); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}
	if lastAddress != 9 {
		t.Errorf("set-address callback saw %d, want 9", lastAddress)
	}
}

func TestDeviceValidateAggregatesConfigurations(t *testing.T) {
	dev := newTestDevice(t)
	if err := dev.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}

	iface1 := newAltTestInterface(1, 0)
	if err := iface1.AddEndpoint(&Endpoint{Address: 0x81, Attributes: uint8(TransferTypeBulk), MaxPacketSize: 64}); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}
	config := dev.ActiveConfiguration()
	if err := config.AddInterface(iface1); err != nil {
		t.Fatalf("AddInterface: %v", err)
	}

	if err := dev.Validate(); !errors.Is(err, pkg.ErrConfiguration) {
		t.Errorf("Validate() error = %v, want %v", err, pkg.ErrConfiguration)
	}
}

func TestEmulateRejectsInvalidConfigurationBeforeConnect(t *testing.T) {
	dev := newTestDevice(t)
	iface1 := newAltTestInterface(1, 0)
	if err := iface1.AddEndpoint(&Endpoint{Address: 0x81, Attributes: uint8(TransferTypeBulk), MaxPacketSize: 64}); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}
	config := dev.ActiveConfiguration()
	if err := config.AddInterface(iface1); err != nil {
		t.Fatalf("AddInterface: %v", err)
	}

	lo := loopback.New()
	emu := NewEmulator(dev, lo)

	err := emu.Emulate(context.Background())
	if !errors.Is(err, pkg.ErrConfiguration) {
		t.Errorf("Emulate() error = %v, want %v", err, pkg.ErrConfiguration)
	}
	if lo.Connected() {
		t.Error("backend was connected despite a failed validation pass")
	}
}
