package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/ardnew/usbgadget/gadget"
	"github.com/ardnew/usbgadget/pkg"
)

// LibusbDriver implements Driver against github.com/google/gousb (libusb).
type LibusbDriver struct {
	ctx    *gousb.Context
	device *gousb.Device

	vendorID  gousb.ID
	productID gousb.ID

	mutex     sync.Mutex
	config    *gousb.Config
	iface     *gousb.Interface
	ifaceNum  int
	ifaceAlt  int
	inEPs     map[uint8]*gousb.InEndpoint
	outEPs    map[uint8]*gousb.OutEndpoint
}

// NewLibusbDriver creates a driver that will open the first device
// matching vendorID/productID when Open is called.
func NewLibusbDriver(vendorID, productID uint16) *LibusbDriver {
	return &LibusbDriver{
		vendorID:  gousb.ID(vendorID),
		productID: gousb.ID(productID),
		inEPs:     make(map[uint8]*gousb.InEndpoint),
		outEPs:    make(map[uint8]*gousb.OutEndpoint),
	}
}

// Find opens a libusb context and confirms a matching device is present,
// without claiming it.
func (d *LibusbDriver) Find(ctx context.Context, vendorID, productID uint16) error {
	d.vendorID = gousb.ID(vendorID)
	d.productID = gousb.ID(productID)

	c := gousb.NewContext()
	devices, err := c.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == d.vendorID && desc.Product == d.productID
	})
	for _, dev := range devices {
		dev.Close()
	}
	if err != nil {
		c.Close()
		return fmt.Errorf("enumerate devices: %w", err)
	}
	if len(devices) == 0 {
		c.Close()
		return pkg.ErrNoDevice
	}
	c.Close()
	return nil
}

// Open opens the matching device and, if detachKernelDriver is true, asks
// the kernel to release any driver bound to it first.
func (d *LibusbDriver) Open(ctx context.Context, detachKernelDriver bool) error {
	d.ctx = gousb.NewContext()

	device, err := d.ctx.OpenDeviceWithVIDPID(d.vendorID, d.productID)
	if err != nil {
		d.ctx.Close()
		return fmt.Errorf("open device: %w", err)
	}
	if device == nil {
		d.ctx.Close()
		return pkg.ErrNoDevice
	}

	if detachKernelDriver {
		if err := device.SetAutoDetach(true); err != nil {
			pkg.LogWarn(pkg.ComponentUpstream, "auto-detach unavailable", "error", err)
		}
	}

	d.device = device
	return nil
}

// Speed implements Driver.
func (d *LibusbDriver) Speed() gadget.Speed {
	if d.device == nil || d.device.Desc == nil {
		return gadget.SpeedUnknown
	}
	switch d.device.Desc.Speed {
	case gousb.SpeedLow:
		return gadget.SpeedLow
	case gousb.SpeedHigh, gousb.SpeedSuper:
		return gadget.SpeedHigh
	default:
		return gadget.SpeedFull
	}
}

// Reset implements Driver.
func (d *LibusbDriver) Reset(ctx context.Context) error {
	return d.device.Reset()
}

// SetConfiguration implements Driver, releasing any claimed interface
// before the change; the interface is not claimed again afterwards.
func (d *LibusbDriver) SetConfiguration(ctx context.Context, value uint8) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.releaseInterfaceLocked()
	if d.config != nil {
		d.config.Close()
		d.config = nil
	}

	config, err := d.device.Config(int(value))
	if err != nil {
		return fmt.Errorf("set configuration %d: %w", value, err)
	}
	d.config = config
	return nil
}

// SetInterfaceAlt implements Driver, claiming the interface at the given
// alternate setting and caching its endpoints.
func (d *LibusbDriver) SetInterfaceAlt(ctx context.Context, number, alternate uint8) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.config == nil {
		return pkg.ErrInvalidState
	}

	d.releaseInterfaceLocked()

	iface, err := d.config.Interface(int(number), int(alternate))
	if err != nil {
		return fmt.Errorf("claim interface %d alt %d: %w", number, alternate, err)
	}
	d.iface = iface
	d.ifaceNum = int(number)
	d.ifaceAlt = int(alternate)
	d.inEPs = make(map[uint8]*gousb.InEndpoint)
	d.outEPs = make(map[uint8]*gousb.OutEndpoint)
	return nil
}

// releaseInterfaceLocked releases the currently claimed interface. Caller
// must hold d.mutex.
func (d *LibusbDriver) releaseInterfaceLocked() {
	if d.iface != nil {
		d.iface.Close()
		d.iface = nil
	}
	d.inEPs = make(map[uint8]*gousb.InEndpoint)
	d.outEPs = make(map[uint8]*gousb.OutEndpoint)
}

// ClearHalt implements Driver.
func (d *LibusbDriver) ClearHalt(ctx context.Context, address uint8) error {
	_, err := d.device.Control(
		uint8(gousb.ControlOut|gousb.ControlStandard|gousb.ControlEndpoint),
		gadget.RequestClearFeature, 0, uint16(address), nil)
	return err
}

// ControlIn implements Driver.
func (d *LibusbDriver) ControlIn(ctx context.Context, requestType, request uint8, value, index uint16, length uint16, timeout time.Duration) ([]byte, error) {
	d.device.ControlTimeout = timeout
	buf := make([]byte, length)
	n, err := d.device.Control(requestType|0x80, request, value, index, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// ControlOut implements Driver.
func (d *LibusbDriver) ControlOut(ctx context.Context, requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) error {
	d.device.ControlTimeout = timeout
	_, err := d.device.Control(requestType&^0x80, request, value, index, data)
	return err
}

func (d *LibusbDriver) inEndpoint(address uint8) (*gousb.InEndpoint, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.iface == nil {
		return nil, pkg.ErrInvalidState
	}
	if ep, ok := d.inEPs[address]; ok {
		return ep, nil
	}
	ep, err := d.iface.InEndpoint(int(address & 0x0F))
	if err != nil {
		return nil, fmt.Errorf("open in endpoint 0x%02x: %w", address, err)
	}
	d.inEPs[address] = ep
	return ep, nil
}

func (d *LibusbDriver) outEndpoint(address uint8) (*gousb.OutEndpoint, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.iface == nil {
		return nil, pkg.ErrInvalidState
	}
	if ep, ok := d.outEPs[address]; ok {
		return ep, nil
	}
	ep, err := d.iface.OutEndpoint(int(address & 0x0F))
	if err != nil {
		return nil, fmt.Errorf("open out endpoint 0x%02x: %w", address, err)
	}
	d.outEPs[address] = ep
	return ep, nil
}

// BulkRead implements Driver.
func (d *LibusbDriver) BulkRead(ctx context.Context, address uint8, buf []byte, timeout time.Duration) (int, error) {
	ep, err := d.inEndpoint(address)
	if err != nil {
		return 0, err
	}
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	n, err := ep.ReadContext(readCtx, buf)
	if err != nil {
		if readCtx.Err() != nil {
			return n, pkg.ErrTimeout
		}
		return n, err
	}
	return n, nil
}

// BulkWrite implements Driver.
func (d *LibusbDriver) BulkWrite(ctx context.Context, address uint8, data []byte, timeout time.Duration) (int, error) {
	ep, err := d.outEndpoint(address)
	if err != nil {
		return 0, err
	}
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return ep.WriteContext(writeCtx, data)
}

// Close implements Driver.
func (d *LibusbDriver) Close() error {
	d.mutex.Lock()
	d.releaseInterfaceLocked()
	if d.config != nil {
		d.config.Close()
		d.config = nil
	}
	d.mutex.Unlock()

	var err error
	if d.device != nil {
		err = d.device.Close()
	}
	if d.ctx != nil {
		d.ctx.Close()
	}
	return err
}
