package gadget

import (
	"github.com/ardnew/usbgadget/pkg"
)

// DeviceBuilder provides a fluent API for declaratively constructing a
// Device: descriptor, strings, configurations, interfaces, and endpoints.
type DeviceBuilder struct {
	device *Device
	config *Configuration
	iface  *Interface
	errors []error
}

// NewDeviceBuilder creates a new, empty device builder.
func NewDeviceBuilder() *DeviceBuilder {
	return &DeviceBuilder{}
}

// WithDescriptor sets the device descriptor directly.
func (b *DeviceBuilder) WithDescriptor(desc *DeviceDescriptor) *DeviceBuilder {
	b.device = NewDevice(desc)
	return b
}

// WithVendorProduct sets the vendor and product IDs, creating a default
// full-speed device descriptor first if WithDescriptor wasn't called.
func (b *DeviceBuilder) WithVendorProduct(vendorID, productID uint16) *DeviceBuilder {
	if b.device == nil {
		b.device = NewDevice(&DeviceDescriptor{
			Length:         DeviceDescriptorSize,
			DescriptorType: DescriptorTypeDevice,
			USBVersion:     0x0200,
			MaxPacketSize0: 64,
		})
	}
	b.device.Descriptor.VendorID = vendorID
	b.device.Descriptor.ProductID = productID
	return b
}

// WithStrings registers the manufacturer, product, and serial number
// strings and wires their indices into the device descriptor.
func (b *DeviceBuilder) WithStrings(manufacturer, product, serial string) *DeviceBuilder {
	if b.device == nil {
		b.errors = append(b.errors, pkg.ErrInvalidState)
		return b
	}
	if manufacturer != "" {
		idx, err := b.device.Strings.Add(manufacturer)
		if err != nil {
			b.errors = append(b.errors, err)
		} else {
			b.device.Descriptor.ManufacturerIndex = idx
		}
	}
	if product != "" {
		idx, err := b.device.Strings.Add(product)
		if err != nil {
			b.errors = append(b.errors, err)
		} else {
			b.device.Descriptor.ProductIndex = idx
		}
	}
	if serial != "" {
		idx, err := b.device.Strings.Add(serial)
		if err != nil {
			b.errors = append(b.errors, err)
		} else {
			b.device.Descriptor.SerialNumberIndex = idx
		}
	}
	return b
}

// AddConfiguration starts a new configuration; subsequent AddInterface and
// AddEndpoint calls apply to it.
func (b *DeviceBuilder) AddConfiguration(value uint8) *DeviceBuilder {
	if b.device == nil {
		b.errors = append(b.errors, pkg.ErrInvalidState)
		return b
	}
	b.config = NewConfiguration(value)
	if err := b.device.AddConfiguration(b.config); err != nil {
		b.errors = append(b.errors, err)
	}
	b.device.Descriptor.NumConfigurations++
	return b
}

// AddInterface adds interface alternate setting 0 to the current
// configuration; subsequent AddEndpoint calls apply to it. Use
// AddInterfaceAlternate for additional alternate settings.
func (b *DeviceBuilder) AddInterface(class, subClass, protocol uint8) *DeviceBuilder {
	if b.config == nil {
		b.errors = append(b.errors, pkg.ErrInvalidState)
		return b
	}
	num := uint8(b.config.NumInterfaces())
	return b.AddInterfaceAlternate(num, 0, class, subClass, protocol)
}

// AddInterfaceAlternate adds a specific (number, alternate) interface
// setting to the current configuration.
func (b *DeviceBuilder) AddInterfaceAlternate(number, alternate, class, subClass, protocol uint8) *DeviceBuilder {
	if b.config == nil {
		b.errors = append(b.errors, pkg.ErrInvalidState)
		return b
	}
	b.iface = NewInterface(&InterfaceDescriptor{
		Length:            InterfaceDescriptorSize,
		DescriptorType:    DescriptorTypeInterface,
		InterfaceNumber:   number,
		AlternateSetting:  alternate,
		InterfaceClass:    class,
		InterfaceSubClass: subClass,
		InterfaceProtocol: protocol,
	})
	if err := b.config.AddInterface(b.iface); err != nil {
		b.errors = append(b.errors, err)
	}
	return b
}

// AddEndpoint adds an endpoint to the current interface alternate setting.
func (b *DeviceBuilder) AddEndpoint(address uint8, transferType TransferType, maxPacketSize uint16) *DeviceBuilder {
	if b.iface == nil {
		b.errors = append(b.errors, pkg.ErrInvalidState)
		return b
	}
	ep := &Endpoint{
		Address:       address,
		Attributes:    uint8(transferType),
		MaxPacketSize: maxPacketSize,
	}
	if err := b.iface.AddEndpoint(ep); err != nil {
		b.errors = append(b.errors, err)
	}
	return b
}

// Build returns the constructed device, or the first error encountered.
func (b *DeviceBuilder) Build() (*Device, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if b.device == nil {
		return nil, pkg.ErrInvalidState
	}
	return b.device, nil
}
