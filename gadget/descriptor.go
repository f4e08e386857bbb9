package gadget

import (
	"encoding/binary"

	"github.com/ardnew/usbgadget/pkg"
)

// USB descriptor types (USB 2.0 Spec Table 9-5).
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeDeviceQualifier      = 0x06
	DescriptorTypeOtherSpeedConfig     = 0x07
	DescriptorTypeInterfaceAssociation = 0x0B
)

// USB class codes.
const (
	ClassPerInterface = 0x00
	ClassAudio        = 0x01
	ClassCDC          = 0x02
	ClassHID          = 0x03
	ClassMassStorage  = 0x08
	ClassHub          = 0x09
	ClassVendor       = 0xFF
)

// DeviceDescriptor represents a USB device descriptor (18 bytes).
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// DeviceDescriptorSize is the size of a device descriptor in bytes.
const DeviceDescriptorSize = 18

// MarshalTo serializes the device descriptor to buf.
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return DeviceDescriptorSize
}

// ParseDeviceDescriptor parses a device descriptor from bytes into out.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if len(data) < DeviceDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeDevice {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.USBVersion = binary.LittleEndian.Uint16(data[2:4])
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = binary.LittleEndian.Uint16(data[8:10])
	out.ProductID = binary.LittleEndian.Uint16(data[10:12])
	out.DeviceVersion = binary.LittleEndian.Uint16(data[12:14])
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return nil
}

// ConfigurationDescriptor represents a USB configuration descriptor (9 bytes).
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// Configuration attribute bits.
const (
	ConfigAttrBusPowered   = 0x80
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// ConfigurationDescriptorSize is the size of a configuration descriptor in bytes.
const ConfigurationDescriptorSize = 9

// MarshalTo serializes the configuration descriptor to buf.
func (c *ConfigurationDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < ConfigurationDescriptorSize {
		return 0
	}
	buf[0] = ConfigurationDescriptorSize
	buf[1] = DescriptorTypeConfiguration
	binary.LittleEndian.PutUint16(buf[2:4], c.TotalLength)
	buf[4] = c.NumInterfaces
	buf[5] = c.ConfigurationValue
	buf[6] = c.ConfigurationIndex
	buf[7] = c.Attributes
	buf[8] = c.MaxPower
	return ConfigurationDescriptorSize
}

// ParseConfigurationDescriptor parses a configuration descriptor from bytes into out.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) error {
	if len(data) < ConfigurationDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeConfiguration {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.TotalLength = binary.LittleEndian.Uint16(data[2:4])
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return nil
}

// InterfaceDescriptor represents a USB interface descriptor (9 bytes).
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// InterfaceDescriptorSize is the size of an interface descriptor in bytes.
const InterfaceDescriptorSize = 9

// MarshalTo serializes the interface descriptor to buf.
func (i *InterfaceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < InterfaceDescriptorSize {
		return 0
	}
	buf[0] = InterfaceDescriptorSize
	buf[1] = DescriptorTypeInterface
	buf[2] = i.InterfaceNumber
	buf[3] = i.AlternateSetting
	buf[4] = i.NumEndpoints
	buf[5] = i.InterfaceClass
	buf[6] = i.InterfaceSubClass
	buf[7] = i.InterfaceProtocol
	buf[8] = i.InterfaceIndex
	return InterfaceDescriptorSize
}

// ParseInterfaceDescriptor parses an interface descriptor from bytes into out.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) error {
	if len(data) < InterfaceDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeInterface {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.InterfaceNumber = data[2]
	out.AlternateSetting = data[3]
	out.NumEndpoints = data[4]
	out.InterfaceClass = data[5]
	out.InterfaceSubClass = data[6]
	out.InterfaceProtocol = data[7]
	out.InterfaceIndex = data[8]
	return nil
}

// EndpointDescriptor represents a USB endpoint descriptor (7 bytes).
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// EndpointDescriptorSize is the size of an endpoint descriptor in bytes.
const EndpointDescriptorSize = 7

// MarshalTo serializes the endpoint descriptor to buf.
func (e *EndpointDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < EndpointDescriptorSize {
		return 0
	}
	buf[0] = EndpointDescriptorSize
	buf[1] = DescriptorTypeEndpoint
	buf[2] = e.EndpointAddress
	buf[3] = e.Attributes
	binary.LittleEndian.PutUint16(buf[4:6], e.MaxPacketSize)
	buf[6] = e.Interval
	return EndpointDescriptorSize
}

// ParseEndpointDescriptor parses an endpoint descriptor from bytes into out.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) error {
	if len(data) < EndpointDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeEndpoint {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.EndpointAddress = data[2]
	out.Attributes = data[3]
	out.MaxPacketSize = binary.LittleEndian.Uint16(data[4:6])
	out.Interval = data[6]
	return nil
}

// InterfaceAssociationDescriptor represents an IAD (8 bytes), used to group
// the interfaces of a composite function (e.g. CDC-ACM's control + data
// pair) under a single function for the host's driver matching.
type InterfaceAssociationDescriptor struct {
	Length           uint8
	DescriptorType   uint8
	FirstInterface   uint8
	InterfaceCount   uint8
	FunctionClass    uint8
	FunctionSubClass uint8
	FunctionProtocol uint8
	FunctionIndex    uint8
}

// IADSize is the size of an interface association descriptor in bytes.
const IADSize = 8

// MarshalTo serializes the IAD to buf.
func (i *InterfaceAssociationDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < IADSize {
		return 0
	}
	buf[0] = IADSize
	buf[1] = DescriptorTypeInterfaceAssociation
	buf[2] = i.FirstInterface
	buf[3] = i.InterfaceCount
	buf[4] = i.FunctionClass
	buf[5] = i.FunctionSubClass
	buf[6] = i.FunctionProtocol
	buf[7] = i.FunctionIndex
	return IADSize
}

// MaxStringDescriptorBytes is the largest a string descriptor's payload
// (the UTF-16LE text, excluding the 2-byte header) may be: the descriptor's
// single bLength byte tops out at 255, leaving 253 bytes for the text.
const MaxStringDescriptorBytes = 253

// StringDescriptorTo writes a USB string descriptor to buf, encoding s as
// UTF-16LE. Returns the number of bytes written and ErrStringTooLong if s
// encodes to more than MaxStringDescriptorBytes, or ErrBufferTooSmall if
// buf cannot hold the encoded descriptor.
func StringDescriptorTo(buf []byte, s string) (int, error) {
	runes := []rune(s)
	payload := len(runes) * 2
	if payload > MaxStringDescriptorBytes {
		return 0, pkg.ErrStringTooLong
	}
	length := 2 + payload
	if len(buf) < length {
		return 0, pkg.ErrBufferTooSmall
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, r := range runes {
		binary.LittleEndian.PutUint16(buf[2+i*2:], uint16(r))
	}
	return length, nil
}

// LanguageDescriptorTo writes the supported-languages string descriptor
// (index 0) to buf. Returns the number of bytes written.
func LanguageDescriptorTo(buf []byte, langIDs ...uint16) (int, error) {
	length := 2 + len(langIDs)*2
	if len(buf) < length {
		return 0, pkg.ErrBufferTooSmall
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, id := range langIDs {
		binary.LittleEndian.PutUint16(buf[2+i*2:], id)
	}
	return length, nil
}

// LangIDUSEnglish is the language ID for US English.
const LangIDUSEnglish = 0x0409
