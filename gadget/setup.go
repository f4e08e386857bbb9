package gadget

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/usbgadget/pkg"
)

// Standard USB request codes (USB 2.0 Spec Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

// Feature selectors (USB 2.0 Spec Table 9-6).
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
	FeatureTestMode           = 0x02
)

// Request type bitfield masks (USB 2.0 Spec Table 9-2).
const (
	requestTypeDirectionMask = 0x80
	requestTypeTypeMask      = 0x60
	requestTypeRecipientMask = 0x1F
)

// SetupPacket represents an 8-byte USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // bmRequestType: direction, type, recipient
	Request     uint8  // bRequest: specific request code
	Value       uint16 // wValue: request-specific parameter
	Index       uint16 // wIndex: request-specific index
	Length      uint16 // wLength: number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses a setup packet from 8 bytes into out.
func ParseSetupPacket(data []byte, out *SetupPacket) error {
	if len(data) < SetupPacketSize {
		return pkg.ErrSetupPacketTooShort
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return nil
}

// MarshalTo serializes the setup packet to buf.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// Direction returns the transfer direction.
func (s *SetupPacket) Direction() Direction {
	return Direction(s.RequestType & requestTypeDirectionMask)
}

// IsDeviceToHost returns true if this is a device-to-host (IN) transfer.
func (s *SetupPacket) IsDeviceToHost() bool {
	return s.Direction() == DirectionIn
}

// Type returns the request type (Standard, Class, or Vendor).
func (s *SetupPacket) Type() RequestType {
	return RequestType(s.RequestType & requestTypeTypeMask)
}

// IsStandard returns true if this is a standard request.
func (s *SetupPacket) IsStandard() bool {
	return s.Type() == RequestTypeStandard
}

// Recipient returns the request recipient.
func (s *SetupPacket) Recipient() Recipient {
	return Recipient(s.RequestType & requestTypeRecipientMask)
}

// DescriptorType returns the descriptor type from wValue's high byte.
func (s *SetupPacket) DescriptorType() uint8 {
	return uint8(s.Value >> 8)
}

// DescriptorIndex returns the descriptor index from wValue's low byte.
func (s *SetupPacket) DescriptorIndex() uint8 {
	return uint8(s.Value & 0xFF)
}

// InterfaceNumber returns the interface number from wIndex.
func (s *SetupPacket) InterfaceNumber() uint8 {
	return uint8(s.Index & 0xFF)
}

// EndpointAddress returns the endpoint address from wIndex.
func (s *SetupPacket) EndpointAddress() uint8 {
	return uint8(s.Index & 0xFF)
}

// String returns a human-readable representation of the setup packet.
func (s *SetupPacket) String() string {
	reqType := "Standard"
	switch s.Type() {
	case RequestTypeClass:
		reqType = "Class"
	case RequestTypeVendor:
		reqType = "Vendor"
	}
	recip := "Device"
	switch s.Recipient() {
	case RecipientInterface:
		recip = "Interface"
	case RecipientEndpoint:
		recip = "Endpoint"
	case RecipientOther:
		recip = "Other"
	}
	return fmt.Sprintf("SETUP[%s %s %s] Request=0x%02X Value=0x%04X Index=0x%04X Length=%d",
		s.Direction(), reqType, recip, s.Request, s.Value, s.Index, s.Length)
}

// GetDescriptorSetup initializes out as a GET_DESCRIPTOR setup packet, for
// use by a proxy forwarding a synthesized request upstream.
func GetDescriptorSetup(out *SetupPacket, descType, descIndex uint8, length uint16) {
	out.RequestType = uint8(DirectionIn) | uint8(RequestTypeStandard) | uint8(RecipientDevice)
	out.Request = RequestGetDescriptor
	out.Value = uint16(descType)<<8 | uint16(descIndex)
	out.Index = 0
	out.Length = length
}

// SetInterfaceSetup initializes out as a SET_INTERFACE setup packet.
func SetInterfaceSetup(out *SetupPacket, interfaceNum, alternateSetting uint8) {
	out.RequestType = uint8(DirectionOut) | uint8(RequestTypeStandard) | uint8(RecipientInterface)
	out.Request = RequestSetInterface
	out.Value = uint16(alternateSetting)
	out.Index = uint16(interfaceNum)
	out.Length = 0
}
