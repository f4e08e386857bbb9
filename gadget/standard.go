package gadget

import (
	"encoding/binary"

	"github.com/ardnew/usbgadget/pkg"
)

// MaxDescriptorResponseSize bounds the pre-allocated response buffer used
// to answer GET_DESCRIPTOR; large enough for any configuration descriptor
// this package expects to serve.
const MaxDescriptorResponseSize = 4096

// StandardRequestHandler implements the eleven standard USB requests
// (USB 2.0 Spec Table 9-4) against a Device.
type StandardRequestHandler struct {
	device      *Device
	responseBuf [MaxDescriptorResponseSize]byte
}

// NewStandardRequestHandler creates a handler bound to device.
func NewStandardRequestHandler(device *Device) *StandardRequestHandler {
	return &StandardRequestHandler{device: device}
}

// HandleControlRequest only recognizes standard requests; anything else
// comes back unhandled so the dispatcher can try class/vendor handlers
// instead.
func (h *StandardRequestHandler) HandleControlRequest(setup *SetupPacket, data []byte) ([]byte, bool, error) {
	if !setup.IsStandard() {
		return nil, false, nil
	}

	var (
		response []byte
		err      error
	)
	switch setup.Recipient() {
	case RecipientDevice:
		response, err = h.handleDeviceRequest(setup, data)
	case RecipientInterface:
		response, err = h.handleInterfaceRequest(setup, data)
	case RecipientEndpoint:
		response, err = h.handleEndpointRequest(setup, data)
	default:
		return nil, false, pkg.ErrInvalidRequest
	}
	if err != nil {
		return nil, false, err
	}
	return response, true, nil
}

func (h *StandardRequestHandler) handleDeviceRequest(setup *SetupPacket, data []byte) ([]byte, error) {
	switch setup.Request {
	case RequestGetStatus:
		return h.getDeviceStatus(setup)
	case RequestClearFeature:
		return h.clearDeviceFeature(setup)
	case RequestSetFeature:
		return h.setDeviceFeature(setup)
	case RequestSetAddress:
		return h.setAddress(setup)
	case RequestGetDescriptor:
		return h.getDescriptor(setup)
	case RequestSetDescriptor:
		return nil, pkg.ErrNotSupported
	case RequestGetConfiguration:
		return h.getConfiguration(setup)
	case RequestSetConfiguration:
		return h.setConfiguration(setup)
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) handleInterfaceRequest(setup *SetupPacket, data []byte) ([]byte, error) {
	switch setup.Request {
	case RequestGetStatus:
		return h.getInterfaceStatus(setup)
	case RequestClearFeature, RequestSetFeature:
		return nil, nil // no standard interface features defined
	case RequestGetInterface:
		return h.getInterface(setup)
	case RequestSetInterface:
		return h.setInterface(setup)
	case RequestGetDescriptor:
		return h.getInterfaceDescriptor(setup)
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) handleEndpointRequest(setup *SetupPacket, data []byte) ([]byte, error) {
	switch setup.Request {
	case RequestGetStatus:
		return h.getEndpointStatus(setup)
	case RequestClearFeature:
		return h.clearEndpointFeature(setup)
	case RequestSetFeature:
		return h.setEndpointFeature(setup)
	case RequestSynchFrame:
		return h.synchFrame(setup)
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) getDeviceStatus(setup *SetupPacket) ([]byte, error) {
	if setup.Length < 2 {
		return nil, pkg.ErrInvalidRequest
	}
	binary.LittleEndian.PutUint16(h.responseBuf[:2], uint16(h.device.GetStatus()))
	return h.responseBuf[:2], nil
}

func (h *StandardRequestHandler) clearDeviceFeature(setup *SetupPacket) ([]byte, error) {
	switch setup.Value {
	case FeatureDeviceRemoteWakeup:
		h.device.EnableRemoteWakeup(false)
		return nil, nil
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) setDeviceFeature(setup *SetupPacket) ([]byte, error) {
	switch setup.Value {
	case FeatureDeviceRemoteWakeup:
		h.device.EnableRemoteWakeup(true)
		return nil, nil
	case FeatureTestMode:
		return nil, pkg.ErrNotSupported
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

// setAddress updates the device's address field. The backend is not
// notified here — the emulation loop defers that notification until
// after the status stage completes (USB 2.0 Spec section 9.4.6).
func (h *StandardRequestHandler) setAddress(setup *SetupPacket) ([]byte, error) {
	address := uint8(setup.Value & 0x7F)
	if err := h.device.SetAddress(address); err != nil {
		return nil, err
	}
	return nil, nil
}

func (h *StandardRequestHandler) getDescriptor(setup *SetupPacket) ([]byte, error) {
	descType := setup.DescriptorType()
	descIndex := setup.DescriptorIndex()
	maxLen := int(setup.Length)

	var n int

	switch descType {
	case DescriptorTypeDevice:
		n = h.device.Descriptor.MarshalTo(h.responseBuf[:])

	case DescriptorTypeConfiguration:
		// descIndex is 0-based (GET_DESCRIPTOR); configurations are keyed
		// by their 1-based bConfigurationValue.
		config := h.device.GetConfiguration(descIndex + 1)
		if config == nil {
			return nil, pkg.ErrInvalidRequest
		}
		n = config.MarshalTo(h.responseBuf[:])

	case DescriptorTypeString:
		data := h.device.Strings.Get(descIndex)
		if data == nil {
			return nil, pkg.ErrInvalidRequest
		}
		n = copy(h.responseBuf[:], data)

	case DescriptorTypeDeviceQualifier:
		n = h.getDeviceQualifier()
		if n == 0 {
			return nil, pkg.ErrNotSupported
		}

	case DescriptorTypeOtherSpeedConfig:
		return nil, pkg.ErrNotSupported

	default:
		data, ok := h.device.FindRequestableDescriptor(descType, descIndex)
		if !ok {
			return nil, pkg.ErrInvalidRequest
		}
		n = copy(h.responseBuf[:], data)
	}

	if n == 0 {
		return nil, pkg.ErrBufferTooSmall
	}
	if n > maxLen {
		n = maxLen
	}
	return h.responseBuf[:n], nil
}

func (h *StandardRequestHandler) getDeviceQualifier() int {
	if h.device.Speed() != SpeedHigh {
		return 0
	}
	desc := h.device.Descriptor
	h.responseBuf[0] = 10
	h.responseBuf[1] = DescriptorTypeDeviceQualifier
	binary.LittleEndian.PutUint16(h.responseBuf[2:4], desc.USBVersion)
	h.responseBuf[4] = desc.DeviceClass
	h.responseBuf[5] = desc.DeviceSubClass
	h.responseBuf[6] = desc.DeviceProtocol
	h.responseBuf[7] = desc.MaxPacketSize0
	h.responseBuf[8] = desc.NumConfigurations
	h.responseBuf[9] = 0
	return 10
}

func (h *StandardRequestHandler) getConfiguration(setup *SetupPacket) ([]byte, error) {
	config := h.device.ActiveConfiguration()
	if config == nil {
		return []byte{0}, nil
	}
	return []byte{config.Value}, nil
}

func (h *StandardRequestHandler) setConfiguration(setup *SetupPacket) ([]byte, error) {
	configValue := uint8(setup.Value & 0xFF)
	if err := h.device.SetConfiguration(configValue); err != nil {
		return nil, err
	}
	return nil, nil
}

func (h *StandardRequestHandler) getInterfaceStatus(setup *SetupPacket) ([]byte, error) {
	if setup.Length < 2 {
		return nil, pkg.ErrInvalidRequest
	}
	if h.device.GetInterface(setup.InterfaceNumber()) == nil {
		return nil, pkg.ErrInvalidRequest
	}
	return []byte{0, 0}, nil
}

func (h *StandardRequestHandler) getInterface(setup *SetupPacket) ([]byte, error) {
	ifaceNum := setup.InterfaceNumber()
	config := h.device.ActiveConfiguration()
	if config == nil {
		return nil, pkg.ErrInvalidRequest
	}
	alt, ok := config.ActiveAlternate(ifaceNum)
	if !ok {
		return nil, pkg.ErrInvalidRequest
	}
	return []byte{alt}, nil
}

func (h *StandardRequestHandler) setInterface(setup *SetupPacket) ([]byte, error) {
	ifaceNum := setup.InterfaceNumber()
	altSetting := uint8(setup.Value & 0xFF)

	config := h.device.ActiveConfiguration()
	if config == nil {
		return nil, pkg.ErrInvalidRequest
	}
	if err := config.SetAlternate(ifaceNum, altSetting); err != nil {
		return nil, err
	}
	return nil, nil
}

// getInterfaceDescriptor implements GET_DESCRIPTOR restricted to the
// addressed interface's own requestable sub-descriptors. Unlike the
// device-recipient lookup, it has no standard descriptor types of its own
// to try first — every interface-recipient GET_DESCRIPTOR names a class-
// or vendor-specific descriptor the interface registered.
func (h *StandardRequestHandler) getInterfaceDescriptor(setup *SetupPacket) ([]byte, error) {
	iface := h.device.GetInterface(setup.InterfaceNumber())
	if iface == nil {
		return nil, pkg.ErrInvalidRequest
	}

	data, ok := iface.RequestableDescriptor(setup.DescriptorType(), setup.DescriptorIndex())
	if !ok {
		return nil, pkg.ErrInvalidRequest
	}

	n := copy(h.responseBuf[:], data)
	maxLen := int(setup.Length)
	if n > maxLen {
		n = maxLen
	}
	return h.responseBuf[:n], nil
}

func (h *StandardRequestHandler) getEndpointStatus(setup *SetupPacket) ([]byte, error) {
	if setup.Length < 2 {
		return nil, pkg.ErrInvalidRequest
	}
	ep := h.device.GetEndpoint(setup.EndpointAddress())
	if ep == nil {
		return nil, pkg.ErrInvalidEndpoint
	}
	var status uint16
	if ep.IsStalled() {
		status = 1
	}
	binary.LittleEndian.PutUint16(h.responseBuf[:2], status)
	return h.responseBuf[:2], nil
}

func (h *StandardRequestHandler) clearEndpointFeature(setup *SetupPacket) ([]byte, error) {
	if setup.Value != FeatureEndpointHalt {
		return nil, pkg.ErrInvalidRequest
	}
	ep := h.device.GetEndpoint(setup.EndpointAddress())
	if ep == nil {
		return nil, pkg.ErrInvalidEndpoint
	}
	ep.SetStall(false)
	ep.ResetDataToggle()
	return nil, nil
}

func (h *StandardRequestHandler) setEndpointFeature(setup *SetupPacket) ([]byte, error) {
	if setup.Value != FeatureEndpointHalt {
		return nil, pkg.ErrInvalidRequest
	}
	ep := h.device.GetEndpoint(setup.EndpointAddress())
	if ep == nil {
		return nil, pkg.ErrInvalidEndpoint
	}
	ep.SetStall(true)
	return nil, nil
}

func (h *StandardRequestHandler) synchFrame(setup *SetupPacket) ([]byte, error) {
	if setup.Length < 2 {
		return nil, pkg.ErrInvalidRequest
	}
	ep := h.device.GetEndpoint(setup.EndpointAddress())
	if ep == nil {
		return nil, pkg.ErrInvalidEndpoint
	}
	if !ep.IsIsochronous() {
		return nil, pkg.ErrInvalidRequest
	}
	binary.LittleEndian.PutUint16(h.responseBuf[:2], ep.FrameNumber())
	return h.responseBuf[:2], nil
}
