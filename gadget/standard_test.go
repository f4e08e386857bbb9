package gadget

import "testing"

func TestHandleGetDeviceStatus(t *testing.T) {
	dev := newTestDevice(t)
	handler := NewStandardRequestHandler(dev)

	setup := &SetupPacket{
		RequestType: uint8(DirectionIn) | uint8(RequestTypeStandard) | uint8(RecipientDevice),
		Request:     RequestGetStatus,
		Length:      2,
	}
	data, handled, err := handler.HandleControlRequest(setup, nil)
	if err != nil {
		t.Fatalf("HandleControlRequest() error = %v", err)
	}
	if !handled {
		t.Fatal("HandleControlRequest() handled = false")
	}
	if len(data) != 2 {
		t.Errorf("response length = %d, want 2", len(data))
	}
}

func TestHandleGetDeviceDescriptor(t *testing.T) {
	dev := newTestDevice(t)
	handler := NewStandardRequestHandler(dev)

	setup := &SetupPacket{
		RequestType: uint8(DirectionIn) | uint8(RequestTypeStandard) | uint8(RecipientDevice),
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeDevice) << 8,
		Length:      DeviceDescriptorSize,
	}
	data, _, err := handler.HandleControlRequest(setup, nil)
	if err != nil {
		t.Fatalf("HandleControlRequest() error = %v", err)
	}
	if len(data) != DeviceDescriptorSize {
		t.Errorf("response length = %d, want %d", len(data), DeviceDescriptorSize)
	}
	if data[1] != DescriptorTypeDevice {
		t.Errorf("descriptor type = 0x%02X, want 0x%02X", data[1], DescriptorTypeDevice)
	}
}

func TestHandleGetConfigurationDescriptor(t *testing.T) {
	dev := newTestDevice(t)
	handler := NewStandardRequestHandler(dev)

	setup := &SetupPacket{
		RequestType: uint8(DirectionIn) | uint8(RequestTypeStandard) | uint8(RecipientDevice),
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeConfiguration) << 8,
		Length:      512,
	}
	data, _, err := handler.HandleControlRequest(setup, nil)
	if err != nil {
		t.Fatalf("HandleControlRequest() error = %v", err)
	}
	if len(data) == 0 || data[1] != DescriptorTypeConfiguration {
		t.Errorf("unexpected configuration descriptor response: %v", data)
	}
}

func TestHandleGetStringDescriptor(t *testing.T) {
	dev := newTestDevice(t)
	handler := NewStandardRequestHandler(dev)

	idx := dev.Descriptor.ManufacturerIndex
	setup := &SetupPacket{
		RequestType: uint8(DirectionIn) | uint8(RequestTypeStandard) | uint8(RecipientDevice),
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeString)<<8 | uint16(idx),
		Length:      255,
	}
	data, _, err := handler.HandleControlRequest(setup, nil)
	if err != nil {
		t.Fatalf("HandleControlRequest() error = %v", err)
	}
	if len(data) == 0 || data[1] != DescriptorTypeString {
		t.Errorf("unexpected string descriptor response: %v", data)
	}
}

func TestHandleSetAndGetInterface(t *testing.T) {
	dev := newTestDevice(t)
	handler := NewStandardRequestHandler(dev)

	setIface := &SetupPacket{
		RequestType: uint8(DirectionOut) | uint8(RequestTypeStandard) | uint8(RecipientInterface),
		Request:     RequestSetInterface,
		Value:       0,
		Index:       0,
	}
	if _, _, err := handler.HandleControlRequest(setIface, nil); err != nil {
		t.Fatalf("SET_INTERFACE: %v", err)
	}

	getIface := &SetupPacket{
		RequestType: uint8(DirectionIn) | uint8(RequestTypeStandard) | uint8(RecipientInterface),
		Request:     RequestGetInterface,
		Index:       0,
		Length:      1,
	}
	data, _, err := handler.HandleControlRequest(getIface, nil)
	if err != nil {
		t.Fatalf("GET_INTERFACE: %v", err)
	}
	if len(data) != 1 || data[0] != 0 {
		t.Errorf("GET_INTERFACE response = %v, want [0]", data)
	}
}

func TestHandleSetAndClearEndpointHalt(t *testing.T) {
	dev := newTestDevice(t)
	handler := NewStandardRequestHandler(dev)

	setHalt := &SetupPacket{
		RequestType: uint8(DirectionOut) | uint8(RequestTypeStandard) | uint8(RecipientEndpoint),
		Request:     RequestSetFeature,
		Value:       FeatureEndpointHalt,
		Index:       0x81,
	}
	if _, _, err := handler.HandleControlRequest(setHalt, nil); err != nil {
		t.Fatalf("SET_FEATURE(halt): %v", err)
	}
	if ep := dev.GetEndpoint(0x81); !ep.IsStalled() {
		t.Fatal("endpoint not stalled after SET_FEATURE(halt)")
	}

	clearHalt := &SetupPacket{
		RequestType: uint8(DirectionOut) | uint8(RequestTypeStandard) | uint8(RecipientEndpoint),
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       0x81,
	}
	if _, _, err := handler.HandleControlRequest(clearHalt, nil); err != nil {
		t.Fatalf("CLEAR_FEATURE(halt): %v", err)
	}
	if ep := dev.GetEndpoint(0x81); ep.IsStalled() {
		t.Error("endpoint still stalled after CLEAR_FEATURE(halt)")
	}
}

func TestHandleGetInterfaceDescriptor(t *testing.T) {
	dev := newTestDevice(t)
	iface := dev.GetInterface(0)
	if iface == nil {
		t.Fatal("GetInterface(0) = nil")
	}
	classDesc := []byte{5, 0x24, 0x01, 0x02, 0x03}
	if err := iface.AddDescriptor(ExtraDescriptor{
		Type: 0x24, Index: 7, Data: classDesc, Requestable: true,
	}); err != nil {
		t.Fatalf("AddDescriptor: %v", err)
	}

	handler := NewStandardRequestHandler(dev)
	setup := &SetupPacket{
		RequestType: uint8(DirectionIn) | uint8(RequestTypeStandard) | uint8(RecipientInterface),
		Request:     RequestGetDescriptor,
		Value:       uint16(0x24)<<8 | 7,
		Index:       0,
		Length:      uint16(len(classDesc)),
	}
	data, handled, err := handler.HandleControlRequest(setup, nil)
	if err != nil {
		t.Fatalf("HandleControlRequest() error = %v", err)
	}
	if !handled {
		t.Fatal("HandleControlRequest() handled = false")
	}
	if string(data) != string(classDesc) {
		t.Errorf("response = %v, want %v", data, classDesc)
	}
}

func TestHandleGetInterfaceDescriptorUnknown(t *testing.T) {
	dev := newTestDevice(t)
	handler := NewStandardRequestHandler(dev)

	setup := &SetupPacket{
		RequestType: uint8(DirectionIn) | uint8(RequestTypeStandard) | uint8(RecipientInterface),
		Request:     RequestGetDescriptor,
		Value:       uint16(0x24) << 8,
		Index:       0,
		Length:      16,
	}
	if _, _, err := handler.HandleControlRequest(setup, nil); err == nil {
		t.Error("HandleControlRequest() error = nil, want error for unregistered descriptor")
	}
}

func TestHandleControlRequestNonStandard(t *testing.T) {
	dev := newTestDevice(t)
	handler := NewStandardRequestHandler(dev)

	setup := &SetupPacket{
		RequestType: uint8(DirectionIn) | uint8(RequestTypeVendor) | uint8(RecipientDevice),
		Request:     0x42,
	}
	_, handled, err := handler.HandleControlRequest(setup, nil)
	if err != nil {
		t.Fatalf("HandleControlRequest() error = %v", err)
	}
	if handled {
		t.Error("HandleControlRequest() handled a vendor request")
	}
}
