package gadget

import (
	"sync"

	"github.com/ardnew/usbgadget/pkg"
)

// ClassDriver is the extension point for class-specific (HID, CDC, mass
// storage, vendor...) handling of an interface. Concrete class drivers
// are not part of this package; a driver plugs in via Interface.SetClassDriver.
type ClassDriver interface {
	// Init initializes the class driver for the interface.
	Init(iface *Interface) error

	// HandleSetup processes class-specific SETUP requests addressed to
	// this interface. Returns true if the request was handled.
	HandleSetup(iface *Interface, setup *SetupPacket, data []byte) (bool, error)

	// SetAlternate is called after the interface's alternate setting changes.
	SetAlternate(iface *Interface, alt uint8) error

	// Close releases any resources held by the class driver.
	Close() error
}

// Interface represents one alternate setting of a USB interface. A USB
// interface number with multiple alternate settings is represented as
// multiple *Interface values sharing Number but differing in Alternate;
// Configuration tracks which one is currently active.
type Interface struct {
	Number      uint8 // Interface number
	Alternate   uint8 // This alternate's setting number
	Class       uint8
	SubClass    uint8
	Protocol    uint8
	StringIndex uint8

	mutex       sync.RWMutex
	endpoints   map[uint8]*Endpoint // keyed by endpoint address
	classDriver ClassDriver
	descriptors descriptorTable
}

// NewInterface creates a new interface alternate setting from a descriptor.
func NewInterface(desc *InterfaceDescriptor) *Interface {
	return &Interface{
		Number:      desc.InterfaceNumber,
		Alternate:   desc.AlternateSetting,
		Class:       desc.InterfaceClass,
		SubClass:    desc.InterfaceSubClass,
		Protocol:    desc.InterfaceProtocol,
		StringIndex: desc.InterfaceIndex,
		endpoints:   make(map[uint8]*Endpoint),
	}
}

// AddEndpoint adds an endpoint to this alternate setting.
func (i *Interface) AddEndpoint(ep *Endpoint) error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if _, exists := i.endpoints[ep.Address]; exists {
		return pkg.ErrBusy
	}
	i.endpoints[ep.Address] = ep

	pkg.LogDebug(pkg.ComponentGadget, "endpoint added to interface",
		"interface", i.Number,
		"alternate", i.Alternate,
		"endpoint", ep.Address,
		"type", ep.TransferType().String(),
		"direction", ep.Direction().String())

	return nil
}

// RemoveEndpoint removes an endpoint from this alternate setting.
func (i *Interface) RemoveEndpoint(address uint8) {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	delete(i.endpoints, address)
}

// GetEndpoint returns the endpoint with the given address, or nil.
func (i *Interface) GetEndpoint(address uint8) *Endpoint {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.endpoints[address]
}

// Endpoints returns all endpoints of this alternate setting.
func (i *Interface) Endpoints() []*Endpoint {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	out := make([]*Endpoint, 0, len(i.endpoints))
	for _, ep := range i.endpoints {
		out = append(out, ep)
	}
	return out
}

// NumEndpoints returns the number of endpoints in this alternate setting.
func (i *Interface) NumEndpoints() int {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return len(i.endpoints)
}

// SetClassDriver sets the class driver for this alternate setting.
func (i *Interface) SetClassDriver(driver ClassDriver) error {
	i.mutex.Lock()
	oldDriver := i.classDriver
	i.classDriver = driver
	i.mutex.Unlock()

	if oldDriver != nil {
		if err := oldDriver.Close(); err != nil {
			pkg.LogWarn(pkg.ComponentGadget, "error closing previous class driver", "error", err)
		}
	}
	if driver != nil {
		return driver.Init(i)
	}
	return nil
}

// ClassDriver returns the current class driver, or nil.
func (i *Interface) ClassDriver() ClassDriver {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.classDriver
}

// HandleSetup processes a class-specific SETUP request through this
// alternate setting's class driver.
func (i *Interface) HandleSetup(setup *SetupPacket, data []byte) (bool, error) {
	i.mutex.RLock()
	driver := i.classDriver
	i.mutex.RUnlock()

	if driver == nil {
		return false, nil
	}
	return driver.HandleSetup(i, setup, data)
}

// AddDescriptor attaches or registers a class-/vendor-specific
// sub-descriptor on this interface. Returns pkg.ErrBusy if the
// descriptor's (Type, Index) identifier is already used on this
// interface.
func (i *Interface) AddDescriptor(d ExtraDescriptor) error {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.descriptors.add(d)
}

// RequestableDescriptor returns the data of a requestable sub-descriptor
// registered at (descType, index), and whether one exists.
func (i *Interface) RequestableDescriptor(descType, index uint8) ([]byte, bool) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.descriptors.requestable(descType, index)
}

// extraLength returns the number of bytes this interface contributes
// beyond its own 9-byte standard descriptor: every attached sub-descriptor.
func (i *Interface) extraLength() uint16 {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.descriptors.attachedLength()
}

// marshalExtra writes every attached sub-descriptor to buf, in the order
// they were added, returning the number of bytes written.
func (i *Interface) marshalExtra(buf []byte) int {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.descriptors.marshalAttached(buf)
}

// Descriptor returns the interface descriptor for this alternate setting.
func (i *Interface) Descriptor() *InterfaceDescriptor {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	return &InterfaceDescriptor{
		Length:            InterfaceDescriptorSize,
		DescriptorType:    DescriptorTypeInterface,
		InterfaceNumber:   i.Number,
		AlternateSetting:  i.Alternate,
		NumEndpoints:      uint8(len(i.endpoints)),
		InterfaceClass:    i.Class,
		InterfaceSubClass: i.SubClass,
		InterfaceProtocol: i.Protocol,
		InterfaceIndex:    i.StringIndex,
	}
}

// Close releases resources held by this alternate setting.
func (i *Interface) Close() error {
	i.mutex.Lock()
	driver := i.classDriver
	i.classDriver = nil
	i.mutex.Unlock()

	if driver != nil {
		return driver.Close()
	}
	return nil
}
