package gadget

import (
	"sync"

	"github.com/ardnew/usbgadget/pkg"
)

// Configuration represents a USB device configuration: a set of interfaces,
// each of which may have multiple alternate settings. Only one alternate
// setting per interface number is active at a time; SET_INTERFACE switches
// it. All alternate settings are still part of the configuration descriptor
// the host reads — the host, not the device, decides which to activate.
type Configuration struct {
	Value       uint8 // Configuration value for SET_CONFIGURATION
	Attributes  uint8
	MaxPower    uint8
	StringIndex uint8

	mutex sync.RWMutex

	order           []uint8                     // interface numbers, first-seen order
	altOrder        map[uint8][]uint8            // interface number -> alternate numbers, first-seen order
	interfaces      map[uint8]map[uint8]*Interface // interface number -> alternate -> Interface
	activeAlternate map[uint8]uint8

	associations []InterfaceAssociation
}

// InterfaceAssociation groups related interfaces (e.g. CDC control + data)
// under a single function for the host's driver matching (IAD, USB ECN).
type InterfaceAssociation struct {
	FirstInterface   uint8
	InterfaceCount   uint8
	FunctionClass    uint8
	FunctionSubClass uint8
	FunctionProtocol uint8
	StringIndex      uint8
}

// NewConfiguration creates a new, empty configuration.
func NewConfiguration(value uint8) *Configuration {
	return &Configuration{
		Value:           value,
		Attributes:      ConfigAttrBusPowered,
		MaxPower:        50, // 100mA
		altOrder:        make(map[uint8][]uint8),
		interfaces:      make(map[uint8]map[uint8]*Interface),
		activeAlternate: make(map[uint8]uint8),
	}
}

// AddInterface adds an interface alternate setting to the configuration.
// The first alternate added for a given interface number becomes active.
func (c *Configuration) AddInterface(iface *Interface) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	alts, exists := c.interfaces[iface.Number]
	if !exists {
		alts = make(map[uint8]*Interface)
		c.interfaces[iface.Number] = alts
		c.order = append(c.order, iface.Number)
		c.activeAlternate[iface.Number] = iface.Alternate
	}
	if _, dup := alts[iface.Alternate]; dup {
		return pkg.ErrBusy
	}
	alts[iface.Alternate] = iface
	c.altOrder[iface.Number] = append(c.altOrder[iface.Number], iface.Alternate)

	pkg.LogDebug(pkg.ComponentGadget, "interface added to configuration",
		"config", c.Value, "interface", iface.Number, "alternate", iface.Alternate)

	return nil
}

// GetInterface returns the currently active alternate setting for the
// given interface number, or nil if the number is unknown.
func (c *Configuration) GetInterface(number uint8) *Interface {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	alts, ok := c.interfaces[number]
	if !ok {
		return nil
	}
	return alts[c.activeAlternate[number]]
}

// GetInterfaceAlternate returns a specific alternate setting, active or not.
func (c *Configuration) GetInterfaceAlternate(number, alt uint8) *Interface {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	alts, ok := c.interfaces[number]
	if !ok {
		return nil
	}
	return alts[alt]
}

// ActiveAlternate returns the alternate setting number currently selected
// for the given interface number.
func (c *Configuration) ActiveAlternate(number uint8) (uint8, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if _, ok := c.interfaces[number]; !ok {
		return 0, false
	}
	return c.activeAlternate[number], true
}

// SetAlternate switches the active alternate setting for an interface
// number. Returns ErrInvalidRequest if the number or alternate is unknown.
// Endpoints of the newly active alternate have their data toggle and halt
// state reset, per USB 2.0 Spec section 9.4.10.
func (c *Configuration) SetAlternate(number, alt uint8) error {
	c.mutex.Lock()
	alts, ok := c.interfaces[number]
	if !ok {
		c.mutex.Unlock()
		return pkg.ErrInvalidRequest
	}
	target, ok := alts[alt]
	if !ok {
		c.mutex.Unlock()
		return pkg.ErrInvalidRequest
	}
	previous := alts[c.activeAlternate[number]]
	c.activeAlternate[number] = alt
	c.mutex.Unlock()

	for _, ep := range target.Endpoints() {
		ep.ResetDataToggle()
		ep.SetStall(false)
	}

	driver := target.ClassDriver()
	if driver == nil && previous != nil {
		driver = previous.ClassDriver()
	}
	if driver != nil {
		return driver.SetAlternate(target, alt)
	}
	return nil
}

// Interfaces returns the currently active alternate setting for each
// interface number, in the order interfaces were first added.
func (c *Configuration) Interfaces() []*Interface {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	out := make([]*Interface, 0, len(c.order))
	for _, number := range c.order {
		out = append(out, c.interfaces[number][c.activeAlternate[number]])
	}
	return out
}

// AllAlternates returns every alternate setting of every interface, in
// the order they were added, grouped by interface number. This is the
// set of InterfaceDescriptors the configuration descriptor must carry.
func (c *Configuration) AllAlternates() []*Interface {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	var out []*Interface
	for _, number := range c.order {
		for _, alt := range c.altOrder[number] {
			out = append(out, c.interfaces[number][alt])
		}
	}
	return out
}

// NumInterfaces returns the number of distinct interface numbers (not
// counting alternate settings) in the configuration.
func (c *Configuration) NumInterfaces() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.order)
}

// AddAssociation adds an interface association descriptor.
func (c *Configuration) AddAssociation(assoc InterfaceAssociation) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.associations = append(c.associations, assoc)
}

// Associations returns all interface associations.
func (c *Configuration) Associations() []InterfaceAssociation {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return append([]InterfaceAssociation(nil), c.associations...)
}

// Descriptor returns the configuration descriptor.
func (c *Configuration) Descriptor() *ConfigurationDescriptor {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return &ConfigurationDescriptor{
		Length:             ConfigurationDescriptorSize,
		DescriptorType:     DescriptorTypeConfiguration,
		TotalLength:        c.totalLength(),
		NumInterfaces:      uint8(len(c.order)),
		ConfigurationValue: c.Value,
		ConfigurationIndex: c.StringIndex,
		Attributes:         c.Attributes,
		MaxPower:           c.MaxPower,
	}
}

// totalLength computes wTotalLength: the configuration descriptor plus
// every IAD, every alternate setting's interface descriptor and its
// attached sub-descriptors, and every one of their endpoint descriptors
// and attached sub-descriptors. Caller must hold c.mutex.
func (c *Configuration) totalLength() uint16 {
	length := uint16(ConfigurationDescriptorSize)
	length += uint16(len(c.associations)) * IADSize
	for _, number := range c.order {
		for _, alt := range c.altOrder[number] {
			iface := c.interfaces[number][alt]
			length += InterfaceDescriptorSize + iface.extraLength()
			for _, ep := range iface.Endpoints() {
				length += EndpointDescriptorSize + ep.extraLength()
			}
		}
	}
	return length
}

// MarshalTo writes the full configuration descriptor, including every
// interface association, every alternate setting, and every endpoint, to
// buf. Returns the number of bytes written, or 0 if buf is too small.
func (c *Configuration) MarshalTo(buf []byte) int {
	offset := c.Descriptor().MarshalTo(buf)
	if offset == 0 {
		return 0
	}

	c.mutex.RLock()
	associations := append([]InterfaceAssociation(nil), c.associations...)
	order := append([]uint8(nil), c.order...)
	altOrder := make(map[uint8][]uint8, len(c.altOrder))
	for k, v := range c.altOrder {
		altOrder[k] = append([]uint8(nil), v...)
	}
	interfaces := c.interfaces
	c.mutex.RUnlock()

	for _, assoc := range associations {
		iad := InterfaceAssociationDescriptor{
			Length:           IADSize,
			DescriptorType:   DescriptorTypeInterfaceAssociation,
			FirstInterface:   assoc.FirstInterface,
			InterfaceCount:   assoc.InterfaceCount,
			FunctionClass:    assoc.FunctionClass,
			FunctionSubClass: assoc.FunctionSubClass,
			FunctionProtocol: assoc.FunctionProtocol,
			FunctionIndex:    assoc.StringIndex,
		}
		n := iad.MarshalTo(buf[offset:])
		if n == 0 {
			return 0
		}
		offset += n
	}

	for _, number := range order {
		for _, alt := range altOrder[number] {
			iface := interfaces[number][alt]
			n := iface.Descriptor().MarshalTo(buf[offset:])
			if n == 0 {
				return 0
			}
			offset += n
			offset += iface.marshalExtra(buf[offset:])
			for _, ep := range iface.Endpoints() {
				n = ep.Descriptor().MarshalTo(buf[offset:])
				if n == 0 {
					return 0
				}
				offset += n
				offset += ep.marshalExtra(buf[offset:])
			}
		}
	}

	return offset
}

// SetSelfPowered sets or clears the self-powered attribute.
func (c *Configuration) SetSelfPowered(selfPowered bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if selfPowered {
		c.Attributes |= ConfigAttrSelfPowered
	} else {
		c.Attributes &^= ConfigAttrSelfPowered
	}
}

// IsSelfPowered returns true if the configuration is self-powered.
func (c *Configuration) IsSelfPowered() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.Attributes&ConfigAttrSelfPowered != 0
}

// SetRemoteWakeup sets or clears the remote wakeup capability.
func (c *Configuration) SetRemoteWakeup(enabled bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if enabled {
		c.Attributes |= ConfigAttrRemoteWakeup
	} else {
		c.Attributes &^= ConfigAttrRemoteWakeup
	}
}

// SupportsRemoteWakeup returns true if remote wakeup is supported.
func (c *Configuration) SupportsRemoteWakeup() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.Attributes&ConfigAttrRemoteWakeup != 0
}

// Validate checks the composition invariants spec'd for a configuration
// that cannot be enforced synchronously at AddInterface/AddEndpoint time:
// every interface association must reference an interface actually
// present, no two interfaces may claim the same endpoint address, every
// endpoint must have a non-zero max packet size, and the computed
// wTotalLength must fit in 16 bits. Returns pkg.ErrConfiguration on the
// first violation found.
func (c *Configuration) Validate() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if len(c.order) == 0 {
		return pkg.ErrConfiguration
	}

	for _, assoc := range c.associations {
		if _, ok := c.interfaces[assoc.FirstInterface]; !ok {
			return pkg.ErrConfiguration
		}
	}

	total := int(ConfigurationDescriptorSize) + len(c.associations)*int(IADSize)
	owner := make(map[uint8]uint8) // endpoint address -> claiming interface number

	for _, number := range c.order {
		for _, alt := range c.altOrder[number] {
			iface := c.interfaces[number][alt]
			total += int(InterfaceDescriptorSize) + int(iface.extraLength())
			for _, ep := range iface.Endpoints() {
				if ep.MaxPacketSize == 0 {
					return pkg.ErrConfiguration
				}
				if claimant, dup := owner[ep.Address]; dup && claimant != number {
					return pkg.ErrConfiguration
				}
				owner[ep.Address] = number
				total += int(EndpointDescriptorSize) + int(ep.extraLength())
			}
		}
	}

	if total > 0xFFFF {
		return pkg.ErrConfiguration
	}
	return nil
}

// Close releases resources held by every alternate setting.
func (c *Configuration) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var lastErr error
	for _, number := range c.order {
		for _, alt := range c.altOrder[number] {
			if err := c.interfaces[number][alt].Close(); err != nil {
				lastErr = err
			}
		}
	}
	c.order = nil
	c.altOrder = make(map[uint8][]uint8)
	c.interfaces = make(map[uint8]map[uint8]*Interface)
	c.activeAlternate = make(map[uint8]uint8)
	return lastErr
}
