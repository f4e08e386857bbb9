package gadget

import (
	"sync"

	"github.com/ardnew/usbgadget/pkg"
)

// Device represents a USB device as seen by the host: one device
// descriptor, a set of configurations (at most one active), a string
// table, and the bookkeeping for the enumeration state machine.
type Device struct {
	Descriptor *DeviceDescriptor
	Strings    *StringTable

	mutex sync.RWMutex

	configurations map[uint8]*Configuration
	configOrder    []uint8
	activeConfig   *Configuration

	state         State
	previousState State
	address       uint8
	speed         Speed

	ep0 *Endpoint

	remoteWakeupEnabled bool

	onStateChange      func(old, new State)
	onSuspend          func()
	onResume           func()
	onReset            func()
	onSetAddress       func(address uint8)
	onSetConfiguration func(config uint8)
}

// NewDevice creates a new USB device in the Detached state.
func NewDevice(desc *DeviceDescriptor) *Device {
	return &Device{
		Descriptor:     desc,
		Strings:        NewStringTable(),
		configurations: make(map[uint8]*Configuration),
		state:          StateDetached,
		speed:          SpeedFull,
		ep0: &Endpoint{
			Address:       0x00,
			Attributes:    uint8(TransferTypeControl),
			MaxPacketSize: uint16(desc.MaxPacketSize0),
		},
	}
}

// AddConfiguration adds a configuration to the device.
func (d *Device) AddConfiguration(config *Configuration) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, exists := d.configurations[config.Value]; exists {
		return pkg.ErrBusy
	}
	d.configurations[config.Value] = config
	d.configOrder = append(d.configOrder, config.Value)

	pkg.LogDebug(pkg.ComponentGadget, "configuration added", "value", config.Value)
	return nil
}

// GetConfiguration returns the configuration with the given 1-based value.
func (d *Device) GetConfiguration(value uint8) *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.configurations[value]
}

// ConfigurationAt returns the configuration at the given 0-based index,
// in the order configurations were added.
func (d *Device) ConfigurationAt(index uint8) *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if int(index) >= len(d.configOrder) {
		return nil
	}
	return d.configurations[d.configOrder[index]]
}

// ActiveConfiguration returns the currently active configuration, or nil.
func (d *Device) ActiveConfiguration() *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.activeConfig
}

// State returns the current device state.
func (d *Device) State() State {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Device) setState(newState State) {
	d.mutex.Lock()
	oldState := d.state
	d.state = newState
	callback := d.onStateChange
	d.mutex.Unlock()

	if oldState != newState {
		pkg.LogDebug(pkg.ComponentGadget, "device state changed",
			"from", oldState.String(), "to", newState.String())
		if callback != nil {
			callback(oldState, newState)
		}
	}
}

// Address returns the device's assigned bus address.
func (d *Device) Address() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

// Speed returns the negotiated connection speed.
func (d *Device) Speed() Speed {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.speed
}

// SetSpeed records the connection speed reported by the backend.
func (d *Device) SetSpeed(speed Speed) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.speed = speed
}

// ControlEndpoint returns the control endpoint (EP0).
func (d *Device) ControlEndpoint() *Endpoint {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.ep0
}

// IsConfigured returns true if the device is in the Configured state.
func (d *Device) IsConfigured() bool {
	return d.State() == StateConfigured
}

// Reset handles a bus reset: address and active configuration are
// cleared and the device returns to the Default state.
func (d *Device) Reset() {
	d.mutex.Lock()
	d.address = 0
	d.activeConfig = nil
	d.remoteWakeupEnabled = false
	callback := d.onReset
	d.mutex.Unlock()

	d.setState(StateDefault)

	if callback != nil {
		callback()
	}
	pkg.LogDebug(pkg.ComponentGadget, "device reset")
}

// SetAddress handles SET_ADDRESS. The caller is responsible for completing
// the status stage before notifying the backend, per USB 2.0 Spec section
// 9.4.6 — unlike every other standard request, the address must not take
// effect until after the zero-length status packet is acknowledged.
func (d *Device) SetAddress(address uint8) error {
	d.mutex.Lock()
	if d.state != StateDefault && d.state != StateAddressed {
		d.mutex.Unlock()
		return pkg.ErrInvalidState
	}
	d.address = address
	callback := d.onSetAddress
	d.mutex.Unlock()

	if address == 0 {
		d.setState(StateDefault)
	} else {
		d.setState(StateAddressed)
	}
	if callback != nil {
		callback(address)
	}
	pkg.LogDebug(pkg.ComponentGadget, "device address set", "address", address)
	return nil
}

// SetConfiguration handles SET_CONFIGURATION. A value of 0 unconfigures
// the device, returning it to the Addressed state.
func (d *Device) SetConfiguration(value uint8) error {
	d.mutex.Lock()
	if d.state != StateAddressed && d.state != StateConfigured {
		d.mutex.Unlock()
		return pkg.ErrInvalidState
	}

	if value == 0 {
		d.activeConfig = nil
		d.mutex.Unlock()
		d.setState(StateAddressed)
		return nil
	}

	config, ok := d.configurations[value]
	if !ok {
		d.mutex.Unlock()
		return pkg.ErrInvalidRequest
	}

	d.activeConfig = config
	callback := d.onSetConfiguration
	d.mutex.Unlock()

	d.setState(StateConfigured)
	if callback != nil {
		callback(value)
	}
	pkg.LogDebug(pkg.ComponentGadget, "device configured", "configuration", value)
	return nil
}

// Suspend handles USB suspend (3ms+ of bus idle).
func (d *Device) Suspend() {
	d.mutex.Lock()
	d.previousState = d.state
	callback := d.onSuspend
	d.mutex.Unlock()

	d.setState(StateSuspended)
	if callback != nil {
		callback()
	}
	pkg.LogDebug(pkg.ComponentGadget, "device suspended")
}

// Resume handles USB resume, restoring the pre-suspend state.
func (d *Device) Resume() {
	d.mutex.Lock()
	previousState := d.previousState
	callback := d.onResume
	d.mutex.Unlock()

	if previousState != StateDetached && previousState != StatePowered {
		d.setState(previousState)
	} else {
		d.setState(StateDefault)
	}
	if callback != nil {
		callback()
	}
	pkg.LogDebug(pkg.ComponentGadget, "device resumed")
}

// EnableRemoteWakeup enables or disables remote wakeup capability.
func (d *Device) EnableRemoteWakeup(enabled bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.remoteWakeupEnabled = enabled
}

// IsRemoteWakeupEnabled returns true if remote wakeup is enabled.
func (d *Device) IsRemoteWakeupEnabled() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.remoteWakeupEnabled
}

// GetInterface returns an interface's active alternate setting from the
// active configuration, or nil if unconfigured or the number is unknown.
func (d *Device) GetInterface(number uint8) *Interface {
	config := d.ActiveConfiguration()
	if config == nil {
		return nil
	}
	return config.GetInterface(number)
}

// GetEndpoint returns an endpoint from the active configuration, or EP0
// if address addresses the control endpoint.
func (d *Device) GetEndpoint(address uint8) *Endpoint {
	if address == 0x00 || address == 0x80 {
		return d.ControlEndpoint()
	}

	config := d.ActiveConfiguration()
	if config == nil {
		return nil
	}
	for _, iface := range config.Interfaces() {
		if ep := iface.GetEndpoint(address); ep != nil {
			return ep
		}
	}
	return nil
}

// Validate checks every configuration's composition invariants (duplicate
// endpoint address across interfaces, an interface association naming an
// interface that doesn't exist, descriptor-length overflow) and returns
// pkg.ErrConfiguration on the first violation found. Callers run this once
// at connect time; Device never calls it itself.
func (d *Device) Validate() error {
	d.mutex.RLock()
	configs := make([]*Configuration, 0, len(d.configOrder))
	for _, value := range d.configOrder {
		configs = append(configs, d.configurations[value])
	}
	d.mutex.RUnlock()

	for _, config := range configs {
		if err := config.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// FindRequestableDescriptor searches the active configuration's interfaces
// and their endpoints, in interface-number/alternate order, for a
// requestable sub-descriptor matching (descType, descIndex). Used to serve
// GET_DESCRIPTOR requests for class- or vendor-specific descriptor types
// the standard handler doesn't recognize on its own.
func (d *Device) FindRequestableDescriptor(descType, descIndex uint8) ([]byte, bool) {
	config := d.ActiveConfiguration()
	if config == nil {
		return nil, false
	}
	for _, iface := range config.AllAlternates() {
		if data, ok := iface.RequestableDescriptor(descType, descIndex); ok {
			return data, true
		}
		for _, ep := range iface.Endpoints() {
			if data, ok := ep.RequestableDescriptor(descType, descIndex); ok {
				return data, true
			}
		}
	}
	return nil, false
}

// SetEndpointStall sets or clears the stall condition on an endpoint.
func (d *Device) SetEndpointStall(address uint8, stalled bool) error {
	ep := d.GetEndpoint(address)
	if ep == nil {
		return pkg.ErrInvalidEndpoint
	}
	ep.SetStall(stalled)
	return nil
}

// SetOnStateChange sets the state-change callback.
func (d *Device) SetOnStateChange(cb func(old, new State)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onStateChange = cb
}

// SetOnSuspend sets the suspend callback.
func (d *Device) SetOnSuspend(cb func()) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onSuspend = cb
}

// SetOnResume sets the resume callback.
func (d *Device) SetOnResume(cb func()) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onResume = cb
}

// SetOnReset sets the bus-reset callback.
func (d *Device) SetOnReset(cb func()) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onReset = cb
}

// SetOnSetAddress sets the SET_ADDRESS callback.
func (d *Device) SetOnSetAddress(cb func(address uint8)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onSetAddress = cb
}

// SetOnSetConfiguration sets the SET_CONFIGURATION callback.
func (d *Device) SetOnSetConfiguration(cb func(config uint8)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onSetConfiguration = cb
}

// Close releases resources held by every configuration.
func (d *Device) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var lastErr error
	for _, value := range d.configOrder {
		if err := d.configurations[value].Close(); err != nil {
			lastErr = err
		}
	}
	d.configurations = make(map[uint8]*Configuration)
	d.configOrder = nil
	d.activeConfig = nil
	return lastErr
}

// DeviceStatus represents the two status bits returned by GET_STATUS
// (device recipient).
type DeviceStatus uint16

// Device status bits.
const (
	DeviceStatusSelfPowered  DeviceStatus = 1 << 0
	DeviceStatusRemoteWakeup DeviceStatus = 1 << 1
)

// GetStatus returns the device status.
func (d *Device) GetStatus() DeviceStatus {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	var status DeviceStatus
	if d.activeConfig != nil && d.activeConfig.IsSelfPowered() {
		status |= DeviceStatusSelfPowered
	}
	if d.remoteWakeupEnabled {
		status |= DeviceStatusRemoteWakeup
	}
	return status
}
