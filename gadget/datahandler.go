package gadget

// DataHandler is an optional interface a ClassDriver may additionally
// implement to observe data-endpoint traffic. Interface.ClassDriver()
// returning a value that does not implement DataHandler is not an error —
// the emulator simply has nothing to notify for that endpoint's traffic.
type DataHandler interface {
	// HandleDataReceived is called when data arrives on an OUT endpoint
	// belonging to the interface.
	HandleDataReceived(ep *Endpoint, data []byte)

	// HandleBufferEmpty is called when an IN endpoint belonging to the
	// interface has drained its transmit buffer and can accept more data.
	HandleBufferEmpty(ep *Endpoint)
}

// findEndpointInterface returns the active-configuration interface that
// owns the endpoint at address, or nil if none does (including EP0,
// which belongs to no interface).
func (d *Device) findEndpointInterface(address uint8) *Interface {
	config := d.ActiveConfiguration()
	if config == nil {
		return nil
	}
	for _, iface := range config.Interfaces() {
		if iface.GetEndpoint(address) != nil {
			return iface
		}
	}
	return nil
}
