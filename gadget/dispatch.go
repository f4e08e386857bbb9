package gadget

import "github.com/ardnew/usbgadget/pkg"

// HandlerFunc observes a control request and optionally produces a
// response. handled reports whether this handler recognized the request;
// Dispatch ORs the handled flag across every handler it consults at a
// given recipient level, so more than one observer may react to the same
// SETUP without needing to coordinate.
type HandlerFunc func(setup *SetupPacket, data []byte) (response []byte, handled bool, err error)

// Predicate is a conjunction of zero or more matchers against a control
// request's fields. A nil field matches anything. Identifier, if set,
// checks the low byte of wIndex against an owning entity's own number:
// an interface number for an interface-recipient request, or an endpoint
// address with its direction bit masked off for an endpoint-recipient
// request. The zero Predicate matches every request.
type Predicate struct {
	Direction  *Direction
	Type       *RequestType
	Recipient  *Recipient
	Request    *uint8
	Identifier *uint8
}

// Match reports whether setup satisfies every matcher p sets.
func (p Predicate) Match(setup *SetupPacket) bool {
	if p.Direction != nil && setup.Direction() != *p.Direction {
		return false
	}
	if p.Type != nil && setup.Type() != *p.Type {
		return false
	}
	if p.Recipient != nil && setup.Recipient() != *p.Recipient {
		return false
	}
	if p.Request != nil && setup.Request != *p.Request {
		return false
	}
	if p.Identifier != nil {
		var actual uint8
		if setup.Recipient() == RecipientEndpoint {
			actual = setup.EndpointAddress() &^ 0x80
		} else {
			actual = setup.InterfaceNumber()
		}
		if actual != *p.Identifier {
			return false
		}
	}
	return true
}

// ForInterface returns a copy of p scoped to iface: it additionally
// requires the low byte of wIndex to equal iface's interface number.
func (p Predicate) ForInterface(iface *Interface) Predicate {
	id := iface.Number
	p.Identifier = &id
	return p
}

// ForEndpoint returns a copy of p scoped to ep: it additionally requires
// the low byte of wIndex, direction bit masked, to equal ep's endpoint
// number.
func (p Predicate) ForEndpoint(ep *Endpoint) Predicate {
	id := ep.Address &^ 0x80
	p.Identifier = &id
	return p
}

// StandardRequestPredicate matches standard-type requests with the given
// request number.
func StandardRequestPredicate(request uint8) Predicate {
	t := RequestTypeStandard
	return Predicate{Type: &t, Request: &request}
}

// ClassRequestPredicate matches class-type requests with the given request
// number.
func ClassRequestPredicate(request uint8) Predicate {
	t := RequestTypeClass
	return Predicate{Type: &t, Request: &request}
}

// VendorRequestPredicate matches vendor-type requests with the given
// request number.
func VendorRequestPredicate(request uint8) Predicate {
	t := RequestTypeVendor
	return Predicate{Type: &t, Request: &request}
}

// Handler pairs a Predicate with the function it guards. Fn only runs for
// a request Match reports true for.
type Handler struct {
	Match Predicate
	Fn    HandlerFunc
}

// Dispatcher routes a control request to the standard request handler and
// any additionally registered device-, interface- or endpoint-scoped
// handlers, recursing from the device down to the addressed recipient.
//
// Interface- and endpoint-level handling still happens primarily through
// each Interface's ClassDriver; DeviceHandlers/InterfaceHandlers/
// EndpointHandlers here are for handlers registered directly on the
// dispatcher instead of through a class driver — cross-cutting observers
// (a proxy's filter chain, request logging) as well as handlers scoped by
// Predicate to one request number or one owning interface/endpoint.
type Dispatcher struct {
	standard *StandardRequestHandler

	DeviceHandlers    []Handler
	InterfaceHandlers []Handler
	EndpointHandlers  []Handler
}

// NewDispatcher creates a Dispatcher bound to device, with the standard
// request handler registered first.
func NewDispatcher(device *Device) *Dispatcher {
	return &Dispatcher{standard: NewStandardRequestHandler(device)}
}

// AddDeviceHandler registers fn as a device-scoped handler, run whenever
// match matches the incoming request, regardless of recipient.
func (d *Dispatcher) AddDeviceHandler(match Predicate, fn HandlerFunc) {
	d.DeviceHandlers = append(d.DeviceHandlers, Handler{Match: match, Fn: fn})
}

// AddInterfaceHandler registers fn as an interface-scoped handler, run for
// interface-recipient requests addressing an interface the device knows
// about, whenever match matches.
func (d *Dispatcher) AddInterfaceHandler(match Predicate, fn HandlerFunc) {
	d.InterfaceHandlers = append(d.InterfaceHandlers, Handler{Match: match, Fn: fn})
}

// AddEndpointHandler registers fn as an endpoint-scoped handler, run for
// endpoint-recipient requests addressing an endpoint the device knows
// about, whenever match matches.
func (d *Dispatcher) AddEndpointHandler(match Predicate, fn HandlerFunc) {
	d.EndpointHandlers = append(d.EndpointHandlers, Handler{Match: match, Fn: fn})
}

// Dispatch routes setup through the standard handler, then recursively
// through any interface or endpoint it addresses, OR-folding each
// matching handler's "handled" outcome. If nothing handled the request, it
// returns ErrStall — the caller is expected to stall the endpoint and, per
// the emulation loop's failure semantics, record the event rather than
// treat it as fatal.
func (d *Dispatcher) Dispatch(device *Device, setup *SetupPacket, data []byte) ([]byte, error) {
	var response []byte
	var handled bool

	if setup.IsStandard() {
		r, ok, err := d.standard.HandleControlRequest(setup, data)
		if err != nil {
			return nil, err
		}
		if ok {
			handled = true
			if r != nil {
				response = r
			}
		}
	}

	for _, h := range d.DeviceHandlers {
		if !h.Match.Match(setup) {
			continue
		}
		r, ok, err := h.Fn(setup, data)
		if err != nil {
			return nil, err
		}
		if ok {
			handled = true
			if r != nil {
				response = r
			}
		}
	}

	switch setup.Recipient() {
	case RecipientInterface:
		iface := device.GetInterface(setup.InterfaceNumber())
		if iface != nil {
			for _, h := range d.InterfaceHandlers {
				if !h.Match.Match(setup) {
					continue
				}
				r, ok, err := h.Fn(setup, data)
				if err != nil {
					return nil, err
				}
				if ok {
					handled = true
					if r != nil {
						response = r
					}
				}
			}
			ok, err := iface.HandleSetup(setup, data)
			if err != nil {
				return nil, err
			}
			if ok {
				handled = true
			}
		}

	case RecipientEndpoint:
		ep := device.GetEndpoint(setup.EndpointAddress())
		if ep != nil {
			for _, h := range d.EndpointHandlers {
				if !h.Match.Match(setup) {
					continue
				}
				r, ok, err := h.Fn(setup, data)
				if err != nil {
					return nil, err
				}
				if ok {
					handled = true
					if r != nil {
						response = r
					}
				}
			}
		}
	}

	if !handled {
		return nil, pkg.ErrStall
	}
	return response, nil
}
