// Package proxy implements a USB man-in-the-middle device: a gadget.Device
// whose handlers forward every control and data transaction to a real
// upstream device, optionally rewriting transactions in flight through a
// proxy/filter.Chain.
//
// It is grounded on the teacher's host.Device for the shape of a USB
// device handle (descriptor caching, control/bulk transfer helpers) but
// inverts its role: host.Device is an enumerated device a host stack
// talks to, while proxy.Device is a gadget.Device whose every handler
// turns around and talks to one.
package proxy
