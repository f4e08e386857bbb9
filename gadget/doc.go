// Package gadget implements a pure-Go USB 1.1/2.0 device (gadget) stack.
//
// It is transport-agnostic and drives hardware or software peripherals via
// the [backend.Backend] interface defined in the
// [github.com/ardnew/usbgadget/gadget/backend] package. A Backend exposes
// generic operations for connecting, configuring endpoints, moving data,
// and reporting bus events, allowing transports to plug in without
// changing the gadget stack itself.
//
// # Architecture
//
// The stack is organized into several layers:
//
//   - [Device] manages device state, descriptors, configurations, and the
//     string table
//   - [Emulator] drives a Device against a Backend's event stream
//   - [Dispatcher] routes control requests to the standard handler and any
//     registered device/interface/endpoint observers
//   - [Endpoint] tracks per-endpoint stall and data-toggle state
//   - [Interface] represents one alternate setting and its class driver
//   - [Configuration] groups interfaces, their alternates, and interface
//     associations
//
// # Transfer Types
//
// All four USB transfer types are represented, though only control
// transfers are driven directly by the Dispatcher; bulk, interrupt, and
// isochronous traffic flows through Emulator.Send/Receive and the
// Backend's own endpoint queues.
//
// # Device States
//
// The stack implements the USB 2.0 device state machine:
//
//	Detached → Powered → Default → Addressed → Configured → Suspended
//
// # Alternate Settings
//
// Each (interface number, alternate setting) pair is a distinct *Interface
// value. Configuration tracks which alternate is active per interface
// number and serializes every alternate into the configuration descriptor,
// since a host may select any of them via SET_INTERFACE.
//
// # Class Drivers
//
// The [ClassDriver] interface enables USB class implementations:
//
//	type ClassDriver interface {
//	    Init(iface *Interface) error
//	    HandleSetup(iface *Interface, setup *SetupPacket, data []byte) (bool, error)
//	    SetAlternate(iface *Interface, alt uint8) error
//	    Close() error
//	}
//
// A class driver that also implements [DataHandler] is notified of data
// arriving on, or buffer space freeing on, the endpoints of the interface
// it's attached to.
package gadget
