// Package filter implements the proxy's transaction filter chain: an
// ordered list of filters, each implementing any subset of a fixed set of
// hooks, folded left-to-right over a transaction as it crosses the
// device/upstream boundary.
//
// A filter that doesn't implement a given hook is a no-op for it — the
// same optional-interface idiom gadget.ClassDriver uses for its
// DataHandler extension, just generalized to seven hooks instead of one.
package filter

import (
	"sync"

	"github.com/ardnew/usbgadget/gadget"
)

// Exchange is the mutable state threaded through a chain fold. A filter
// may rewrite Setup/Data, set Absorbed to end the transaction without any
// upstream I/O, or set Stalled to signal (or, on the stall hooks, clear) a
// stall verdict. An absorbed data-endpoint transaction sends nothing to
// the host; an absorbed control request is still answered: the proxy
// replies to an IN request with Data and acknowledges an OUT request.
type Exchange struct {
	Setup    *gadget.SetupPacket
	Data     []byte
	Stalled  bool
	Absorbed bool
}

// SetupFilter observes and may rewrite an IN control request before it is
// issued upstream.
type SetupFilter interface {
	FilterSetup(ex *Exchange)
}

// InFilter observes and may rewrite the data an IN control request
// received from upstream before it is relayed to the host.
type InFilter interface {
	FilterIn(ex *Exchange)
}

// OutFilter observes and may rewrite an OUT control request before it is
// issued upstream.
type OutFilter interface {
	FilterOut(ex *Exchange)
}

// InTokenFilter observes an IN token on a data endpoint before the proxy
// reads from upstream to satisfy it.
type InTokenFilter interface {
	FilterInToken(ex *Exchange)
}

// InDataFilter observes and may rewrite data read from an upstream IN
// endpoint before it is transmitted to the host.
type InDataFilter interface {
	FilterInData(ex *Exchange)
}

// OutDataFilter observes and may rewrite data received from the host
// before it is written to an upstream OUT endpoint.
type OutDataFilter interface {
	FilterOutData(ex *Exchange)
}

// StallFilter observes an upstream stall and may clear it, producing an
// ACK instead of a forwarded stall.
type StallFilter interface {
	FilterStall(ex *Exchange)
}

// Filter is any value implementing one or more of the hook interfaces
// above. It carries no methods of its own; it exists so Chain can hold a
// heterogeneous list and type-assert per hook.
type Filter interface{}

// Chain is an ordered list of filters folded left-to-right per direction.
type Chain struct {
	mutex   sync.RWMutex
	filters []Filter
}

// NewChain creates an empty filter chain.
func NewChain() *Chain {
	return &Chain{}
}

// PushFront inserts f at the head of the chain, so it runs first.
func (c *Chain) PushFront(f Filter) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.filters = append([]Filter{f}, c.filters...)
}

// PushBack inserts f at the tail of the chain, so it runs last.
func (c *Chain) PushBack(f Filter) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.filters = append(c.filters, f)
}

func (c *Chain) snapshot() []Filter {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return append([]Filter(nil), c.filters...)
}

// RunSetup folds FilterSetup over every filter that implements it.
func (c *Chain) RunSetup(ex *Exchange) {
	for _, f := range c.snapshot() {
		if sf, ok := f.(SetupFilter); ok {
			sf.FilterSetup(ex)
		}
	}
}

// RunIn folds FilterIn over every filter that implements it.
func (c *Chain) RunIn(ex *Exchange) {
	for _, f := range c.snapshot() {
		if inf, ok := f.(InFilter); ok {
			inf.FilterIn(ex)
		}
	}
}

// RunOut folds FilterOut over every filter that implements it.
func (c *Chain) RunOut(ex *Exchange) {
	for _, f := range c.snapshot() {
		if of, ok := f.(OutFilter); ok {
			of.FilterOut(ex)
		}
	}
}

// RunInToken folds FilterInToken over every filter that implements it.
func (c *Chain) RunInToken(ex *Exchange) {
	for _, f := range c.snapshot() {
		if tf, ok := f.(InTokenFilter); ok {
			tf.FilterInToken(ex)
		}
	}
}

// RunInData folds FilterInData over every filter that implements it.
func (c *Chain) RunInData(ex *Exchange) {
	for _, f := range c.snapshot() {
		if df, ok := f.(InDataFilter); ok {
			df.FilterInData(ex)
		}
	}
}

// RunOutData folds FilterOutData over every filter that implements it.
func (c *Chain) RunOutData(ex *Exchange) {
	for _, f := range c.snapshot() {
		if df, ok := f.(OutDataFilter); ok {
			df.FilterOutData(ex)
		}
	}
}

// RunStall folds FilterStall over every filter that implements it.
func (c *Chain) RunStall(ex *Exchange) {
	for _, f := range c.snapshot() {
		if sf, ok := f.(StallFilter); ok {
			sf.FilterStall(ex)
		}
	}
}
