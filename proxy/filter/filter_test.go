package filter

import (
	"testing"

	"github.com/ardnew/usbgadget/gadget"
)

type setupRewriter struct {
	rewriteValue uint16
}

func (f *setupRewriter) FilterSetup(ex *Exchange) {
	ex.Setup.Value = f.rewriteValue
}

type absorber struct{}

func (absorber) FilterOut(ex *Exchange) {
	ex.Absorbed = true
}

type stallClearer struct{}

func (stallClearer) FilterStall(ex *Exchange) {
	ex.Stalled = false
}

type multiHook struct {
	setupCalled bool
	inCalled    bool
}

func (m *multiHook) FilterSetup(ex *Exchange) { m.setupCalled = true }
func (m *multiHook) FilterIn(ex *Exchange)    { m.inCalled = true }

func TestChainRunSetupRewrites(t *testing.T) {
	c := NewChain()
	c.PushBack(&setupRewriter{rewriteValue: 0xBEEF})

	ex := &Exchange{Setup: &gadget.SetupPacket{Value: 0x0001}}
	c.RunSetup(ex)

	if ex.Setup.Value != 0xBEEF {
		t.Errorf("Setup.Value = 0x%04X, want 0xBEEF", ex.Setup.Value)
	}
}

func TestChainOrdering(t *testing.T) {
	c := NewChain()
	var order []int

	c.PushBack(markerFilter{id: 1, order: &order})
	c.PushBack(markerFilter{id: 2, order: &order})
	c.PushFront(markerFilter{id: 0, order: &order})

	c.RunSetup(&Exchange{})

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("hook order = %v, want [0 1 2]", order)
	}
}

type markerFilter struct {
	id    int
	order *[]int
}

func (m markerFilter) FilterSetup(ex *Exchange) {
	*m.order = append(*m.order, m.id)
}

func TestChainAbsorb(t *testing.T) {
	c := NewChain()
	c.PushBack(absorber{})

	ex := &Exchange{Data: []byte("payload")}
	c.RunOut(ex)

	if !ex.Absorbed {
		t.Error("RunOut() did not set Absorbed")
	}
}

func TestChainStallClear(t *testing.T) {
	c := NewChain()
	c.PushBack(stallClearer{})

	ex := &Exchange{Stalled: true}
	c.RunStall(ex)

	if ex.Stalled {
		t.Error("RunStall() did not clear Stalled")
	}
}

func TestChainSkipsNonImplementingFilters(t *testing.T) {
	c := NewChain()
	c.PushBack(absorber{}) // implements only FilterOut

	// RunSetup should not panic or do anything on a filter that doesn't
	// implement SetupFilter.
	ex := &Exchange{}
	c.RunSetup(ex)
	if ex.Absorbed {
		t.Error("RunSetup() triggered an unrelated hook")
	}
}

func TestChainMultiHookFilter(t *testing.T) {
	c := NewChain()
	m := &multiHook{}
	c.PushBack(m)

	c.RunSetup(&Exchange{})
	c.RunIn(&Exchange{})

	if !m.setupCalled || !m.inCalled {
		t.Error("multi-hook filter did not see both RunSetup and RunIn")
	}
}

func TestChainEmpty(t *testing.T) {
	c := NewChain()
	ex := &Exchange{}
	c.RunSetup(ex)
	c.RunIn(ex)
	c.RunOut(ex)
	c.RunInToken(ex)
	c.RunInData(ex)
	c.RunOutData(ex)
	c.RunStall(ex)
	if ex.Absorbed || ex.Stalled {
		t.Error("empty chain mutated Exchange")
	}
}
