package gadget

import "github.com/ardnew/usbgadget/pkg"

// ExtraDescriptor is a class- or vendor-specific sub-descriptor owned by an
// Endpoint or Interface. An attached descriptor is serialized inline,
// immediately after its owner's standard descriptor, as part of the
// configuration descriptor; a requestable descriptor is instead served
// directly by GET_DESCRIPTOR, keyed by (Type, Index). A descriptor may be
// both at once (e.g. a CDC functional descriptor a host can also re-fetch
// on its own).
type ExtraDescriptor struct {
	Type        uint8
	Index       uint8
	Data        []byte
	Attached    bool
	Requestable bool
}

type extraKey struct {
	descType uint8
	index    uint8
}

// descriptorTable holds the attached/requestable sub-descriptors owned by
// one Endpoint or Interface. Not safe for concurrent use on its own;
// callers hold their owner's own mutex around it.
type descriptorTable struct {
	order []extraKey
	byKey map[extraKey]ExtraDescriptor
}

// add registers d, keyed by (Type, Index). Returns pkg.ErrBusy if that
// identifier is already used within this table.
func (t *descriptorTable) add(d ExtraDescriptor) error {
	key := extraKey{d.Type, d.Index}
	if _, exists := t.byKey[key]; exists {
		return pkg.ErrBusy
	}
	if t.byKey == nil {
		t.byKey = make(map[extraKey]ExtraDescriptor)
	}
	t.byKey[key] = d
	t.order = append(t.order, key)
	return nil
}

// attached returns every attached descriptor, in the order it was added.
func (t *descriptorTable) attached() []ExtraDescriptor {
	var out []ExtraDescriptor
	for _, key := range t.order {
		if d := t.byKey[key]; d.Attached {
			out = append(out, d)
		}
	}
	return out
}

// attachedLength returns the total byte length of every attached descriptor.
func (t *descriptorTable) attachedLength() uint16 {
	var n uint16
	for _, d := range t.attached() {
		n += uint16(len(d.Data))
	}
	return n
}

// marshalAttached writes every attached descriptor's bytes to buf in
// order, returning the number of bytes written.
func (t *descriptorTable) marshalAttached(buf []byte) int {
	offset := 0
	for _, d := range t.attached() {
		offset += copy(buf[offset:], d.Data)
	}
	return offset
}

// requestable returns the data of the requestable descriptor registered at
// (descType, index), and whether one exists.
func (t *descriptorTable) requestable(descType, index uint8) ([]byte, bool) {
	d, ok := t.byKey[extraKey{descType, index}]
	if !ok || !d.Requestable {
		return nil, false
	}
	return d.Data, true
}
