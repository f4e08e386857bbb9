package gadget

import (
	"sync"

	"github.com/ardnew/usbgadget/pkg"
)

// StringTable holds a device's string descriptors, indexed the way
// GET_DESCRIPTOR(String) addresses them: index 0 is reserved for the
// supported-languages descriptor, and indices 1.. are UTF-16LE encoded
// text, each stored as its fully encoded descriptor bytes.
type StringTable struct {
	mutex   sync.RWMutex
	entries map[uint8][]byte
	byText  map[string]uint8
	next    uint8
}

// NewStringTable creates an empty string table with US English registered
// as the sole supported language.
func NewStringTable() *StringTable {
	t := &StringTable{
		entries: make(map[uint8][]byte),
		byText:  make(map[string]uint8),
		next:    1,
	}
	langBuf := make([]byte, 4)
	n, err := LanguageDescriptorTo(langBuf, LangIDUSEnglish)
	if err == nil {
		t.entries[0] = langBuf[:n]
	}
	return t
}

// IndexOf returns the index already assigned to s, and whether it was found.
func (t *StringTable) IndexOf(s string) (uint8, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	idx, ok := t.byText[s]
	return idx, ok
}

// Add registers s and returns its index, reusing the existing index if s
// was already registered. If index is given, s is stored at that exact
// index instead of being auto-allocated, evicting whatever string
// previously occupied it (its reverse byText mapping is removed, so a
// later Add of that old string allocates a fresh index). Returns
// ErrInvalidParameter if an explicit index is 0 — that index is reserved
// for the supported-languages descriptor — ErrStringTooLong if s encodes
// to more than MaxStringDescriptorBytes UTF-16 bytes, or ErrNoMemory if
// the table has run out of 8-bit indices to auto-allocate.
func (t *StringTable) Add(s string, index ...uint8) (uint8, error) {
	var explicit bool
	var idx uint8
	if len(index) > 0 {
		idx = index[0]
		if idx == 0 {
			return 0, pkg.ErrInvalidParameter
		}
		explicit = true
	}

	if !explicit {
		if existing, ok := t.IndexOf(s); ok {
			return existing, nil
		}
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !explicit {
		if existing, ok := t.byText[s]; ok {
			return existing, nil
		}
		if t.next == 0 {
			return 0, pkg.ErrNoMemory
		}
		idx = t.next
	}

	buf := make([]byte, 2+len([]rune(s))*2)
	n, err := StringDescriptorTo(buf, s)
	if err != nil {
		return 0, err
	}

	if explicit {
		for text, existing := range t.byText {
			if existing == idx {
				delete(t.byText, text)
				break
			}
		}
	}

	t.entries[idx] = buf[:n]
	t.byText[s] = idx
	if !explicit {
		t.next++
	}

	pkg.LogDebug(pkg.ComponentGadget, "string descriptor added", "index", idx)
	return idx, nil
}

// Get returns the encoded string descriptor at index, or nil if no string
// is registered there.
func (t *StringTable) Get(index uint8) []byte {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.entries[index]
}

// SupportedLanguagesDescriptor returns the encoded descriptor for index 0.
func (t *StringTable) SupportedLanguagesDescriptor() []byte {
	return t.Get(0)
}

// SetLanguages overrides the supported-languages descriptor (index 0)
// with the given language IDs.
func (t *StringTable) SetLanguages(langIDs ...uint16) error {
	buf := make([]byte, 2+len(langIDs)*2)
	n, err := LanguageDescriptorTo(buf, langIDs...)
	if err != nil {
		return err
	}
	t.mutex.Lock()
	t.entries[0] = buf[:n]
	t.mutex.Unlock()
	return nil
}
