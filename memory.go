package picprog

import (
	"iter"
	"sort"
)

// ErasedWord is the value of an unprogrammed flash word.
const ErasedWord uint16 = 0x3FFF

// Memory is a sparse, word-addressed image of device memory. Absent addresses
// read as ErasedWord.
type Memory struct {
	words map[uint16]uint16
}

// NewMemory returns an empty memory image.
func NewMemory() *Memory {
	return &Memory{words: make(map[uint16]uint16)}
}

// Get returns the word at addr, or ErasedWord if it has not been set.
func (m *Memory) Get(addr uint16) uint16 {
	if w, ok := m.words[addr]; ok {
		return w
	}
	return ErasedWord
}

// Has reports whether addr holds an explicitly set word.
func (m *Memory) Has(addr uint16) bool {
	_, ok := m.words[addr]
	return ok
}

// Set stores a single word.
func (m *Memory) Set(addr, word uint16) {
	m.words[addr] = word
}

// SetRange stores consecutive words starting at addr.
func (m *Memory) SetRange(addr uint16, words []uint16) {
	for i, w := range words {
		m.words[addr+uint16(i)] = w
	}
}

// Len returns the number of words present.
func (m *Memory) Len() int {
	return len(m.words)
}

// Addresses returns the present addresses in ascending order.
func (m *Memory) Addresses() []uint16 {
	addrs := make([]uint16, 0, len(m.words))
	for a := range m.words {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// All iterates over the present words in ascending address order. The
// sequence can be ranged over any number of times.
func (m *Memory) All() iter.Seq2[uint16, uint16] {
	return func(yield func(uint16, uint16) bool) {
		for _, a := range m.Addresses() {
			if !yield(a, m.words[a]) {
				return
			}
		}
	}
}

// Filter returns a new image holding the words for which keep returns true.
func (m *Memory) Filter(keep func(addr, word uint16) bool) *Memory {
	out := NewMemory()
	for a, w := range m.words {
		if keep(a, w) {
			out.words[a] = w
		}
	}
	return out
}
