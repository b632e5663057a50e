package heap

import "sync/atomic"

// RootSet is a list of reference slots outside the heap, standing in for
// thread stacks and globals.
type RootSet struct {
	slots []atomic.Uint64
}

// NewRootSet creates n null roots.
func NewRootSet(n int) *RootSet { return &RootSet{slots: make([]atomic.Uint64, n)} }

// Len returns the number of roots.
func (rs *RootSet) Len() int { return len(rs.slots) }

// Get returns root i.
func (rs *RootSet) Get(i int) Addr { return Addr(rs.slots[i].Load()) }

// Set overwrites root i.
func (rs *RootSet) Set(i int, a Addr) { rs.slots[i].Store(uint64(a)) }

// Slot returns a pointer to root i.
func (rs *RootSet) Slot(i int) *atomic.Uint64 { return &rs.slots[i] }
