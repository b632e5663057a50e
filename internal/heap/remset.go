package heap

import (
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/gcpause/internal/runtime/concurrency"
)

// RemSetState tracks whether a remembered set is being maintained.
type RemSetState uint32

const (
	RemSetUntracked RemSetState = iota
	RemSetUpdating
	RemSetComplete
)

func (s RemSetState) String() string {
	switch s {
	case RemSetUntracked:
		return "untracked"
	case RemSetUpdating:
		return "updating"
	case RemSetComplete:
		return "complete"
	default:
		return "unknown"
	}
}

const remSetBuckets = 64

// RememberedSet holds the cards outside a region that may contain references
// into it. Refinement adds concurrently; the pause iterates.
type RememberedSet struct {
	cards *concurrency.CardSet
	state atomic.Uint32
}

// NewRememberedSet creates an empty, untracked remembered set.
func NewRememberedSet() *RememberedSet {
	return &RememberedSet{cards: concurrency.NewCardSet(remSetBuckets)}
}

// Add records card. Reports whether the card was new. Untracked sets ignore adds.
func (rs *RememberedSet) Add(card uint64) bool {
	if !rs.IsTracked() {
		return false
	}
	return rs.cards.Add(card)
}

// Contains reports whether card is recorded.
func (rs *RememberedSet) Contains(card uint64) bool {
	return rs.cards.Contains(card)
}

// Occupied returns the number of recorded cards.
func (rs *RememberedSet) Occupied() int { return rs.cards.Len() }

// Iterate calls fn for each recorded card until fn returns false.
func (rs *RememberedSet) Iterate(fn func(card uint64) bool) {
	rs.cards.Range(fn)
}

// State returns the tracking state.
func (rs *RememberedSet) State() RemSetState { return RemSetState(rs.state.Load()) }

// SetState changes the tracking state.
func (rs *RememberedSet) SetState(s RemSetState) { rs.state.Store(uint32(s)) }

// IsTracked reports whether the set is being maintained.
func (rs *RememberedSet) IsTracked() bool { return rs.State() != RemSetUntracked }

// IsComplete reports whether the set holds every incoming reference.
func (rs *RememberedSet) IsComplete() bool { return rs.State() == RemSetComplete }

// Clear empties the set and stops tracking. Must not race with Add.
func (rs *RememberedSet) Clear() {
	rs.cards.Clear()
	rs.state.Store(uint32(RemSetUntracked))
}

// CodeBlob stands in for a piece of compiled code with embedded object
// references. The reference slots live outside the heap.
type CodeBlob struct {
	Name string
	oops []atomic.Uint64
}

// NewCodeBlob creates a blob with n embedded reference slots.
func NewCodeBlob(name string, n int) *CodeBlob {
	return &CodeBlob{Name: name, oops: make([]atomic.Uint64, n)}
}

// Len returns the number of embedded slots.
func (cb *CodeBlob) Len() int { return len(cb.oops) }

// Oop returns embedded slot i.
func (cb *CodeBlob) Oop(i int) Addr { return Addr(cb.oops[i].Load()) }

// SetOop overwrites embedded slot i.
func (cb *CodeBlob) SetOop(i int, a Addr) { cb.oops[i].Store(uint64(a)) }

// Slot returns a pointer to embedded slot i.
func (cb *CodeBlob) Slot(i int) *atomic.Uint64 { return &cb.oops[i] }

// CodeRootSet lists the code blobs that reference objects in a region.
type CodeRootSet struct {
	mutex sync.Mutex
	blobs []*CodeBlob
}

// NewCodeRootSet creates an empty set.
func NewCodeRootSet() *CodeRootSet { return &CodeRootSet{} }

// Add registers blob once.
func (s *CodeRootSet) Add(blob *CodeBlob) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, b := range s.blobs {
		if b == blob {
			return
		}
	}
	s.blobs = append(s.blobs, blob)
}

// Remove unregisters blob.
func (s *CodeRootSet) Remove(blob *CodeBlob) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for i, b := range s.blobs {
		if b == blob {
			s.blobs = append(s.blobs[:i], s.blobs[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered blobs.
func (s *CodeRootSet) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.blobs)
}

// Snapshot returns the registered blobs.
func (s *CodeRootSet) Snapshot() []*CodeBlob {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]*CodeBlob, len(s.blobs))
	copy(out, s.blobs)
	return out
}

// Clear drops every blob.
func (s *CodeRootSet) Clear() {
	s.mutex.Lock()
	s.blobs = nil
	s.mutex.Unlock()
}
