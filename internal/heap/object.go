package heap

import (
	"fmt"
	"sync"

	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
	"github.com/orizon-lang/gcpause/internal/runtime/concurrency"
)

// Object layout, in words:
//
//	0: mark word (forwarding state and age)
//	1: class id
//	2: length (arrays only)
//	...: fields or elements
//
// Object sizes are multiples of ObjectAlignWords so every gap left in a
// region can be covered by a filler object.
const (
	MarkOffset   = 0
	ClassOffset  = 1
	LengthOffset = 2

	InstanceHeaderWords = 2
	ArrayHeaderWords    = 3

	ObjectAlignWords = 2
	MinObjectWords   = 2
)

// Mark word encoding. The low two bits are the tag.
const (
	markTagMask      = uint64(0x3)
	markTagUnlocked  = uint64(0x1)
	markTagForwarded = uint64(0x3)

	markAgeShift = 2
	markAgeBits  = 4
	markAgeMask  = uint64(1<<markAgeBits-1) << markAgeShift

	// MaxAge is the largest age representable in the mark word.
	MaxAge = 1<<markAgeBits - 1

	// MarkPrototype is the mark of a freshly allocated object.
	MarkPrototype = markTagUnlocked
)

// IsForwarded reports whether mark is a forwarding pointer.
func IsForwarded(mark uint64) bool { return mark&markTagMask == markTagForwarded }

// Forwardee decodes the forwarding address from a forwarded mark.
func Forwardee(mark uint64) Addr { return Addr(mark >> 2) }

// EncodeForwarding builds the mark for an object forwarded to to.
func EncodeForwarding(to Addr) uint64 { return uint64(to)<<2 | markTagForwarded }

// MarkAge extracts the age from an unforwarded mark.
func MarkAge(mark uint64) uint { return uint((mark & markAgeMask) >> markAgeShift) }

// MarkWithAge replaces the age bits of an unforwarded mark.
func MarkWithAge(mark uint64, age uint) uint64 {
	if age > MaxAge {
		age = MaxAge
	}
	return mark&^markAgeMask | uint64(age)<<markAgeShift
}

// MarkIncAge returns mark with age incremented, saturating at MaxAge.
func MarkIncAge(mark uint64) uint64 {
	age := MarkAge(mark)
	if age < MaxAge {
		age++
	}
	return MarkWithAge(mark, age)
}

// AlignObjectWords rounds n up to the object alignment.
func AlignObjectWords(n uint64) uint64 {
	return (n + ObjectAlignWords - 1) &^ (ObjectAlignWords - 1)
}

// ClassKind selects how an object is sized and scanned.
type ClassKind uint8

const (
	KindInstance ClassKind = iota + 1
	KindObjArray
	KindTypeArray
)

// Class describes an object layout.
type Class struct {
	Name string
	// RefOffsets are word offsets of reference fields (instances only).
	RefOffsets []uint64
	// Words is the total instance size including the header (instances only).
	Words uint64
	ID    uint32
	Kind  ClassKind
}

// Well-known class ids.
const (
	ClassInvalid uint32 = iota
	ClassFillerObject
	ClassFillerArray
	ClassObjectArray
	ClassLongArray
	firstUserClass
)

// ClassTable maps class ids to layouts.
type ClassTable struct {
	mutex   sync.RWMutex
	classes []*Class
	byName  map[string]*Class
}

// NewClassTable creates a table holding the built-in classes.
func NewClassTable() *ClassTable {
	ct := &ClassTable{byName: make(map[string]*Class)}
	ct.classes = make([]*Class, firstUserClass)
	ct.classes[ClassInvalid] = nil
	ct.add(&Class{ID: ClassFillerObject, Name: "$filler", Kind: KindInstance, Words: MinObjectWords})
	ct.add(&Class{ID: ClassFillerArray, Name: "$filler[]", Kind: KindTypeArray})
	ct.add(&Class{ID: ClassObjectArray, Name: "Object[]", Kind: KindObjArray})
	ct.add(&Class{ID: ClassLongArray, Name: "long[]", Kind: KindTypeArray})
	return ct
}

func (ct *ClassTable) add(c *Class) {
	ct.classes[c.ID] = c
	ct.byName[c.Name] = c
}

// DefineInstance registers an instance class with refs reference fields
// followed by prims primitive words.
func (ct *ClassTable) DefineInstance(name string, refs, prims int) *Class {
	ct.mutex.Lock()
	defer ct.mutex.Unlock()

	if c, ok := ct.byName[name]; ok {
		return c
	}
	offsets := make([]uint64, refs)
	for i := range offsets {
		offsets[i] = InstanceHeaderWords + uint64(i)
	}
	c := &Class{
		ID:         uint32(len(ct.classes)),
		Name:       name,
		Kind:       KindInstance,
		RefOffsets: offsets,
		Words:      AlignObjectWords(InstanceHeaderWords + uint64(refs) + uint64(prims)),
	}
	ct.classes = append(ct.classes, c)
	ct.byName[name] = c
	return c
}

// Lookup returns the class with the given id.
func (ct *ClassTable) Lookup(id uint32) *Class {
	ct.mutex.RLock()
	defer ct.mutex.RUnlock()

	if uint64(id) >= uint64(len(ct.classes)) || ct.classes[id] == nil {
		gcerrors.Fatal("BAD_CLASS", "class id %d is not registered", id)
	}
	return ct.classes[id]
}

// ByName returns a registered class.
func (ct *ClassTable) ByName(name string) (*Class, bool) {
	ct.mutex.RLock()
	defer ct.mutex.RUnlock()
	c, ok := ct.byName[name]
	return c, ok
}

// Mark returns the mark word of obj.
func (h *Heap) Mark(obj Addr) uint64 { return h.Load(obj + MarkOffset) }

// SetMark overwrites the mark word of obj.
func (h *Heap) SetMark(obj Addr, mark uint64) { h.Store(obj+MarkOffset, mark) }

// ClassOf returns the class of obj.
func (h *Heap) ClassOf(obj Addr) *Class {
	return h.classes.Lookup(uint32(h.Load(obj + ClassOffset)))
}

// ArrayLength returns the element count of an array object.
func (h *Heap) ArrayLength(obj Addr) uint64 { return h.Load(obj + LengthOffset) }

// SetArrayLength overwrites the length word of an array object.
func (h *Heap) SetArrayLength(obj Addr, n uint64) { h.Store(obj+LengthOffset, n) }

// ArrayElement returns the slot address of element i.
func ArrayElement(obj Addr, i uint64) Addr { return obj + ArrayHeaderWords + Addr(i) }

// IsArray reports whether obj is an array of any kind.
func (h *Heap) IsArray(obj Addr) bool { return h.ClassOf(obj).Kind != KindInstance }

// IsObjArray reports whether obj is an array of references.
func (h *Heap) IsObjArray(obj Addr) bool { return h.ClassOf(obj).Kind == KindObjArray }

// IsTypeArray reports whether obj is an array without references.
func (h *Heap) IsTypeArray(obj Addr) bool { return h.ClassOf(obj).Kind == KindTypeArray }

// SizeOf returns the object size in words.
func (h *Heap) SizeOf(obj Addr) uint64 {
	return h.SizeOfClass(obj, h.ClassOf(obj))
}

// SizeOfClass returns the size of obj given its already-loaded class.
func (h *Heap) SizeOfClass(obj Addr, c *Class) uint64 {
	if c.Kind == KindInstance {
		return c.Words
	}
	return AlignObjectWords(ArrayHeaderWords + h.ArrayLength(obj))
}

// ArraySizeWords returns the size of an array with n elements.
func ArraySizeWords(n uint64) uint64 { return AlignObjectWords(ArrayHeaderWords + n) }

// ForEachRef calls fn with the address of every reference slot of obj.
func (h *Heap) ForEachRef(obj Addr, fn func(slot Addr)) {
	c := h.ClassOf(obj)
	switch c.Kind {
	case KindInstance:
		for _, off := range c.RefOffsets {
			fn(obj + Addr(off))
		}
	case KindObjArray:
		n := h.ArrayLength(obj)
		for i := uint64(0); i < n; i++ {
			fn(ArrayElement(obj, i))
		}
	}
}

// ForEachRefIn calls fn for every reference slot of obj within [lo, hi).
func (h *Heap) ForEachRefIn(obj, lo, hi Addr, fn func(slot Addr)) {
	c := h.ClassOf(obj)
	switch c.Kind {
	case KindInstance:
		for _, off := range c.RefOffsets {
			if s := obj + Addr(off); s >= lo && s < hi {
				fn(s)
			}
		}
	case KindObjArray:
		first := ArrayElement(obj, 0)
		last := ArrayElement(obj, h.ArrayLength(obj))
		if lo < first {
			lo = first
		}
		if hi > last {
			hi = last
		}
		for s := lo; s < hi; s++ {
			fn(s)
		}
	}
}

// TryForward installs a forwarding pointer from obj to to. Exactly one
// caller wins per object; losers learn the winner's address. Forwarding to
// obj itself records an evacuation failure through the same transition.
func (h *Heap) TryForward(obj, to Addr) (winner Addr, installed bool) {
	w := h.Word(obj + MarkOffset)
	for {
		mark := h.Load(obj + MarkOffset)
		if IsForwarded(mark) {
			return Forwardee(mark), false
		}
		if concurrency.CASUint64(w, mark, EncodeForwarding(to)) {
			return to, true
		}
	}
}

// IsSelfForwarded reports whether obj was forwarded to itself.
func (h *Heap) IsSelfForwarded(obj Addr) bool {
	m := h.Mark(obj)
	return IsForwarded(m) && Forwardee(m) == obj
}

// InitObject writes a fresh header for an object of class c.
func (h *Heap) InitObject(obj Addr, c *Class, length uint64) {
	size := c.Words
	if c.Kind != KindInstance {
		size = ArraySizeWords(length)
	}
	h.ClearWords(obj, size)
	// length before class: a concurrent parser that sees the class must
	// also see the size.
	if c.Kind != KindInstance {
		h.Store(obj+LengthOffset, length)
	}
	h.Store(obj+ClassOffset, uint64(c.ID))
	h.Store(obj+MarkOffset, MarkPrototype)
}

// FillWithDummy covers [start, end) with filler objects so a region stays
// parsable, recording the filler in the block offset table when bot is set.
func (h *Heap) FillWithDummy(start, end Addr, bot bool) {
	words := uint64(end - start)
	if words == 0 {
		return
	}
	if words%ObjectAlignWords != 0 {
		gcerrors.Fatal("BAD_FILLER", "filler of %d words is not aligned", words)
	}
	if words == MinObjectWords {
		h.Store(start+ClassOffset, uint64(ClassFillerObject))
	} else {
		h.Store(start+LengthOffset, words-ArrayHeaderWords)
		h.Store(start+ClassOffset, uint64(ClassFillerArray))
	}
	h.Store(start+MarkOffset, MarkPrototype)
	if bot {
		h.bot.Record(start, end)
	}
}

// IsFiller reports whether obj is a filler object.
func (h *Heap) IsFiller(obj Addr) bool {
	id := uint32(h.Load(obj + ClassOffset))
	return id == ClassFillerObject || id == ClassFillerArray
}

// Describe formats an object for diagnostics.
func (h *Heap) Describe(obj Addr) string {
	if obj == Null {
		return "null"
	}
	m := h.Mark(obj)
	if IsForwarded(m) {
		return fmt.Sprintf("%#x -> %#x", uint64(obj), uint64(Forwardee(m)))
	}
	c := h.ClassOf(obj)
	return fmt.Sprintf("%#x %s (%d words, age %d)", uint64(obj), c.Name, h.SizeOfClass(obj, c), MarkAge(m))
}
