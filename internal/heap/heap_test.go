package heap

import (
	"errors"
	"sync"
	"testing"

	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
)

func newTestHeap(t *testing.T, regions uint32) *Heap {
	t.Helper()
	h, err := New(Config{RegionWords: 1 << 10, MaxRegions: regions, NumaNodes: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := Config{RegionWords: 3000, MaxRegions: 4}
	err := bad.Validate()
	if err == nil {
		t.Fatalf("expected error for non power of two region size")
	}
	if !errors.Is(err, &gcerrors.StandardError{Category: gcerrors.CategoryConfig}) {
		t.Fatalf("expected config category, got %v", err)
	}
	if err := (Config{RegionWords: 1 << 10, MaxRegions: 1}).Validate(); err == nil {
		t.Fatalf("expected error for a single region")
	}
}

func TestAddressMapping(t *testing.T) {
	h := newTestHeap(t, 4)
	if h.Base() == Null {
		t.Fatalf("heap base must not be null")
	}
	r := h.RegionAt(2)
	if got := h.RegionContaining(r.Bottom() + 5); got != r {
		t.Fatalf("RegionContaining = %v, want %v", got, r)
	}
	card := h.CardIndexOf(r.Bottom())
	if h.RegionIndexOfCard(card) != 2 {
		t.Fatalf("card %d maps to region %d", card, h.RegionIndexOfCard(card))
	}
	if h.CardStart(card) != r.Bottom() {
		t.Fatalf("CardStart mismatch")
	}
	if h.CardsPerRegion() != (1<<10)/CardWords {
		t.Fatalf("CardsPerRegion = %d", h.CardsPerRegion())
	}
}

func TestRegionIndexOutOfRangePanics(t *testing.T) {
	h := newTestHeap(t, 2)
	defer func() {
		r := recover()
		se, ok := r.(*gcerrors.StandardError)
		if !ok || se.Category != gcerrors.CategoryBounds {
			t.Fatalf("expected bounds panic, got %v", r)
		}
	}()
	h.RegionAt(7)
}

func TestMarkWordEncoding(t *testing.T) {
	m := MarkPrototype
	if IsForwarded(m) {
		t.Fatalf("prototype must not be forwarded")
	}
	for i := 0; i < MaxAge+3; i++ {
		m = MarkIncAge(m)
	}
	if MarkAge(m) != MaxAge {
		t.Fatalf("age should saturate at %d, got %d", MaxAge, MarkAge(m))
	}
	f := EncodeForwarding(Addr(0x12340))
	if !IsForwarded(f) || Forwardee(f) != 0x12340 {
		t.Fatalf("forwarding round trip failed: %#x", f)
	}
}

func TestTryForwardSingleWinner(t *testing.T) {
	h := newTestHeap(t, 4)
	node := h.Classes().DefineInstance("Node", 1, 1)
	obj, err := h.Allocator().NewObject(node, 0, false)
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	winners := make([]Addr, workers)
	installed := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			winners[i], installed[i] = h.TryForward(obj, obj+Addr(100*(i+1)))
		}(i)
	}
	wg.Wait()

	count := 0
	for i := 0; i < workers; i++ {
		if installed[i] {
			count++
		}
		if winners[i] != winners[0] {
			t.Fatalf("worker %d saw winner %#x, worker 0 saw %#x", i, winners[i], winners[0])
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one installer, got %d", count)
	}
	if got := Forwardee(h.Mark(obj)); got != winners[0] {
		t.Fatalf("header forwards to %#x, want %#x", got, winners[0])
	}
}

func TestSelfForward(t *testing.T) {
	h := newTestHeap(t, 4)
	node := h.Classes().DefineInstance("Node", 1, 1)
	obj, _ := h.Allocator().NewObject(node, 0, false)
	if w, ok := h.TryForward(obj, obj); !ok || w != obj {
		t.Fatalf("self forward failed")
	}
	if !h.IsSelfForwarded(obj) {
		t.Fatalf("object should be self-forwarded")
	}
	if w, ok := h.TryForward(obj, obj+8); ok || w != obj {
		t.Fatalf("second forward must lose to the self forward")
	}
}

func TestFillerSizes(t *testing.T) {
	h := newTestHeap(t, 4)
	r := h.RegionAt(0)
	h.FillWithDummy(r.Bottom(), r.Bottom()+2, false)
	h.FillWithDummy(r.Bottom()+2, r.Bottom()+40, false)
	if h.SizeOf(r.Bottom()) != 2 || !h.IsFiller(r.Bottom()) {
		t.Fatalf("two word filler wrong: %s", h.Describe(r.Bottom()))
	}
	if h.SizeOf(r.Bottom()+2) != 38 {
		t.Fatalf("array filler size = %d", h.SizeOf(r.Bottom()+2))
	}
}

func TestBlockStartAcrossCards(t *testing.T) {
	h := newTestHeap(t, 4)
	big := h.Classes().DefineInstance("Big", 0, 100)
	var objs []Addr
	for i := 0; i < 5; i++ {
		obj, err := h.Allocator().NewObject(big, 0, true)
		if err != nil {
			t.Fatalf("NewObject: %v", err)
		}
		objs = append(objs, obj)
	}
	for _, obj := range objs {
		for off := Addr(0); off < Addr(big.Words); off += 7 {
			if got := h.BOT().BlockStart(obj + off); got != obj {
				t.Fatalf("BlockStart(%#x) = %#x, want %#x", obj+off, got, obj)
			}
		}
	}
}

func TestObjectsInWalksOldRegion(t *testing.T) {
	h := newTestHeap(t, 4)
	c := h.Classes().DefineInstance("Pair", 2, 0)
	for i := 0; i < 40; i++ {
		if _, err := h.Allocator().NewObject(c, 0, true); err != nil {
			t.Fatalf("NewObject: %v", err)
		}
	}
	r := h.RegionAt(0)
	if !r.IsOld() {
		t.Fatalf("expected region 0 to be old, got %s", r.Type())
	}
	seen := 0
	r.ObjectsIn(r.Bottom()+CardWords+1, r.Bottom()+2*CardWords, func(obj Addr, words uint64) bool {
		seen++
		return true
	})
	// objects of 4 words; the first visited one covers the start.
	if seen != CardWords/4 {
		t.Fatalf("visited %d objects", seen)
	}
}

func TestHumongousAllocation(t *testing.T) {
	h := newTestHeap(t, 8)
	long := h.Classes().classes[ClassLongArray]
	obj, err := h.Allocator().NewObject(long, 1500, false)
	if err != nil {
		t.Fatalf("humongous: %v", err)
	}
	start := h.RegionContaining(obj)
	if !start.IsStartsHumongous() {
		t.Fatalf("start region type %s", start.Type())
	}
	cont := h.RegionAt(start.Index() + 1)
	if cont.Type() != RegionHumongousCont {
		t.Fatalf("continuation region type %s", cont.Type())
	}
	if idx, ok := cont.HumongousStartIndex(); !ok || idx != start.Index() {
		t.Fatalf("continuation points at %d", idx)
	}
	if got := h.BOT().BlockStart(cont.Bottom() + 3); got != obj {
		t.Fatalf("block start in continuation = %#x", got)
	}
}

func TestTryAllocateSurvivorLimit(t *testing.T) {
	h, err := New(Config{RegionWords: 1 << 10, MaxRegions: 8, MaxSurvivorRegions: 1, NumaNodes: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Close()
	a := h.Allocator()
	a.BeginPause()

	if _, n, ok := a.TryAllocate(GenYoung, 512, 512, 0); !ok || n != 512 {
		t.Fatalf("first survivor allocation failed")
	}
	if _, _, ok := a.TryAllocate(GenYoung, 512, 512, 0); !ok {
		t.Fatalf("second half of the survivor region failed")
	}
	if _, _, ok := a.TryAllocate(GenYoung, 2, 2, 0); ok {
		t.Fatalf("survivor limit not enforced")
	}
	if _, _, ok := a.TryAllocate(GenOld, 2, 64, 0); !ok {
		t.Fatalf("old allocation should still succeed")
	}
	a.ReleaseGCAllocRegions()
	if a.SurvivorRegionsThisPause() != 1 {
		t.Fatalf("survivor regions = %d", a.SurvivorRegionsThisPause())
	}
}

func TestRegionsTakenFromRequestedNode(t *testing.T) {
	h, err := New(Config{RegionWords: 1 << 10, MaxRegions: 4, NumaNodes: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Close()
	for i, want := range []int{0, 0, 1, 1} {
		if got := h.RegionAt(uint32(i)).Node(); got != want {
			t.Fatalf("region %d on node %d, want %d", i, got, want)
		}
	}

	a := h.Allocator()
	a.BeginPause()
	obj, _, ok := a.TryAllocate(GenYoung, 2, 64, 1)
	if !ok {
		t.Fatalf("survivor allocation on node 1 failed")
	}
	if r := h.RegionContaining(obj); r.Index() != 2 || !r.IsSurvivor() {
		t.Fatalf("node 1 allocation landed in region %d (%s)", r.Index(), r.Type())
	}

	// node 0 owns regions 0 and 1; the third eden region comes from node 1
	var last Addr
	for i := 0; i < 3; i++ {
		if last, err = a.AllocateEden(1 << 10); err != nil {
			t.Fatalf("eden allocation %d: %v", i, err)
		}
	}
	if r := h.RegionContaining(last); r.Index() != 3 || r.Node() != 1 {
		t.Fatalf("fallback eden region = %d on node %d, want region 3 on node 1", r.Index(), r.Node())
	}
	if _, err := a.AllocateEden(1 << 10); err == nil {
		t.Fatalf("expected out of memory with every region taken")
	}
}

func TestSetNodeOrderControlsFallback(t *testing.T) {
	h, err := New(Config{RegionWords: 1 << 10, MaxRegions: 6, NumaNodes: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Close()
	a := h.Allocator()
	a.SetNodeOrder(func(node int) []int { return []int{node, 2, 1, 0} })

	// exhaust node 0, then the next region must come from node 2
	for i := 0; i < 3; i++ {
		obj, err := a.AllocateOld(1 << 10)
		if err != nil {
			t.Fatalf("old allocation %d: %v", i, err)
		}
		if i == 2 {
			if r := h.RegionContaining(obj); r.Node() != 2 || r.Index() != 4 {
				t.Fatalf("fallback took region %d on node %d, want region 4 on node 2", r.Index(), r.Node())
			}
		}
	}
}

func TestConfigRejectsMoreNodesThanRegions(t *testing.T) {
	if err := (Config{RegionWords: 1 << 10, MaxRegions: 2, NumaNodes: 3}).Validate(); err == nil {
		t.Fatalf("expected an error for 3 nodes over 2 regions")
	}
}

func TestFreeRegionClears(t *testing.T) {
	h := newTestHeap(t, 4)
	c := h.Classes().DefineInstance("Pair", 2, 0)
	obj, _ := h.Allocator().NewObject(c, 0, true)
	r := h.RegionContaining(obj)
	r.RemSet().Add(3)
	before := h.CommittedRegions()

	h.Allocator().BeginPause()
	h.Allocator().FreeRegion(r)
	if !r.IsFree() || !r.IsEmpty() {
		t.Fatalf("region not reset: %s", r)
	}
	if h.Load(obj+ClassOffset) != 0 {
		t.Fatalf("freed memory still holds a header")
	}
	if !r.RemSet().IsEmpty() || r.RemSet().IsTracked() {
		t.Fatalf("remembered set survived free")
	}
	if h.CommittedRegions() != before-1 {
		t.Fatalf("committed %d, want %d", h.CommittedRegions(), before-1)
	}
}

func TestRememberedSetTracking(t *testing.T) {
	rs := NewRememberedSet()
	if rs.Add(1) {
		t.Fatalf("untracked set accepted a card")
	}
	rs.SetState(RemSetComplete)
	if !rs.Add(1) || rs.Add(1) {
		t.Fatalf("Add must report only the first insertion")
	}
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := uint64(0); c < 100; c++ {
				rs.Add(c)
			}
		}()
	}
	wg.Wait()
	if rs.Occupied() != 100 {
		t.Fatalf("occupied = %d", rs.Occupied())
	}
}

func TestRegisterCodeBlob(t *testing.T) {
	h := newTestHeap(t, 4)
	c := h.Classes().DefineInstance("Pair", 2, 0)
	a, _ := h.Allocator().NewObject(c, 0, false)
	b, _ := h.Allocator().NewObject(c, 0, true)
	blob := NewCodeBlob("m", 3)
	blob.SetOop(0, a)
	blob.SetOop(2, b)
	h.RegisterCodeBlob(blob)
	h.RegisterCodeBlob(blob)
	if h.RegionContaining(a).CodeRoots().Len() != 1 || h.RegionContaining(b).CodeRoots().Len() != 1 {
		t.Fatalf("code roots not registered once per region")
	}
}
