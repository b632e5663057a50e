package cardtable

import (
	"sync"
	"testing"

	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
	"github.com/orizon-lang/gcpause/internal/heap"
)

func newTestHeap(t *testing.T) *heap.Heap {
	t.Helper()
	h, err := heap.New(heap.Config{RegionWords: 1 << 10, MaxRegions: 8, NumaNodes: 1})
	if err != nil {
		t.Fatalf("heap.New: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestCardTransitions(t *testing.T) {
	h := newTestHeap(t)
	ct := New(h)
	if ct.Len() != h.NumCards() {
		t.Fatalf("Len = %d, want %d", ct.Len(), h.NumCards())
	}
	if !ct.IsClean(5) {
		t.Fatalf("new table must be clean")
	}
	if !ct.MarkDirty(5) || ct.MarkDirty(5) {
		t.Fatalf("MarkDirty must report only the first change")
	}
	if ct.CASCard(5, Clean, Scanned) {
		t.Fatalf("CAS from the wrong state succeeded")
	}
	if !ct.CASCard(5, Dirty, Scanned) || ct.Value(5) != Scanned {
		t.Fatalf("CAS dirty->scanned failed, value %s", ct.Value(5))
	}
	if ct.Value(4) != Clean || ct.Value(6) != Clean {
		t.Fatalf("neighbouring cards changed")
	}
}

func TestConcurrentMarkDirtySameWord(t *testing.T) {
	h := newTestHeap(t)
	ct := New(h)
	var wg sync.WaitGroup
	for i := uint64(0); i < 8; i++ {
		wg.Add(1)
		go func(card uint64) {
			defer wg.Done()
			for n := 0; n < 1000; n++ {
				ct.MarkDirty(card)
				ct.MarkClean(card)
			}
			ct.MarkDirty(card)
		}(i)
	}
	wg.Wait()
	for c := uint64(0); c < 8; c++ {
		if !ct.IsDirty(c) {
			t.Fatalf("card %d lost its update", c)
		}
	}
}

func TestFindDirtyRuns(t *testing.T) {
	h := newTestHeap(t)
	ct := New(h)
	for _, c := range []uint64{3, 4, 5, 17, 40} {
		ct.MarkDirty(c)
	}
	ct.MarkScanned(18)

	if got := ct.FindDirty(0, 64); got != 3 {
		t.Fatalf("FindDirty = %d, want 3", got)
	}
	if got := ct.FindNonDirty(3, 64); got != 6 {
		t.Fatalf("FindNonDirty = %d, want 6", got)
	}
	if got := ct.FindDirty(6, 64); got != 17 {
		t.Fatalf("FindDirty = %d, want 17", got)
	}
	if got := ct.FindDirty(18, 40); got != 40 {
		t.Fatalf("scanned card must not count as dirty, got %d", got)
	}
	if got := ct.CountDirty(0, 64); got != 5 {
		t.Fatalf("CountDirty = %d", got)
	}
}

func TestClearRangeIsIdempotent(t *testing.T) {
	h := newTestHeap(t)
	ct := New(h)
	for c := uint64(1); c < 30; c += 2 {
		ct.MarkDirty(c)
	}
	ct.ClearRange(0, 32)
	ct.ClearRange(0, 32)
	for c := uint64(0); c < 32; c++ {
		if !ct.IsClean(c) {
			t.Fatalf("card %d not clean", c)
		}
	}
}

func TestChunksPerRegionBounds(t *testing.T) {
	for _, cards := range []uint64{8, 16, 128, 1024, 65536} {
		n := ChunksPerRegion(cards)
		if n < 8 || n > 32 {
			t.Fatalf("cards %d: %d chunks", cards, n)
		}
		if n&(n-1) != 0 {
			t.Fatalf("chunk count %d is not a power of two", n)
		}
	}
}

func TestClaimChunkPartitions(t *testing.T) {
	h := newTestHeap(t)
	s := NewScanState(h, New(h))
	s.Reset()

	per := s.CardsPerRegion()
	size := s.CardsPerChunk()
	var mu sync.Mutex
	claimed := make(map[uint64]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				off := s.ClaimChunk(3, size)
				if off >= per {
					return
				}
				mu.Lock()
				claimed[off]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if uint64(len(claimed)) != per/size {
		t.Fatalf("claimed %d chunks, want %d", len(claimed), per/size)
	}
	for off, n := range claimed {
		if n != 1 || off%size != 0 {
			t.Fatalf("offset %d claimed %d times", off, n)
		}
	}
	if s.HasUnclaimed(3) {
		t.Fatalf("region should be fully claimed")
	}
	s.Reset()
	if s.ClaimChunk(3, size) != 0 {
		t.Fatalf("Reset must restart claims")
	}
}

func TestMarkChunkDirty(t *testing.T) {
	h := newTestHeap(t)
	s := NewScanState(h, New(h))
	card := h.CardsPerRegion()*2 + 5
	if s.ChunkDirty(card) {
		t.Fatalf("chunk dirty before marking")
	}
	s.MarkChunkDirty(card)
	s.MarkChunkDirty(card)
	if !s.ChunkDirty(card) {
		t.Fatalf("chunk not dirty")
	}
	if s.ChunkDirty(card + s.CardsPerChunk()) {
		t.Fatalf("neighbouring chunk dirty")
	}
}

func TestFreezeScanTop(t *testing.T) {
	h := newTestHeap(t)
	s := NewScanState(h, New(h))
	c := h.Classes().DefineInstance("Pair", 2, 0)
	old, _ := h.Allocator().NewObject(c, 0, true)
	young, _ := h.Allocator().NewObject(c, 0, false)
	oldRegion := h.RegionIndexOf(old)
	youngRegion := h.RegionIndexOf(young)

	s.Reset()
	s.FreezeScanTop(oldRegion)
	s.FreezeScanTop(youngRegion)
	top := h.RegionAt(oldRegion).Top()

	// allocation after the freeze is not covered.
	h.Allocator().NewObject(c, 0, true)
	if s.ScanTop(oldRegion) != top {
		t.Fatalf("scan top moved with allocation")
	}
	if !s.ContainsCardsToProcess(oldRegion) {
		t.Fatalf("old region should have cards to process")
	}
	if s.ContainsCardsToProcess(youngRegion) {
		t.Fatalf("young region must not be scanned")
	}
}

func TestDirtyRegionSets(t *testing.T) {
	h := newTestHeap(t)
	s := NewScanState(h, New(h))
	s.Reset()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := uint32(0); r < 8; r++ {
				s.AddDirtyRegion(r)
			}
		}()
	}
	wg.Wait()
	if s.DirtyRegions().Len() != 8 {
		t.Fatalf("dirty regions = %d", s.DirtyRegions().Len())
	}

	s.BeginIncrement()
	if s.DirtyRegions().Len() != 0 || s.AllDirtyRegions().Len() != 8 {
		t.Fatalf("increment did not move regions into the union")
	}
	s.AddDirtyRegion(2)
	s.FinishIncrement()
	if s.AllDirtyRegions().Len() != 8 {
		t.Fatalf("union duplicated a region")
	}
}

func TestClearAllDirty(t *testing.T) {
	h := newTestHeap(t)
	ct := New(h)
	s := NewScanState(h, ct)
	s.Reset()
	per := h.CardsPerRegion()
	ct.MarkDirty(per*1 + 3)
	ct.MarkScanned(per*4 + 1)
	s.AddAllDirtyRegion(1)
	s.AddAllDirtyRegion(4)

	s.ClearAllDirty(0, 2)
	s.ClearAllDirty(1, 2)
	if !ct.IsClean(per*1+3) || !ct.IsClean(per*4+1) {
		t.Fatalf("cards survived ClearAllDirty")
	}
}

func TestScanStatePreconditions(t *testing.T) {
	h := newTestHeap(t)
	s := NewScanState(h, New(h))
	defer func() {
		if _, ok := recover().(*gcerrors.StandardError); !ok {
			t.Fatalf("expected a StandardError panic")
		}
	}()
	s.ClaimChunk(h.MaxRegions(), 1)
}
