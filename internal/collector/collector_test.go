package collector

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/orizon-lang/gcpause/internal/cardtable"
	"github.com/orizon-lang/gcpause/internal/config"
	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
	"github.com/orizon-lang/gcpause/internal/heap"
	"github.com/orizon-lang/gcpause/internal/telemetry"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.RegionWords = 1 << 12
	cfg.MaxRegions = 16
	cfg.ParallelWorkers = 2
	cfg.PrefetchRingSize = 4
	return cfg
}

func newCollector(t *testing.T, tweak func(*config.Config)) *Collector {
	t.Helper()
	cfg := testConfig()
	if tweak != nil {
		tweak(&cfg)
	}
	c, err := New(cfg, nil, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func pairClass(c *Collector) *heap.Class { return c.Heap().Classes().DefineInstance("Pair", 2, 0) }

func newObject(t *testing.T, c *Collector, class *heap.Class, length uint64, old bool) heap.Addr {
	t.Helper()
	obj, err := c.Heap().Allocator().NewObject(class, length, old)
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}
	return obj
}

func field(obj heap.Addr, i int) heap.Addr { return obj + heap.InstanceHeaderWords + heap.Addr(i) }

// fillRegion uses up the rest of the region holding obj so the next mutator
// allocation of the same kind starts a new region.
func fillRegion(t *testing.T, c *Collector, obj heap.Addr) {
	t.Helper()
	h := c.Heap()
	r := h.RegionContaining(obj)
	n := r.FreeWords()
	if n == 0 {
		return
	}
	rest, err := h.Allocator().AllocateOld(n)
	if err != nil {
		t.Fatalf("AllocateOld: %v", err)
	}
	if h.RegionContaining(rest) != r {
		t.Fatalf("fill landed in another region")
	}
	h.FillWithDummy(rest, rest+heap.Addr(n), true)
}

func pause(t *testing.T, c *Collector, req PauseRequest) *PauseStats {
	t.Helper()
	req.VerifyTasks = true
	st, err := c.Pause(context.Background(), req)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	verifyReachable(t, c)
	verifyCardsClean(t, c, st)
	return st
}

// verifyReachable walks everything reachable from the roots and checks that
// no reference points at free memory or at a forwarded object.
func verifyReachable(t *testing.T, c *Collector) {
	t.Helper()
	h := c.Heap()
	seen := make(map[heap.Addr]bool)
	var stack []heap.Addr
	for i := 0; i < c.Roots().Len(); i++ {
		if o := c.Roots().Get(i); o != heap.Null {
			stack = append(stack, o)
		}
	}
	for len(stack) > 0 {
		obj := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[obj] {
			continue
		}
		seen[obj] = true
		if h.RegionContaining(obj).IsFree() {
			t.Fatalf("reference %#x into a free region", uint64(obj))
		}
		if heap.IsForwarded(h.Mark(obj)) {
			t.Fatalf("reachable object %#x still forwarded", uint64(obj))
		}
		h.ForEachRef(obj, func(slot heap.Addr) {
			if v := h.LoadRef(slot); v != heap.Null {
				stack = append(stack, v)
			}
		})
	}
}

// verifyCardsClean checks that the only non-clean cards after a pause are
// the redirtied ones.
func verifyCardsClean(t *testing.T, c *Collector, st *PauseStats) {
	t.Helper()
	ct := c.Cards()
	n := 0
	for card := uint64(0); card < ct.Len(); card++ {
		switch ct.Value(card) {
		case cardtable.Clean:
		case cardtable.Dirty:
			n++
		default:
			t.Fatalf("card %d left %v after the pause", card, ct.Value(card))
		}
	}
	if n != st.RedirtiedCards {
		t.Fatalf("%d dirty cards after the pause, %d redirtied", n, st.RedirtiedCards)
	}
}

func TestYoungPauseEvacuatesReachableObjects(t *testing.T) {
	c := newCollector(t, nil)
	h := c.Heap()
	pair := pairClass(c)
	a := newObject(t, c, pair, 0, false)
	b := newObject(t, c, pair, 0, false)
	garbage := newObject(t, c, pair, 0, false)
	h.StoreRef(field(a, 0), b)
	h.StoreRef(field(garbage, 0), a)
	c.Roots().Set(0, a)
	eden := h.RegionIndexOf(a)

	st := pause(t, c, PauseRequest{})
	if st.YoungRegions != 1 || st.OldRegions != 0 || st.Increments != 1 {
		t.Fatalf("unexpected collection set %+v", st)
	}
	if !h.RegionAt(eden).IsFree() {
		t.Fatalf("eden region %d not freed", eden)
	}
	a2 := c.Roots().Get(0)
	if a2 == a || !h.RegionContaining(a2).IsSurvivor() {
		t.Fatalf("root not moved to survivor space")
	}
	if b2 := h.LoadRef(field(a2, 0)); !h.RegionContaining(b2).IsSurvivor() {
		t.Fatalf("field not moved to survivor space")
	}
	if st.Evac.Counters.CopiedObjects != 2 {
		t.Fatalf("copied %d objects, want 2", st.Evac.Counters.CopiedObjects)
	}
	if st.Kind != "Young (Normal)" {
		t.Fatalf("kind = %q", st.Kind)
	}
	if c.PhaseTimes().Summarize(telemetry.PhaseExtRootScan).Workers == 0 {
		t.Fatalf("root scan time not recorded")
	}
}

func TestLoggedOldToYoungReferenceIsUpdated(t *testing.T) {
	c := newCollector(t, nil)
	h := c.Heap()
	pair := pairClass(c)
	o := newObject(t, c, pair, 0, true)
	y := newObject(t, c, pair, 0, false)
	b := c.NewBarrier()
	b.WriteRef(field(o, 0), y)
	b.Queue().Flush()
	card := h.CardIndexOf(field(o, 0))
	if !c.Cards().IsDirty(card) {
		t.Fatalf("barrier did not dirty the card")
	}

	st := pause(t, c, PauseRequest{})
	if st.Merge.LogCards != 1 {
		t.Fatalf("merged %d log cards, want 1", st.Merge.LogCards)
	}
	y2 := h.LoadRef(field(o, 0))
	if y2 == y || !h.RegionContaining(y2).IsSurvivor() {
		t.Fatalf("old field not updated: %#x", uint64(y2))
	}
	if st.RedirtiedCards != 1 || !c.Cards().IsDirty(card) {
		t.Fatalf("card of the updated old slot not redirtied (%d)", st.RedirtiedCards)
	}

	c.RefineAll()
	if !h.RegionContaining(y2).RemSet().Contains(card) {
		t.Fatalf("survivor region remembered set misses card %d", card)
	}
	if !c.Cards().IsClean(card) {
		t.Fatalf("refinement left the card dirty")
	}
}

func TestRememberedOldToYoungReferenceIsUpdated(t *testing.T) {
	c := newCollector(t, nil)
	h := c.Heap()
	pair := pairClass(c)
	o := newObject(t, c, pair, 0, true)
	y := newObject(t, c, pair, 0, false)
	b := c.NewBarrier()
	b.WriteRef(field(o, 1), y)
	c.RefineAll()
	card := h.CardIndexOf(field(o, 1))
	if !h.RegionContaining(y).RemSet().Contains(card) {
		t.Fatalf("refinement did not record card %d", card)
	}

	st := pause(t, c, PauseRequest{})
	if st.Merge.RemSetCards != 1 || st.Merge.LogCards != 0 {
		t.Fatalf("unexpected merge stats %+v", st.Merge)
	}
	if y2 := h.LoadRef(field(o, 1)); y2 == y || !h.RegionContaining(y2).IsSurvivor() {
		t.Fatalf("old field not updated")
	}
	if st.Scan.CardsScanned != 1 {
		t.Fatalf("scanned %d cards, want 1", st.Scan.CardsScanned)
	}
}

func TestThreeRegionLinkedList(t *testing.T) {
	c := newCollector(t, func(cfg *config.Config) {
		cfg.MaxRegions = 3
		cfg.TenuringThreshold = 0
		cfg.MaxTenuringThreshold = 0
	})
	h := c.Heap()
	node := c.Heap().Classes().DefineInstance("Node", 2, 0)
	const n = 100
	nodes := make([]heap.Addr, n)
	for i := range nodes {
		nodes[i] = newObject(t, c, node, 0, false)
	}
	target := newObject(t, c, node, 0, true)
	if h.RegionIndexOf(nodes[0]) != 0 || h.RegionIndexOf(nodes[n-1]) != 0 || h.RegionIndexOf(target) != 1 {
		t.Fatalf("unexpected layout")
	}
	for i, obj := range nodes {
		if i+1 < n {
			h.StoreRef(field(obj, 0), nodes[i+1])
		}
		h.StoreRef(field(obj, 1), target)
	}
	c.Roots().Set(0, nodes[0])

	st := pause(t, c, PauseRequest{})
	if !h.RegionAt(0).IsFree() {
		t.Fatalf("region 0 not freed")
	}
	if st.Evac.Counters.CopiedObjects != n {
		t.Fatalf("copied %d nodes, want %d", st.Evac.Counters.CopiedObjects, n)
	}

	c.RefineAll()
	rs := h.RegionAt(1).RemSet()
	cards := make(map[uint64]bool)
	count := 0
	for cur := c.Roots().Get(0); cur != heap.Null; cur = h.LoadRef(field(cur, 0)) {
		count++
		if h.RegionIndexOf(cur) != 2 || !h.RegionAt(2).IsOld() {
			t.Fatalf("node %d at %#x not in the old region 2", count, uint64(cur))
		}
		if h.LoadRef(field(cur, 1)) != target {
			t.Fatalf("node %d lost its reference into region 1", count)
		}
		card := h.CardIndexOf(field(cur, 1))
		cards[card] = true
		if !rs.Contains(card) {
			t.Fatalf("region 1 remembered set misses card %d of node %d", card, count)
		}
	}
	if count != n {
		t.Fatalf("list has %d nodes after the pause, want %d", count, n)
	}
	if rs.Occupied() != len(cards) {
		t.Fatalf("region 1 remembered set holds %d cards, want %d", rs.Occupied(), len(cards))
	}
}

func TestConcurrentWorkersForwardEachObjectOnce(t *testing.T) {
	c := newCollector(t, func(cfg *config.Config) {
		cfg.ParallelWorkers = 4
		cfg.PartialArrayStride = 16
	})
	h := c.Heap()
	pair := pairClass(c)
	arrays := h.Classes().Lookup(heap.ClassObjectArray)
	const targets = 10
	objs := make([]heap.Addr, targets)
	for i := range objs {
		objs[i] = newObject(t, c, pair, 0, false)
	}
	arr := newObject(t, c, arrays, 500, false)
	for i := uint64(0); i < 500; i++ {
		h.StoreRef(heap.ArrayElement(arr, i), objs[i%targets])
	}
	for i := 0; i < 8; i++ {
		c.Roots().Set(i, arr)
		c.Roots().Set(8+i, objs[i])
	}

	st := pause(t, c, PauseRequest{})
	if st.Evac.Counters.CopiedObjects != targets+1 {
		t.Fatalf("copied %d objects, want %d", st.Evac.Counters.CopiedObjects, targets+1)
	}
	arr2 := c.Roots().Get(0)
	for i := 1; i < 8; i++ {
		if c.Roots().Get(i) != arr2 {
			t.Fatalf("roots disagree on the array copy")
		}
	}
	copies := make(map[heap.Addr]bool)
	for i := uint64(0); i < 500; i++ {
		v := h.LoadRef(heap.ArrayElement(arr2, i))
		if want := h.LoadRef(heap.ArrayElement(arr2, i%targets)); v != want {
			t.Fatalf("element %d points to %#x, element %d to %#x", i, uint64(v), i%targets, uint64(want))
		}
		copies[v] = true
	}
	if len(copies) != targets {
		t.Fatalf("%d distinct copies, want %d", len(copies), targets)
	}
	for i := 0; i < 8; i++ {
		if !copies[c.Roots().Get(8+i)] {
			t.Fatalf("root %d points to a copy not seen in the array", 8+i)
		}
	}
	if st.Evac.Counters.PartialTasksPushed == 0 {
		t.Fatalf("array was not split")
	}
	if st.TasksPushed == 0 || st.TasksPushed != st.TasksProcessed {
		t.Fatalf("ledger totals pushed=%d processed=%d", st.TasksPushed, st.TasksProcessed)
	}
}

func TestEvacuationFailureRetainsRegion(t *testing.T) {
	c := newCollector(t, func(cfg *config.Config) { cfg.EvacuationFailureALotInterval = 1 })
	h := c.Heap()
	pair := pairClass(c)
	a := newObject(t, c, pair, 0, false)
	b := newObject(t, c, pair, 0, false)
	newObject(t, c, pair, 0, false) // garbage
	h.StoreRef(field(a, 0), b)
	c.Roots().Set(0, a)
	eden := h.RegionIndexOf(a)

	st := pause(t, c, PauseRequest{InjectFailure: true})
	if len(st.FailedRegions) != 1 || st.FailedRegions[0] != eden {
		t.Fatalf("failed regions = %v, want [%d]", st.FailedRegions, eden)
	}
	if !strings.Contains(st.Kind, "Evacuation Failure") {
		t.Fatalf("kind = %q", st.Kind)
	}
	if c.Roots().Get(0) != a || h.LoadRef(field(a, 0)) != b {
		t.Fatalf("objects moved despite the failure")
	}
	if r := h.RegionAt(eden); !r.IsOld() || r.InCollectionSet() {
		t.Fatalf("failed region is %s, in cset %v", r.Type(), r.InCollectionSet())
	}
	if st.RetainedWords != 2*pair.Words {
		t.Fatalf("retained %d words, want %d", st.RetainedWords, 2*pair.Words)
	}
	if h.Mark(a) != heap.MarkPrototype || h.Mark(b) != heap.MarkPrototype {
		t.Fatalf("headers not restored")
	}
	if got := h.BOT().BlockStart(field(b, 1)); got != b {
		t.Fatalf("block offset table not rebuilt: %#x", uint64(got))
	}
	if st.Evac.Failure.Objects != 2 || st.Evac.PreservedMarks != 2 {
		t.Fatalf("failure info %+v, preserved %d", st.Evac.Failure, st.Evac.PreservedMarks)
	}
	if st.InjectedFailures != 2 || c.Metrics()["injected_failures_total"] != 2 {
		t.Fatalf("injected failures = %d, metric %v", st.InjectedFailures, c.Metrics()["injected_failures_total"])
	}

	// the retained region is old now and stays put in a young pause
	st = pause(t, c, PauseRequest{})
	if st.Evac.Failed() || c.Roots().Get(0) != a {
		t.Fatalf("second pause touched the retained region")
	}
	if st.InjectedFailures != 0 {
		t.Fatalf("unarmed pause injected %d failures", st.InjectedFailures)
	}
}

func TestPreservedMarksOverflowFailsPause(t *testing.T) {
	c := newCollector(t, func(cfg *config.Config) {
		cfg.EvacuationFailureALotInterval = 1
		cfg.PreservedMarksLimit = 1
		cfg.ParallelWorkers = 1
	})
	h := c.Heap()
	pair := pairClass(c)
	a := newObject(t, c, pair, 0, false)
	h.StoreRef(field(a, 0), newObject(t, c, pair, 0, false))
	c.Roots().Set(0, a)

	st, err := c.Pause(context.Background(), PauseRequest{InjectFailure: true})
	if !errors.Is(err, &gcerrors.StandardError{Category: gcerrors.CategoryPause, Code: "TO_SPACE_EXHAUSTED"}) {
		t.Fatalf("expected to-space exhaustion, got %v", err)
	}
	if st == nil || !st.Evac.Failed() {
		t.Fatalf("stats missing after a failed pause")
	}
	verifyReachable(t, c)
}

func TestOptionalIncrementEvacuatesRememberedReferences(t *testing.T) {
	c := newCollector(t, nil)
	h := c.Heap()
	pair := pairClass(c)
	ox := newObject(t, c, pair, 0, true)
	fillRegion(t, c, ox)
	oz := newObject(t, c, pair, 0, true)
	y := newObject(t, c, pair, 0, false)
	optional := h.RegionIndexOf(ox)
	if h.RegionIndexOf(oz) == optional {
		t.Fatalf("old objects share a region")
	}
	b := c.NewBarrier()
	b.WriteRef(field(y, 0), ox)
	b.WriteRef(field(oz, 0), ox)
	c.RefineAll()
	c.Roots().Set(0, y)

	st := pause(t, c, PauseRequest{OptionalRegions: [][]uint32{{optional}}})
	if st.Increments != 2 || st.OldRegions != 1 || st.Kind != "Young (Mixed)" {
		t.Fatalf("unexpected pause %+v", st)
	}
	if !h.RegionAt(optional).IsFree() {
		t.Fatalf("optional region not freed")
	}
	y2 := c.Roots().Get(0)
	ox2 := h.LoadRef(field(y2, 0))
	if ox2 == ox || !h.RegionContaining(ox2).IsOld() {
		t.Fatalf("young copy still references the optional region")
	}
	if h.LoadRef(field(oz, 0)) != ox2 {
		t.Fatalf("old referrer not updated to the same copy")
	}
	if st.Evac.Counters.OptionalRefs != 1 || st.Scan.OptionalRefs != 1 {
		t.Fatalf("optional refs recorded %d, scanned %d", st.Evac.Counters.OptionalRefs, st.Scan.OptionalRefs)
	}
}

func TestEagerReclaimOfUnreferencedHumongousObjects(t *testing.T) {
	c := newCollector(t, nil)
	h := c.Heap()
	pair := pairClass(c)
	longs := h.Classes().Lookup(heap.ClassLongArray)
	dead := newObject(t, c, longs, 5000, false)
	byRoot := newObject(t, c, longs, 3000, false)
	byOld := newObject(t, c, longs, 3000, false)
	o := newObject(t, c, pair, 0, true)
	c.NewBarrier().WriteRef(field(o, 0), byOld)
	c.RefineAll()
	c.Roots().Set(0, byRoot)

	deadRegion := h.RegionIndexOf(dead)
	if !h.RegionAt(deadRegion+1).IsHumongous() {
		t.Fatalf("dead object does not span two regions")
	}

	st := pause(t, c, PauseRequest{})
	if len(st.EagerReclaimed) != 1 || st.EagerReclaimed[0] != deadRegion {
		t.Fatalf("eagerly reclaimed %v, want [%d]", st.EagerReclaimed, deadRegion)
	}
	if !h.RegionAt(deadRegion).IsFree() || !h.RegionAt(deadRegion+1).IsFree() {
		t.Fatalf("humongous regions not freed")
	}
	if !h.RegionContaining(byRoot).IsStartsHumongous() || !h.RegionContaining(byOld).IsStartsHumongous() {
		t.Fatalf("referenced humongous object reclaimed")
	}
	if c.Roots().Get(0) != byRoot || h.LoadRef(field(o, 0)) != byOld {
		t.Fatalf("humongous objects moved")
	}
	if st.Evac.Counters.HumongousLive != 2 {
		t.Fatalf("%d candidates found live, want 2", st.Evac.Counters.HumongousLive)
	}
}

func TestRepeatedPausesKeepHeapConsistent(t *testing.T) {
	c := newCollector(t, func(cfg *config.Config) { cfg.ParallelWorkers = 3 })
	h := c.Heap()
	pair := pairClass(c)
	o := newObject(t, c, pair, 0, true)
	b := c.NewBarrier()
	for round := 0; round < 5; round++ {
		head := heap.Null
		for i := 0; i < 50; i++ {
			n := newObject(t, c, pair, 0, false)
			h.StoreRef(field(n, 0), head)
			head = n
		}
		b.WriteRef(field(o, round%2), head)
		st := pause(t, c, PauseRequest{})
		if st.Evac.Failed() {
			t.Fatalf("round %d failed", round)
		}
		c.RefineAll()
	}
	for i := 0; i < 2; i++ {
		n := 0
		for cur := h.LoadRef(field(o, i)); cur != heap.Null; cur = h.LoadRef(field(cur, 0)) {
			n++
		}
		if n != 50 {
			t.Fatalf("list %d has %d nodes, want 50", i, n)
		}
	}
}

func TestPauseRejectsInvalidCollectionSet(t *testing.T) {
	c := newCollector(t, nil)
	pair := pairClass(c)
	y := newObject(t, c, pair, 0, false)
	o := newObject(t, c, pair, 0, true)
	young := c.Heap().RegionIndexOf(y)
	old := c.Heap().RegionIndexOf(o)

	for _, req := range []PauseRequest{
		{OldRegions: []uint32{young}},
		{OldRegions: []uint32{999}},
		{OldRegions: []uint32{old}, OptionalRegions: [][]uint32{{old}}},
	} {
		_, err := c.Pause(context.Background(), req)
		if !errors.Is(err, &gcerrors.StandardError{Category: gcerrors.CategoryValidation, Code: "INVALID_COLLECTION_SET"}) {
			t.Fatalf("request %+v: expected validation error, got %v", req, err)
		}
	}
	if c.Metrics()["pauses_total"] != 0 {
		t.Fatalf("rejected requests counted as pauses")
	}
}

func TestPauseHonoursCancelledContext(t *testing.T) {
	c := newCollector(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Pause(ctx, PauseRequest{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestApplyKeepsGeometry(t *testing.T) {
	c := newCollector(t, nil)
	cfg := testConfig()
	cfg.ParallelWorkers = 4
	if err := c.Apply(cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	pair := pairClass(c)
	c.Roots().Set(0, newObject(t, c, pair, 0, false))
	pause(t, c, PauseRequest{})
	if c.PhaseTimes().Workers() != 4 {
		t.Fatalf("pause ran with %d workers", c.PhaseTimes().Workers())
	}

	cfg.RegionWords = 1 << 13
	if err := c.Apply(cfg); err == nil {
		t.Fatalf("geometry change accepted")
	}
}

func TestRefineRunsUntilCancelled(t *testing.T) {
	c := newCollector(t, nil)
	h := c.Heap()
	pair := pairClass(c)
	o := newObject(t, c, pair, 0, true)
	y := newObject(t, c, pair, 0, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Refine(ctx, 2) }()

	b := c.NewBarrier()
	b.WriteRef(field(o, 0), y)
	b.Queue().Flush()
	card := h.CardIndexOf(field(o, 0))
	deadline := time.Now().Add(5 * time.Second)
	for !h.RegionContaining(y).RemSet().Contains(card) {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("refinement did not record card %d", card)
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Refine: %v", err)
	}
}

func TestMetricsReportLastPause(t *testing.T) {
	c := newCollector(t, nil)
	pair := pairClass(c)
	c.Roots().Set(0, newObject(t, c, pair, 0, false))
	pause(t, c, PauseRequest{})
	m := c.Metrics()
	if m["pauses_total"] != 1 || m["last_pause_copied_words"] != float64(pair.Words) {
		t.Fatalf("unexpected metrics %v", m)
	}
	if _, ok := m["obj_copy_seconds_sum"]; !ok {
		t.Fatalf("phase times missing from metrics")
	}
	if _, ok := m["last_pause_termination_yields"]; !ok {
		t.Fatalf("termination yields missing from metrics")
	}
}
