package remset

import (
	"sync/atomic"
	"time"

	"github.com/orizon-lang/gcpause/internal/cardtable"
	"github.com/orizon-lang/gcpause/internal/evac"
	"github.com/orizon-lang/gcpause/internal/heap"
	"github.com/orizon-lang/gcpause/internal/telemetry"
)

// ScanStats counts what one worker scanned.
type ScanStats struct {
	ChunksClaimed uint64
	ChunksSkipped uint64 // claimed chunks without dirty cards
	CardsScanned  uint64
	BlocksScanned uint64 // maximal runs of dirty cards
	OptionalRefs  uint64
	CodeBlobs     uint64
	RootSlots     uint64
}

// Add adds o into s.
func (s *ScanStats) Add(o ScanStats) {
	s.ChunksClaimed += o.ChunksClaimed
	s.ChunksSkipped += o.ChunksSkipped
	s.CardsScanned += o.CardsScanned
	s.BlocksScanned += o.BlocksScanned
	s.OptionalRefs += o.OptionalRefs
	s.CodeBlobs += o.CodeBlobs
	s.RootSlots += o.RootSlots
}

// RegionClaimer hands out the regions of one increment's collection set,
// each exactly once.
type RegionClaimer struct {
	regions []uint32
	next    atomic.Int64
}

// NewRegionClaimer creates a claimer over regions.
func NewRegionClaimer(regions []uint32) *RegionClaimer {
	return &RegionClaimer{regions: regions}
}

// Claim returns the next unclaimed region.
func (c *RegionClaimer) Claim() (uint32, bool) {
	i := c.next.Add(1) - 1
	if i >= int64(len(c.regions)) {
		return 0, false
	}
	return c.regions[i], true
}

// Scanner finds references into the collection set and hands them to the
// calling worker's evacuation state.
type Scanner struct {
	heap     *heap.Heap
	cards    *cardtable.CardTable
	scan     *cardtable.ScanState
	optional *evac.OptionalRemSets
	sink     telemetry.Sink
	workers  int
}

// NewScanner creates a scanner for workers workers. sink may be nil.
func NewScanner(h *heap.Heap, scan *cardtable.ScanState, optional *evac.OptionalRemSets, sink telemetry.Sink, workers int) *Scanner {
	if sink == nil {
		sink = telemetry.Discard
	}
	if workers < 1 {
		workers = 1
	}
	return &Scanner{
		heap:     h,
		cards:    scan.Cards(),
		scan:     scan,
		optional: optional,
		sink:     sink,
		workers:  workers,
	}
}

// ScanRoots evacuates through the root slots assigned to the worker of s.
func (sc *Scanner) ScanRoots(s *evac.ParScanThreadState, roots *heap.RootSet) ScanStats {
	var st ScanStats
	if roots == nil {
		return st
	}
	start := time.Now()
	for i := s.Worker(); i < roots.Len(); i += sc.workers {
		s.EvacuateRoot(roots.Slot(i))
		st.RootSlots++
		s.TrimQueuePartially()
	}
	sc.sink.RecordTimeSeconds(telemetry.PhaseExtRootScan, s.Worker(), time.Since(start).Seconds())
	return st
}

// ScanHeapRoots scans the dirty cards of every region in the current dirty
// region set. Workers start at different positions of the set and claim
// chunks of cards; claimed chunks without dirty bits are skipped.
func (sc *Scanner) ScanHeapRoots(s *evac.ParScanThreadState, initial bool) ScanStats {
	var st ScanStats
	phase := telemetry.PhaseOptScanHR
	if initial {
		phase = telemetry.PhaseScanHR
	}
	start := time.Now()
	regions := sc.scan.DirtyRegions()
	n := regions.Len()
	if n > 0 {
		offset := s.Worker() * n / sc.workers
		for i := 0; i < n; i++ {
			region := regions.At((offset + i) % n)
			if sc.scan.ContainsCardsToProcess(region) {
				sc.scanRegion(s, region, &st)
			}
		}
	}
	w := s.Worker()
	sc.sink.RecordTimeSeconds(phase, w, time.Since(start).Seconds())
	sc.sink.RecordWorkItem(phase, w, st.CardsScanned, telemetry.ScanHRScannedCards)
	sc.sink.RecordWorkItem(phase, w, st.BlocksScanned, telemetry.ScanHRScannedBlocks)
	sc.sink.RecordWorkItem(phase, w, st.ChunksClaimed, telemetry.ScanHRClaimedChunks)
	return st
}

func (sc *Scanner) scanRegion(s *evac.ParScanThreadState, region uint32, st *ScanStats) {
	h := sc.heap
	r := h.RegionAt(region)
	top := sc.scan.ScanTop(region)
	perRegion := sc.scan.CardsPerRegion()
	chunk := sc.scan.CardsPerChunk()
	first := h.CardIndexOf(r.Bottom())
	limit := h.CardIndexOf(top-1) + 1

	// watermark of the last object scanned by this worker in this region
	scannedTo := heap.Null
	for {
		off := sc.scan.ClaimChunk(region, chunk)
		if off >= perRegion {
			return
		}
		st.ChunksClaimed++
		from := first + off
		if from >= limit || !sc.scan.ChunkDirty(from) {
			st.ChunksSkipped++
			continue
		}
		to := from + chunk
		if to > limit {
			to = limit
		}
		for cur := from; cur < to; {
			dirty := sc.cards.FindDirty(cur, to)
			if dirty >= to {
				break
			}
			clean := sc.cards.FindNonDirty(dirty, to)
			sc.cards.MarkRangeScanned(dirty, clean)
			st.BlocksScanned++
			st.CardsScanned += clean - dirty
			scannedTo = sc.scanMemRegion(s, h.CardStart(dirty), h.CardStart(clean), top, scannedTo)
			cur = clean
		}
		s.TrimQueuePartially()
	}
}

// scanMemRegion visits the reference slots of the objects overlapping
// [start, end) below top, skipping what this worker already scanned. Object
// arrays are visited only within the range; other objects entirely. It
// returns the new watermark.
func (sc *Scanner) scanMemRegion(s *evac.ParScanThreadState, start, end, top, scannedTo heap.Addr) heap.Addr {
	h := sc.heap
	if start >= top {
		return scannedTo
	}
	if end > top {
		end = top
	}
	if scannedTo >= end {
		return scannedTo
	}
	if scannedTo > start {
		start = scannedTo
	}
	visit := func(slot heap.Addr) { s.ScanSlot(slot, evac.ScanInOld) }
	cur := h.BOT().BlockStart(start)
	for {
		obj := cur
		cur += heap.Addr(h.SizeOf(obj))
		precise := false
		if !h.IsObjArray(obj) || (obj >= start && cur <= end) {
			h.ForEachRef(obj, visit)
		} else {
			h.ForEachRefIn(obj, start, end, visit)
			precise = true
		}
		if cur >= end {
			if precise {
				return end
			}
			return cur
		}
	}
}

// ScanCollectionSetRegions visits, for every region claimed from claimer,
// the slots recorded in its optional reference list and, once per region
// per pause, the embedded references of its code roots.
func (sc *Scanner) ScanCollectionSetRegions(s *evac.ParScanThreadState, claimer *RegionClaimer, initial bool) ScanStats {
	var st ScanStats
	h := sc.heap
	w := s.Worker()
	var optTime, codeTime time.Duration
	for {
		region, ok := claimer.Claim()
		if !ok {
			break
		}
		start := time.Now()
		for _, slot := range sc.optional.Take(region) {
			st.OptionalRefs++
			s.ScanSlot(slot, s.SlotMode(slot))
		}
		optTime += time.Since(start)

		start = time.Now()
		if sc.scan.ClaimCodeRoots(region) {
			for _, blob := range h.RegionAt(region).CodeRoots().Snapshot() {
				for i := 0; i < blob.Len(); i++ {
					s.EvacuateRoot(blob.Slot(i))
				}
				h.RegisterCodeBlob(blob)
				st.CodeBlobs++
			}
		}
		codeTime += time.Since(start)
		s.TrimQueuePartially()
	}
	if !initial {
		sc.sink.RecordTimeSeconds(telemetry.PhaseOptScanHR, w, optTime.Seconds())
		sc.sink.RecordWorkItem(telemetry.PhaseOptScanHR, w, st.OptionalRefs, telemetry.ScanHRScannedOptRefs)
	}
	sc.sink.RecordTimeSeconds(telemetry.PhaseCodeRoots, w, codeTime.Seconds())
	sc.sink.RecordWorkItem(telemetry.PhaseCodeRoots, w, st.CodeBlobs, telemetry.CodeRootsScannedBlobs)
	return st
}
