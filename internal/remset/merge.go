// Package remset merges the sources of possibly-interesting cards onto the
// card table at the start of each evacuation increment and scans the
// resulting dirty cards, the collection set's auxiliary reference lists and
// the root slots for references into the collection set.
package remset

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/gcpause/internal/cardtable"
	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
	"github.com/orizon-lang/gcpause/internal/evac"
	"github.com/orizon-lang/gcpause/internal/heap"
	"github.com/orizon-lang/gcpause/internal/refine"
	"github.com/orizon-lang/gcpause/internal/telemetry"
)

// EagerReclaimPredicate decides from a humongous region's remembered set
// occupancy whether the region may be reclaimed during the pause if nothing
// references it.
type EagerReclaimPredicate func(occupancy int) bool

// MaxOccupancy returns a predicate accepting occupancies up to n.
func MaxOccupancy(n int) EagerReclaimPredicate {
	return func(occupancy int) bool { return occupancy <= n }
}

// MergeConfig tunes the merge engine.
type MergeConfig struct {
	Workers          int
	PrefetchRingSize int // power of two
	// EagerReclaim is consulted for humongous regions; nil disables eager reclaim.
	EagerReclaim EagerReclaimPredicate
}

// Validate checks the settings.
func (c MergeConfig) Validate() error {
	if c.Workers <= 0 {
		return gcerrors.InvalidConfig("parallel_workers", c.Workers, "must be positive")
	}
	if c.PrefetchRingSize <= 0 || c.PrefetchRingSize&(c.PrefetchRingSize-1) != 0 {
		return gcerrors.InvalidConfig("prefetch_ring_size", c.PrefetchRingSize, "must be a power of two")
	}
	return nil
}

// MergeStats counts the cards each source contributed.
type MergeStats struct {
	RemSetCards      uint64
	HotCards         uint64
	LogCards         uint64
	Skipped          uint64 // log and hot cards no longer eligible
	Dirtied          uint64 // cards that went from clean to dirty
	RegionsMerged    uint64
	LogBuffersMerged uint64
}

func (s *MergeStats) add(o MergeStats) {
	s.RemSetCards += o.RemSetCards
	s.HotCards += o.HotCards
	s.LogCards += o.LogCards
	s.Skipped += o.Skipped
	s.Dirtied += o.Dirtied
	s.RegionsMerged += o.RegionsMerged
	s.LogBuffersMerged += o.LogBuffersMerged
}

// Merger owns the merge step of every pause.
type Merger struct {
	heap   *heap.Heap
	cards  *cardtable.CardTable
	scan   *cardtable.ScanState
	attrs  *evac.AttrTable
	hcc    *refine.HotCardCache
	dcqs   *refine.DirtyCardQueueSet
	sink   telemetry.Sink
	config MergeConfig
}

// NewMerger wires the merge engine. hcc and sink may be nil.
func NewMerger(h *heap.Heap, scan *cardtable.ScanState, attrs *evac.AttrTable, hcc *refine.HotCardCache, dcqs *refine.DirtyCardQueueSet, sink telemetry.Sink, cfg MergeConfig) (*Merger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = telemetry.Discard
	}
	return &Merger{
		heap:   h,
		cards:  scan.Cards(),
		scan:   scan,
		attrs:  attrs,
		hcc:    hcc,
		dcqs:   dcqs,
		sink:   sink,
		config: cfg,
	}, nil
}

// SelectEagerReclaimCandidates marks humongous regions as candidates when
// their object holds no references and is not embedded in code, and their
// remembered set is complete with an occupancy the predicate accepts.
// Candidate remembered sets are merged with the collection set; any
// reference found during the pause makes the object live again. It returns
// the candidates.
func (m *Merger) SelectEagerReclaimCandidates() []uint32 {
	if m.config.EagerReclaim == nil {
		return nil
	}
	var out []uint32
	m.heap.Regions(func(r *heap.Region) bool {
		if !r.IsStartsHumongous() || r.InCollectionSet() {
			return true
		}
		rs := r.RemSet()
		if !rs.IsComplete() || !m.heap.IsTypeArray(r.Bottom()) || r.CodeRoots().Len() > 0 {
			return true
		}
		if m.config.EagerReclaim(rs.Occupied()) {
			m.attrs.Set(r.Index(), evac.AttrHumongousCandidate)
			out = append(out, r.Index())
		}
		return true
	})
	return out
}

// cardEligible reports whether card may still hold references worth
// scanning: its region is old or humongous, outside the collection set and
// the card lies below the frozen scan top.
func (m *Merger) cardEligible(card uint64) bool {
	if card >= m.cards.Len() {
		return false
	}
	region := m.heap.RegionIndexOfCard(card)
	r := m.heap.RegionAt(region)
	if !r.IsOldOrHumongous() || r.InCollectionSet() {
		return false
	}
	return m.heap.CardStart(card) < m.scan.ScanTop(region)
}

// cardMarker batches card marks through a small ring so the dirty-bit
// mutation of a card happens a few iterations after it was queued.
type cardMarker struct {
	m     *Merger
	ring  []uint64
	mask  uint64
	count uint64
	stats *MergeStats
}

func newCardMarker(m *Merger, stats *MergeStats) *cardMarker {
	return &cardMarker{
		m:     m,
		ring:  make([]uint64, m.config.PrefetchRingSize),
		mask:  uint64(m.config.PrefetchRingSize - 1),
		stats: stats,
	}
}

func (cm *cardMarker) push(card uint64) {
	i := cm.count & cm.mask
	if cm.count >= uint64(len(cm.ring)) {
		cm.mark(cm.ring[i])
	}
	cm.ring[i] = card
	cm.count++
}

func (cm *cardMarker) flush() {
	n := cm.count
	if n > uint64(len(cm.ring)) {
		n = uint64(len(cm.ring))
	}
	for i := cm.count - n; i < cm.count; i++ {
		cm.mark(cm.ring[i&cm.mask])
	}
	cm.count = 0
}

// mark dirties a clean card and schedules its chunk and region for
// scanning. Cards already scanned in an earlier increment stay scanned.
func (cm *cardMarker) mark(card uint64) {
	ct := cm.m.cards
	if ct.CASCard(card, cardtable.Clean, cardtable.Dirty) {
		cm.stats.Dirtied++
	} else if !ct.IsDirty(card) {
		return
	}
	cm.m.scan.MarkChunkDirty(card)
	cm.m.scan.AddDirtyRegion(cm.m.heap.RegionIndexOfCard(card))
}

// mergeRegion merges the remembered set of region. The set itself is left
// intact: a region that fails evacuation stays old and keeps needing it.
// Stale entries are dropped by the eligibility check.
func (m *Merger) mergeRegion(cm *cardMarker, region uint32) {
	m.heap.RegionAt(region).RemSet().Iterate(func(card uint64) bool {
		cm.stats.RemSetCards++
		if m.cardEligible(card) {
			cm.push(card)
		}
		return true
	})
	cm.stats.RegionsMerged++
}

// mergeLogCard merges a card logged by the write barrier or the hot card
// cache. An ineligible card is dropped and its region scheduled for card
// clearing at pause end so no dirty card survives the pause.
func (m *Merger) mergeLogCard(cm *cardMarker, card uint64) {
	if !m.cardEligible(card) {
		cm.stats.Skipped++
		if card < m.cards.Len() && !m.cards.IsClean(card) {
			m.scan.AddAllDirtyRegion(m.heap.RegionIndexOfCard(card))
		}
		return
	}
	cm.push(card)
}

// mergeHotCards drains the hot card cache serially.
func (m *Merger) mergeHotCards(stats *MergeStats) {
	if m.hcc == nil || !m.hcc.Enabled() {
		return
	}
	cm := newCardMarker(m, stats)
	m.hcc.Drain(func(card uint64) {
		stats.HotCards++
		m.mergeLogCard(cm, card)
	})
	cm.flush()
}

// MergeHeapRoots merges every card source for one increment onto the card
// table: on the initial increment the hot card cache first, then the
// remembered sets of regions (the increment's collection set plus eager
// reclaim candidates) and, on the initial increment, all pending log
// buffers. Work is split over the configured workers.
func (m *Merger) MergeHeapRoots(ctx context.Context, initial bool, regions []uint32) (MergeStats, error) {
	var total MergeStats
	phase := telemetry.PhaseOptMergeRS
	var buffers [][]uint64
	if initial {
		phase = telemetry.PhaseMergeRS
		start := time.Now()
		m.mergeHotCards(&total)
		m.sink.RecordTimeSeconds(phase, 0, time.Since(start).Seconds())
		m.sink.RecordWorkItem(phase, 0, total.HotCards, telemetry.MergeRSHotCards)
		if m.dcqs != nil {
			buffers = m.dcqs.TakeAll()
		}
	}

	var nextRegion, nextBuffer atomic.Int64
	perWorker := make([]MergeStats, m.config.Workers)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(m.config.Workers)
	for w := 0; w < m.config.Workers; w++ {
		w := w
		g.Go(func() error {
			start := time.Now()
			st := &perWorker[w]
			cm := newCardMarker(m, st)
			for {
				i := nextRegion.Add(1) - 1
				if i >= int64(len(regions)) {
					break
				}
				m.mergeRegion(cm, regions[i])
			}
			for {
				i := nextBuffer.Add(1) - 1
				if i >= int64(len(buffers)) {
					break
				}
				st.LogBuffersMerged++
				for _, card := range buffers[i] {
					st.LogCards++
					m.mergeLogCard(cm, card)
				}
			}
			cm.flush()
			m.sink.RecordTimeSeconds(phase, w, time.Since(start).Seconds())
			m.sink.RecordWorkItem(phase, w, st.RemSetCards, telemetry.MergeRSRemSetCards)
			m.sink.RecordWorkItem(phase, w, st.LogCards, telemetry.MergeRSLogCards)
			m.sink.RecordWorkItem(phase, w, st.Skipped, telemetry.MergeRSSkippedCards)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, err
	}
	for _, st := range perWorker {
		total.add(st)
	}
	return total, nil
}
