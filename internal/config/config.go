// Package config loads and validates the tuning document of the pause
// engine and watches it for changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"

	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
	"github.com/orizon-lang/gcpause/internal/evac"
	"github.com/orizon-lang/gcpause/internal/heap"
	"github.com/orizon-lang/gcpause/internal/refine"
	"github.com/orizon-lang/gcpause/internal/remset"
)

// FormatVersion is the document format written by this build.
const FormatVersion = "1.0.0"

// SupportedFormats is the range of document formats this build reads.
const SupportedFormats = ">=1.0.0, <2.0.0"

// PLABWords sizes the promotion buffers per destination.
type PLABWords struct {
	Young uint64 `json:"young"`
	Old   uint64 `json:"old"`
}

// Config is the GC tuning document.
type Config struct {
	FormatVersion string `json:"format_version"`

	RegionWords        uint64 `json:"region_words"`
	MaxRegions         uint32 `json:"max_regions"`
	MaxSurvivorRegions uint32 `json:"max_survivor_regions"`
	ParallelWorkers    int    `json:"parallel_workers"`
	NumaNodes          int    `json:"numa_nodes"`

	TenuringThreshold      uint      `json:"tenuring_threshold"`
	MaxTenuringThreshold   uint      `json:"max_tenuring_threshold"`
	TargetSurvivorPercent  uint64    `json:"target_survivor_percent"`
	PLABWords              PLABWords `json:"plab_words"`
	PLABRefillWastePercent uint64    `json:"plab_refill_waste_percent"`

	QueueCapacity      int    `json:"queue_capacity"`
	PartialArrayStride uint64 `json:"partial_array_stride"`
	TrimHighWatermark  int    `json:"trim_high_watermark"`
	TrimLowWatermark   int    `json:"trim_low_watermark"`

	HotCardCacheSize  int    `json:"hot_card_cache_size"`
	HotCardCountLimit uint32 `json:"hot_card_count_limit"`
	LogBufferSize     int    `json:"log_buffer_size"`
	SharedQueueSize   uint64 `json:"shared_queue_size"`
	PrefetchRingSize  int    `json:"prefetch_ring_size"`

	EagerReclaimEnabled      bool `json:"eager_reclaim_enabled"`
	EagerReclaimMaxOccupancy int  `json:"eager_reclaim_max_occupancy"`
	OptionalRegionRefLimit   int  `json:"optional_region_ref_limit"`

	EvacuationFailureALotInterval uint64 `json:"evacuation_failure_alot_interval"`
	PreservedMarksLimit           int    `json:"preserved_marks_limit"`

	Verbose bool `json:"verbose"`
	Debug   bool `json:"debug"`
}

// Defaults returns a valid configuration for small simulated heaps.
func Defaults() Config {
	hc := heap.DefaultConfig()
	ec := evac.DefaultConfig()
	return Config{
		FormatVersion:            FormatVersion,
		RegionWords:              hc.RegionWords,
		MaxRegions:               hc.MaxRegions,
		ParallelWorkers:          ec.Workers,
		NumaNodes:                1,
		TenuringThreshold:        ec.TenuringThreshold,
		MaxTenuringThreshold:     heap.MaxAge,
		TargetSurvivorPercent:    50,
		PLABWords:                PLABWords{Young: ec.PLAB.YoungWords, Old: ec.PLAB.OldWords},
		PLABRefillWastePercent:   ec.PLAB.RefillWastePercent,
		QueueCapacity:            ec.QueueCapacity,
		PartialArrayStride:       ec.PartialArrayStride,
		TrimHighWatermark:        ec.TrimHighWatermark,
		TrimLowWatermark:         ec.TrimLowWatermark,
		HotCardCacheSize:         64,
		HotCardCountLimit:        4,
		LogBufferSize:            refine.DefaultLogBufferSize,
		SharedQueueSize:          1 << 12,
		PrefetchRingSize:         16,
		EagerReclaimEnabled:      true,
		EagerReclaimMaxOccupancy: 1 << 10,
		OptionalRegionRefLimit:   ec.OptionalRefLimit,
	}
}

// Heap returns the heap geometry.
func (c Config) Heap() heap.Config {
	return heap.Config{
		RegionWords:        c.RegionWords,
		MaxRegions:         c.MaxRegions,
		MaxSurvivorRegions: c.MaxSurvivorRegions,
		NumaNodes:          c.NumaNodes,
	}
}

// Evac returns the per-worker evacuation settings.
func (c Config) Evac() evac.Config {
	return evac.Config{
		Workers:            c.ParallelWorkers,
		QueueCapacity:      c.QueueCapacity,
		PartialArrayStride: c.PartialArrayStride,
		TrimHighWatermark:  c.TrimHighWatermark,
		TrimLowWatermark:   c.TrimLowWatermark,
		PLAB: evac.PLABConfig{
			YoungWords:         c.PLABWords.Young,
			OldWords:           c.PLABWords.Old,
			RefillWastePercent: c.PLABRefillWastePercent,
		},
		TenuringThreshold:   c.TenuringThreshold,
		OptionalRefLimit:    c.OptionalRegionRefLimit,
		PreservedMarksLimit: c.PreservedMarksLimit,
	}
}

// Merge returns the merge engine settings.
func (c Config) Merge() remset.MergeConfig {
	mc := remset.MergeConfig{
		Workers:          c.ParallelWorkers,
		PrefetchRingSize: c.PrefetchRingSize,
	}
	if c.EagerReclaimEnabled {
		mc.EagerReclaim = remset.MaxOccupancy(c.EagerReclaimMaxOccupancy)
	}
	return mc
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if err := CheckFormatVersion(c.FormatVersion); err != nil {
		return err
	}
	if err := c.Heap().Validate(); err != nil {
		return err
	}
	if err := c.Evac().Validate(); err != nil {
		return err
	}
	if err := c.Merge().Validate(); err != nil {
		return err
	}
	switch {
	case c.NumaNodes < 0:
		return gcerrors.InvalidConfig("numa_nodes", c.NumaNodes, "must not be negative")
	case c.MaxSurvivorRegions >= c.MaxRegions:
		return gcerrors.InvalidConfig("max_survivor_regions", c.MaxSurvivorRegions, "must be below max_regions")
	case c.MaxTenuringThreshold > heap.MaxAge:
		return gcerrors.InvalidConfig("max_tenuring_threshold", c.MaxTenuringThreshold,
			fmt.Sprintf("must be at most %d", heap.MaxAge))
	case c.TenuringThreshold > c.MaxTenuringThreshold+1:
		return gcerrors.InvalidConfig("tenuring_threshold", c.TenuringThreshold, "exceeds max_tenuring_threshold")
	case c.TargetSurvivorPercent == 0 || c.TargetSurvivorPercent > 100:
		return gcerrors.InvalidConfig("target_survivor_percent", c.TargetSurvivorPercent, "must be within [1, 100]")
	case c.PLABRefillWastePercent > 100:
		return gcerrors.InvalidConfig("plab_refill_waste_percent", c.PLABRefillWastePercent, "must be at most 100")
	case c.HotCardCacheSize < 0:
		return gcerrors.InvalidConfig("hot_card_cache_size", c.HotCardCacheSize, "must not be negative")
	case c.HotCardCacheSize > 0 && c.HotCardCountLimit == 0:
		return gcerrors.InvalidConfig("hot_card_count_limit", c.HotCardCountLimit, "must be positive when the cache is enabled")
	case c.LogBufferSize <= 0:
		return gcerrors.InvalidConfig("log_buffer_size", c.LogBufferSize, "must be positive")
	case c.SharedQueueSize < 2:
		return gcerrors.InvalidConfig("shared_queue_size", c.SharedQueueSize, "must be at least 2")
	case c.EagerReclaimMaxOccupancy < 0:
		return gcerrors.InvalidConfig("eager_reclaim_max_occupancy", c.EagerReclaimMaxOccupancy, "must not be negative")
	case c.OptionalRegionRefLimit <= 0:
		return gcerrors.InvalidConfig("optional_region_ref_limit", c.OptionalRegionRefLimit, "must be positive")
	case c.PreservedMarksLimit < 0:
		return gcerrors.InvalidConfig("preserved_marks_limit", c.PreservedMarksLimit, "must not be negative")
	}
	return nil
}

// CheckFormatVersion verifies that v is a document format this build reads.
func CheckFormatVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return gcerrors.InvalidConfig("format_version", v, err.Error())
	}
	c, err := semver.NewConstraint(SupportedFormats)
	if err != nil {
		return fmt.Errorf("parse supported formats: %w", err)
	}
	if !c.Check(ver) {
		return gcerrors.InvalidConfig("format_version", v, "unsupported, want "+SupportedFormats)
	}
	return nil
}

// Load reads path over the defaults and validates the result. An empty
// path or a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes c to path.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
