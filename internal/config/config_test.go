package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gcerrors "github.com/orizon-lang/gcpause/internal/errors"
)

func TestDefaultsAreValid(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Defaults() {
		t.Fatalf("missing file did not yield defaults: %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.json")
	doc := `{"format_version": "1.2.0", "parallel_workers": 2, "plab_words": {"young": 128, "old": 512}, "eager_reclaim_enabled": false}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ParallelWorkers != 2 || cfg.PLABWords.Young != 128 || cfg.PLABWords.Old != 512 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.RegionWords != Defaults().RegionWords {
		t.Fatalf("unset field lost its default: %d", cfg.RegionWords)
	}
	if cfg.Merge().EagerReclaim != nil {
		t.Fatalf("eager reclaim predicate installed while disabled")
	}
	if ec := cfg.Evac(); ec.Workers != 2 || ec.PLAB.OldWords != 512 {
		t.Fatalf("evac config not derived: %+v", ec)
	}
}

func TestLoadRejectsBadDocuments(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(bad); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Fatalf("expected parse error, got %v", err)
	}

	future := filepath.Join(dir, "future.json")
	if err := os.WriteFile(future, []byte(`{"format_version": "2.0.0"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Load(future)
	if !errors.Is(err, &gcerrors.StandardError{Category: gcerrors.CategoryConfig}) {
		t.Fatalf("expected config error for unsupported format, got %v", err)
	}
}

func TestCheckFormatVersion(t *testing.T) {
	for _, v := range []string{"1.0.0", "1.9.3"} {
		if err := CheckFormatVersion(v); err != nil {
			t.Fatalf("%s rejected: %v", v, err)
		}
	}
	for _, v := range []string{"0.9.0", "2.0.0", "latest"} {
		if err := CheckFormatVersion(v); err == nil {
			t.Fatalf("%s accepted", v)
		}
	}
}

func TestValidateReportsField(t *testing.T) {
	cases := []struct {
		field string
		tweak func(*Config)
	}{
		{"region_words", func(c *Config) { c.RegionWords = 1000 }},
		{"parallel_workers", func(c *Config) { c.ParallelWorkers = 0 }},
		{"prefetch_ring_size", func(c *Config) { c.PrefetchRingSize = 12 }},
		{"max_survivor_regions", func(c *Config) { c.MaxSurvivorRegions = c.MaxRegions }},
		{"max_tenuring_threshold", func(c *Config) { c.MaxTenuringThreshold = 99 }},
		{"target_survivor_percent", func(c *Config) { c.TargetSurvivorPercent = 0 }},
		{"hot_card_count_limit", func(c *Config) { c.HotCardCountLimit = 0 }},
		{"log_buffer_size", func(c *Config) { c.LogBufferSize = 0 }},
		{"optional_region_ref_limit", func(c *Config) { c.OptionalRegionRefLimit = 0 }},
		{"preserved_marks_limit", func(c *Config) { c.PreservedMarksLimit = -1 }},
	}
	for _, tc := range cases {
		cfg := Defaults()
		tc.tweak(&cfg)
		err := cfg.Validate()
		var se *gcerrors.StandardError
		if !errors.As(err, &se) {
			t.Fatalf("%s: expected StandardError, got %v", tc.field, err)
		}
		if se.Context["field"] != tc.field {
			t.Fatalf("%s: error names field %v", tc.field, se.Context["field"])
		}
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.json")
	cfg := Defaults()
	cfg.ParallelWorkers = 3
	cfg.EvacuationFailureALotInterval = 5
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != cfg {
		t.Fatalf("reloaded config differs: %+v", got)
	}
}

func TestWatcherDeliversRewrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.json")
	if err := Defaults().Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	w, err := NewWatcher(path)
	if err != nil {
		t.Skip("fsnotify not available:", err)
	}
	defer w.Close()

	next := Defaults()
	next.ParallelWorkers = 7
	if err := next.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-w.Configs():
			if cfg.ParallelWorkers == 7 {
				return
			}
		case err := <-w.Errors():
			// a write may be observed half done; the next event carries the full file
			t.Logf("watch error: %v", err)
		case <-deadline:
			t.Fatalf("no reload observed")
		}
	}
}
