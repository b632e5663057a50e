package telemetry

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPhaseTimesSummarize(t *testing.T) {
	pt := NewPhaseTimes(3)
	pt.RecordTimeSeconds(PhaseScanHR, 0, 0.5)
	pt.RecordTimeSeconds(PhaseScanHR, 2, 1.5)
	pt.RecordTimeSeconds(PhaseScanHR, 2, 0.5)
	pt.RecordTimeSeconds(PhaseScanHR, 7, 9) // out of range, dropped

	s := pt.Summarize(PhaseScanHR)
	if s.Workers != 2 || s.Sum != 2.5 || s.Min != 0.5 || s.Max != 2 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.Avg() != 1.25 {
		t.Fatalf("avg = %v", s.Avg())
	}
	if empty := pt.Summarize(PhaseMergeRS); empty.Workers != 0 || empty.Min != 0 || empty.Avg() != 0 {
		t.Fatalf("unrecorded phase summary %+v", empty)
	}
}

func TestPhaseTimesWorkItemsAndReset(t *testing.T) {
	pt := NewPhaseTimes(2)
	pt.RecordWorkItem(PhaseMergeRS, 0, 3, MergeRSLogCards)
	pt.RecordWorkItem(PhaseMergeRS, 1, 4, MergeRSLogCards)
	pt.RecordWorkItem(PhaseMergeRS, 1, 1, maxItems) // invalid item
	if got := pt.WorkItems(PhaseMergeRS, MergeRSLogCards); got != 7 {
		t.Fatalf("log cards = %d, want 7", got)
	}
	pt.Reset(4)
	if pt.Workers() != 4 {
		t.Fatalf("workers = %d after reset", pt.Workers())
	}
	if got := pt.WorkItems(PhaseMergeRS, MergeRSLogCards); got != 0 {
		t.Fatalf("reset kept %d items", got)
	}
	snap := pt.Snapshot()
	if snap["pauses"] != 1 {
		t.Fatalf("pauses = %v, want 1", snap["pauses"])
	}
}

func TestPhaseNames(t *testing.T) {
	if PhaseObjCopy.String() != "obj_copy" || PhaseRedirtyCards.String() != "redirty_cards" {
		t.Fatalf("unexpected names %s %s", PhaseObjCopy, PhaseRedirtyCards)
	}
	if Phase(99).String() != "phase(99)" {
		t.Fatalf("out of range name %s", Phase(99))
	}
}

func TestPhaseTimesConcurrentRecording(t *testing.T) {
	const workers = 8
	pt := NewPhaseTimes(workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				pt.RecordWorkItem(PhaseObjCopy, w, 1, ObjCopyCopiedObjects)
			}
		}(w)
	}
	wg.Wait()
	if got := pt.WorkItems(PhaseObjCopy, ObjCopyCopiedObjects); got != workers*1000 {
		t.Fatalf("copied objects = %d", got)
	}
}

func TestExporterServesMetrics(t *testing.T) {
	pt := NewPhaseTimes(1)
	pt.RecordTimeSeconds(PhaseMergeRS, 0, 0.25)
	e := NewExporter()
	e.Register("gc", pt.Snapshot)
	e.Register("heap", func() map[string]float64 { return map[string]float64{"regions committed": 12} })

	addr, err := e.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = e.Shutdown(context.Background()) }()

	cli := &http.Client{Timeout: 2 * time.Second}
	resp, err := cli.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %v", resp.Status)
	}
	var lines []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	got := strings.Join(lines, "\n")
	if !strings.Contains(got, "gc_merge_rs_seconds_sum 0.25") {
		t.Fatalf("missing phase metric, got: %q", got)
	}
	if !strings.Contains(got, "heap_regions_committed 12") {
		t.Fatalf("metric name not sanitized, got: %q", got)
	}
}

func TestExporterCollapsesConcurrentScrapes(t *testing.T) {
	e := NewExporter()
	release := make(chan struct{})
	var calls sync.WaitGroup
	calls.Add(1)
	var once sync.Once
	e.Register("slow", func() map[string]float64 {
		once.Do(calls.Done)
		<-release
		return map[string]float64{"value": 1}
	})

	const scrapers = 4
	var wg sync.WaitGroup
	outs := make([]string, scrapers)
	wg.Add(1)
	go func() {
		defer wg.Done()
		outs[0] = string(e.Render())
	}()
	calls.Wait() // the first rendering is in flight
	for i := 1; i < scrapers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = string(e.Render())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	for i, out := range outs {
		if out != "slow_value 1\n" {
			t.Fatalf("scrape %d got %q", i, out)
		}
	}
	if e.Renders() > scrapers {
		t.Fatalf("renders = %d", e.Renders())
	}
}

func TestSanitizeMetricToken(t *testing.T) {
	out := sanitizeMetricToken(" metric name (bad)!")
	if strings.ContainsAny(out, " !()") || out == "" {
		t.Fatalf("token not sanitized: %q", out)
	}
	if got := sanitizeMetricToken("9lives"); got != "_9lives" {
		t.Fatalf("leading digit not prefixed: %q", got)
	}
}

func TestExporterHTTP3Loopback(t *testing.T) {
	e := NewExporter()
	e.Register("gc", func() map[string]float64 { return map[string]float64{"pauses": 3} })
	addr, err := e.StartHTTP3("127.0.0.1:0", nil)
	if err != nil {
		t.Skip("http3 not supported here:", err)
	}
	defer func() { _ = e.Shutdown(context.Background()) }()

	cli := HTTP3Client(&tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}, 2*time.Second)
	defer CloseHTTP3Client(cli)
	resp, err := cli.Get("https://" + addr + "/metrics")
	if err != nil {
		t.Skip("http3 dial failed:", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "gc_pauses 3\n" {
		t.Fatalf("unexpected body: %q", string(b))
	}
}
