package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/orizon-lang/gcpause/internal/cli"
	"github.com/orizon-lang/gcpause/internal/collector"
	"github.com/orizon-lang/gcpause/internal/config"
	"github.com/orizon-lang/gcpause/internal/telemetry"
)

const toolName = "gcpause-sim"

// report is the JSON summary printed with -json.
type report struct {
	Tool      string             `json:"tool"`
	Steps     uint64             `json:"mutator_steps"`
	Pauses    []pauseRecord      `json:"pauses"`
	Metrics   map[string]float64 `json:"metrics"`
	ElapsedMS float64            `json:"elapsed_ms"`
}

func main() {
	var (
		showVersion  bool
		showHelp     bool
		jsonOutput   bool
		verbose      bool
		debug        bool
		configFile   string
		initConfig   bool
		watch        bool
		pauses       int
		roots        int
		youngRegions uint64
		mixedEvery   int
		injectEvery  int
		refiners     int
		seed         int64
		verify       bool
		metricsAddr  string
		http3Addr    string
		linger       time.Duration
	)

	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&showHelp, "help", false, "show help information")
	flag.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	flag.BoolVar(&verbose, "v", false, "log every pause")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.StringVar(&configFile, "config", "", "collector configuration file (defaults when empty or missing)")
	flag.BoolVar(&initConfig, "init", false, "write the default configuration to -config and exit")
	flag.BoolVar(&watch, "watch", false, "reload -config when it changes and apply it between pauses")
	flag.IntVar(&pauses, "pauses", 20, "number of pauses to run")
	flag.IntVar(&roots, "roots", 256, "root slots of the synthetic mutator")
	flag.Uint64Var(&youngRegions, "young-regions", 4, "eden regions allocated between pauses")
	flag.IntVar(&mixedEvery, "mixed-every", 4, "every n-th pause also evacuates old regions (0 disables)")
	flag.IntVar(&injectEvery, "inject-failure", 0, "every n-th pause arms evacuation failure injection (0 disables)")
	flag.IntVar(&refiners, "refiners", 2, "concurrent refinement goroutines")
	flag.Int64Var(&seed, "seed", 1, "workload random seed")
	flag.BoolVar(&verify, "verify", false, "check that every evacuation task is processed exactly once")
	flag.StringVar(&metricsAddr, "metrics", "", "serve /metrics over HTTP on this address")
	flag.StringVar(&http3Addr, "http3", "", "serve /metrics over HTTP/3 on this address")
	flag.DurationVar(&linger, "linger", 0, "keep serving metrics this long after the last pause")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Runs a synthetic mutator against the evacuation pause engine.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEXAMPLES:\n")
		fmt.Fprintf(os.Stderr, "  %s -pauses 50 -v                       # Run 50 pauses, log each\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config gc.json -init               # Write the default config\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config gc.json -watch -linger 1m   # Apply config edits live\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -inject-failure 5 -verify           # Exercise evacuation failure\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -metrics :9102 -http3 :9103         # Export metrics\n", os.Args[0])
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		cli.PrintVersion(os.Stdout, toolName, jsonOutput)
		os.Exit(0)
	}

	if initConfig {
		if configFile == "" {
			cli.ExitWithError("-init needs -config")
		}
		if _, err := os.Stat(configFile); err == nil {
			cli.ExitWithError("configuration file already exists: %s", configFile)
		}
		if err := config.Defaults().Save(configFile); err != nil {
			cli.ExitWithError("Failed to initialize config: %v", err)
		}
		fmt.Printf("Configuration initialized: %s\n", configFile)
		return
	}

	logger := cli.NewLogger(verbose, debug)
	cfg, err := config.Load(configFile)
	if err != nil {
		cli.ExitWithError("Failed to load config: %v", err)
	}
	if injectEvery > 0 && cfg.EvacuationFailureALotInterval == 0 {
		cfg.EvacuationFailureALotInterval = 100
	}
	if roots <= dataStart {
		roots = dataStart + 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := collector.New(cfg, logger, roots)
	if err != nil {
		cli.ExitWithError("Failed to create collector: %v", err)
	}
	defer func() { _ = c.Close() }()

	var exporter *telemetry.Exporter
	if metricsAddr != "" || http3Addr != "" {
		exporter = telemetry.NewExporter()
		exporter.Register("gcpause", c.Metrics)
		exporter.Register("refine", func() map[string]float64 {
			hot, evicted := c.Refiner().HotCards().Stats()
			return map[string]float64{
				"pending_cards":       float64(c.Queues().NumCards()),
				"shared_spills_total": float64(c.Queues().SharedSpills()),
				"hot_cards_total":     float64(hot),
				"hot_evictions_total": float64(evicted),
			}
		})
		if metricsAddr != "" {
			addr, err := exporter.Start(metricsAddr)
			if err != nil {
				cli.ExitWithError("Failed to start metrics server: %v", err)
			}
			logger.Info("serving metrics on http://%s/metrics", addr)
		}
		if http3Addr != "" {
			addr, err := exporter.StartHTTP3(http3Addr, nil)
			if err != nil {
				cli.ExitWithError("Failed to start HTTP/3 metrics server: %v", err)
			}
			logger.Info("serving metrics on https://%s/metrics (HTTP/3)", addr)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = exporter.Shutdown(sctx)
		}()
	}

	var configs <-chan config.Config
	if watch {
		if configFile == "" {
			cli.ExitWithError("-watch needs -config")
		}
		watcher, err := config.NewWatcher(configFile)
		if err != nil {
			cli.ExitWithError("Failed to watch config: %v", err)
		}
		defer func() { _ = watcher.Close() }()
		configs = watcher.Configs()
		go func() {
			for err := range watcher.Errors() {
				logger.Warn("config reload: %v", err)
			}
		}()
	}

	refineCtx, cancelRefine := context.WithCancel(ctx)
	refineDone := make(chan error, 1)
	go func() { refineDone <- c.Refine(refineCtx, refiners) }()

	start := time.Now()
	w, err := newWorkload(ctx, c, logger, workloadOptions{
		YoungRegions: youngRegions,
		MixedEvery:   mixedEvery,
		InjectEvery:  injectEvery,
		Verify:       verify,
		Seed:         seed,
	})
	if err == nil {
		w.configs = configs
		err = w.Run(pauses)
	}
	cancelRefine()
	if rerr := <-refineDone; rerr != nil {
		logger.Warn("refinement: %v", rerr)
	}
	if err != nil {
		cli.ExitWithError("Simulation failed: %v", err)
	}
	elapsed := time.Since(start)

	if jsonOutput {
		data, err := json.MarshalIndent(report{
			Tool:      toolName,
			Steps:     w.Steps(),
			Pauses:    w.Records(),
			Metrics:   c.Metrics(),
			ElapsedMS: float64(elapsed) / float64(time.Millisecond),
		}, "", "  ")
		if err != nil {
			cli.ExitWithError("Failed to marshal report: %v", err)
		}
		fmt.Println(string(data))
	} else {
		printSummary(w, c, elapsed)
	}

	if exporter != nil && linger > 0 {
		logger.Info("serving metrics for %s", linger)
		select {
		case <-ctx.Done():
		case <-time.After(linger):
		}
	}
}

func printSummary(w *workload, c *collector.Collector, elapsed time.Duration) {
	records := w.Records()
	var (
		total                   float64
		maxMS                   float64
		failed, mixed, reclaims int
		copied                  uint64
	)
	for _, r := range records {
		total += r.DurationMS
		if r.DurationMS > maxMS {
			maxMS = r.DurationMS
		}
		if r.Failed > 0 {
			failed++
		}
		if strings.Contains(r.Kind, "Mixed") {
			mixed++
		}
		reclaims += r.EagerReclaimed
		copied += r.CopiedWords
	}
	fmt.Printf("%s v%s\n", toolName, cli.Version)
	fmt.Printf("Mutator steps:        %d\n", w.Steps())
	fmt.Printf("Pauses:               %d (%d mixed, %d with evacuation failure)\n", len(records), mixed, failed)
	if len(records) > 0 {
		fmt.Printf("Pause time:           avg %.3fms, max %.3fms\n", total/float64(len(records)), maxMS)
	}
	fmt.Printf("Copied words:         %d\n", copied)
	fmt.Printf("Humongous reclaimed:  %d\n", reclaims)
	fmt.Printf("Tenuring threshold:   %d\n", c.TenuringThreshold())
	fmt.Printf("Committed regions:    %d of %d\n", c.Heap().CommittedRegions(), c.Heap().MaxRegions())
	fmt.Printf("Elapsed:              %s\n", elapsed.Round(time.Millisecond))
}
