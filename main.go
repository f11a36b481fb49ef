package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/jnesss/cpu-guardian/alerts"
	"github.com/jnesss/cpu-guardian/anomaly"
	"github.com/jnesss/cpu-guardian/config"
	"github.com/jnesss/cpu-guardian/correlation"
	"github.com/jnesss/cpu-guardian/database"
	"github.com/jnesss/cpu-guardian/ipc"
	"github.com/jnesss/cpu-guardian/pmu"
	"github.com/jnesss/cpu-guardian/ring"
	"github.com/jnesss/cpu-guardian/rules"
	"github.com/jnesss/cpu-guardian/telemetry"
	"github.com/jnesss/cpu-guardian/web"
)

func printBanner() {
	fmt.Println("╔══════════════════════════════════════════════════╗")
	fmt.Println("║       CPU Guardian - Side-Channel Detector       ║")
	fmt.Println("║       Real-Time PMU Anomaly Detection Engine     ║")
	fmt.Println("╚══════════════════════════════════════════════════╝")
	fmt.Println()
}

// pmuTest opens the counter group, reads it once, prints the raw values,
// and exits. The fastest way to tell a VM without a PMU from a paranoid
// sysctl before committing to a full learning phase.
func pmuTest(cfg *config.Config) int {
	session, err := pmu.Open(cfg.TargetCPU, cfg.TargetPID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[cpu-guardian] PMU test failed: %v\n", err)
		fmt.Fprintln(os.Stderr, "[cpu-guardian] ENOENT: VM may not expose PMU; try bare metal or enable PMU passthrough.")
		fmt.Fprintln(os.Stderr, "[cpu-guardian] EACCES: run with sudo and ensure perf_event_paranoid <= 2 (e.g. sudo sysctl kernel.perf_event_paranoid=2)")
		return 1
	}
	defer session.Close()

	var r pmu.Reading
	if err := session.Read(&r); err != nil {
		fmt.Fprintf(os.Stderr, "[cpu-guardian] PMU test failed: read failed: %v\n", err)
		return 1
	}

	fmt.Printf("PMU raw read (counters open: %d):\n", session.CountOpen())
	fmt.Printf("  cycles              = %d\n", r.Cycles)
	fmt.Printf("  instructions        = %d\n", r.Instructions)
	fmt.Printf("  cache_references    = %d\n", r.CacheReferences)
	fmt.Printf("  cache_misses        = %d\n", r.CacheMisses)
	fmt.Printf("  branch_instructions = %d\n", r.BranchInstructions)
	fmt.Printf("  branch_misses       = %d\n", r.BranchMisses)
	fmt.Println("[cpu-guardian] PMU test OK")
	return 0
}

func run() int {
	printBanner()

	cfg := config.Defaults()
	if err := cfg.ParseArgs(os.Args[1:]); err != nil {
		return 1
	}

	if cfg.Verbose {
		cfg.Dump()
	}

	if cfg.PMUTest {
		return pmuTest(&cfg)
	}

	// The signal handler only sets the token and cancels; both loops
	// observe the token at every iteration.
	var shutdown atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		shutdown.Store(true)
		cancel()
	}()

	logger, err := alerts.New(cfg.LogFile, cfg.LogToFile, cfg.LogToSyslog, cfg.AlertCooldownSec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logger: %v\n", err)
		return 1
	}
	defer logger.Close()

	logger.Infof("starting up (interval=%dus, learning=%ds, z=%.2f)",
		cfg.SamplingIntervalUs, cfg.LearningDurationSec, cfg.ZThreshold)

	db, err := database.New(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize database: %v\n", err)
		return 1
	}
	defer db.Close()

	rb, err := ring.New(uint64(cfg.RingBufferCapacity))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to allocate ring buffer: %v\n", err)
		return 1
	}

	sampler := telemetry.NewSampler(cfg.SamplingIntervalUs, cfg.TargetCPU, cfg.TargetPID)
	if err := <-sampler.Start(rb); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start telemetry engine: %v\n", err)
		fmt.Fprintln(os.Stderr, "Run with -T to test counter availability.")
		return 1
	}
	logger.Infof("telemetry engine started on cpu=%d pid=%d", cfg.TargetCPU, cfg.TargetPID)

	var pub *ipc.Publisher
	if cfg.EnableMLOutput {
		pub, err = ipc.Dial(cfg.SocketPath)
		if err != nil {
			logger.Infof("ML IPC unavailable (%s) — using standalone detection", cfg.SocketPath)
			pub = nil
		} else {
			logger.Infof("ML IPC connected: %s", cfg.SocketPath)
		}
	}

	var rulesDet *rules.Detector
	if cfg.RulesDir != "" {
		rulesDet, err = rules.NewDetector(cfg.RulesDir, db)
		if err != nil {
			logger.Infof("Sigma rules disabled: %v", err)
			rulesDet = nil
		}
	}

	metrics := web.NewMetrics()
	state := web.NewState()

	if cfg.WebListen != "" {
		server := web.NewServer(db, state, cfg.WebListen)
		go func() {
			if err := server.Start(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Web server error: %v\n", err)
			}
		}()
	}

	guardian := &Guardian{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		rb:       rb,
		sampler:  sampler,
		engine:   anomaly.NewEngine(cfg.ZThreshold, cfg.BurstWindow),
		corr:     correlation.NewEngine(cfg.RiskDecayFactor, cfg.CorrelationWindowSec),
		pub:      pub,
		rulesDet: rulesDet,
		metrics:  metrics,
		state:    state,
		shutdown: &shutdown,
		attrPID:  attributionPID(cfg.TargetPID),
	}

	if err := guardian.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "[cpu-guardian] FATAL: %v\n", err)
		return 1
	}

	fmt.Printf("\n[cpu-guardian] exited cleanly. Total samples: %d, Anomalies: %d\n",
		guardian.totalSamples, guardian.anomalySamples)
	return 0
}

// attributionPID picks the pid that risk updates are charged to. With a
// concrete target that process is attributed; in system-wide mode the
// detector's own pid stands in, so the comm field is only a hint there.
func attributionPID(targetPID int) int {
	if targetPID > 0 {
		return targetPID
	}
	return os.Getpid()
}

func main() {
	os.Exit(run())
}
