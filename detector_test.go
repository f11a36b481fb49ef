package main

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jnesss/cpu-guardian/alerts"
	"github.com/jnesss/cpu-guardian/anomaly"
	"github.com/jnesss/cpu-guardian/config"
	"github.com/jnesss/cpu-guardian/correlation"
	"github.com/jnesss/cpu-guardian/ring"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		result anomaly.Result
		want   alerts.Level
	}{
		{"low score", anomaly.Result{CompositeScore: 0.3, Flags: anomaly.FlagOscillation}, alerts.Info},
		{"warning score", anomaly.Result{CompositeScore: 0.6, Flags: anomaly.FlagCacheMissSpike}, alerts.Warning},
		{"critical score", anomaly.Result{CompositeScore: 0.85, Flags: anomaly.FlagCacheMissSpike}, alerts.Critical},
		{"burst is always critical", anomaly.Result{CompositeScore: 0.55, Flags: anomaly.FlagBurstPattern}, alerts.Critical},
		{"boundary half", anomaly.Result{CompositeScore: 0.5, Flags: anomaly.FlagIPCCollapse}, alerts.Info},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(&tt.result); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAttributionPID(t *testing.T) {
	if got := attributionPID(4242); got != 4242 {
		t.Errorf("explicit target: got %d, want 4242", got)
	}
	// System-wide mode charges the detector itself; comm is only a hint.
	if got := attributionPID(-1); got != os.Getpid() {
		t.Errorf("system-wide: got %d, want own pid %d", got, os.Getpid())
	}
	if got := attributionPID(0); got != os.Getpid() {
		t.Errorf("self-monitoring: got %d, want own pid %d", got, os.Getpid())
	}
}

func TestCancellationDuringLearning(t *testing.T) {
	cfg := config.Defaults()
	cfg.LearningDurationSec = 60

	logPath := filepath.Join(t.TempDir(), "alerts.log")
	logger, err := alerts.New(logPath, true, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	rb, _ := ring.New(16)
	var shutdown atomic.Bool

	g := &Guardian{
		cfg:      cfg,
		logger:   logger,
		rb:       rb,
		engine:   anomaly.NewEngine(cfg.ZThreshold, cfg.BurstWindow),
		corr:     correlation.NewEngine(cfg.RiskDecayFactor, cfg.CorrelationWindowSec),
		shutdown: &shutdown,
	}

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	shutdown.Store(true)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancellation is a clean exit, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after cancellation")
	}

	if Phase(g.phase.Load()) != PhaseDone {
		t.Errorf("phase should be done, got %v", Phase(g.phase.Load()))
	}
	if g.engine.Baseline().Ready {
		t.Error("detection phase must never be entered on cancellation during learning")
	}
}

func TestPhaseString(t *testing.T) {
	phases := map[Phase]string{
		PhaseInit:         "init",
		PhaseLearning:     "learning",
		PhaseDetecting:    "detecting",
		PhaseShuttingDown: "shutting_down",
		PhaseDone:         "done",
	}
	for p, want := range phases {
		if got := p.String(); got != want {
			t.Errorf("Phase(%d): got %q, want %q", p, got, want)
		}
	}
}
