package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/jnesss/cpu-guardian/alerts"
	"github.com/jnesss/cpu-guardian/anomaly"
	"github.com/jnesss/cpu-guardian/config"
	"github.com/jnesss/cpu-guardian/correlation"
	"github.com/jnesss/cpu-guardian/database"
	"github.com/jnesss/cpu-guardian/ipc"
	"github.com/jnesss/cpu-guardian/ring"
	"github.com/jnesss/cpu-guardian/rules"
	"github.com/jnesss/cpu-guardian/telemetry"
	"github.com/jnesss/cpu-guardian/web"
)

// Phase is the orchestrator's lifecycle state. Transitions only move
// forward; cancellation short-circuits any phase to shutting down.
type Phase int32

const (
	PhaseInit Phase = iota
	PhaseLearning
	PhaseDetecting
	PhaseShuttingDown
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseLearning:
		return "learning"
	case PhaseDetecting:
		return "detecting"
	case PhaseShuttingDown:
		return "shutting_down"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// Guardian owns every pipeline component and drives the phase machine.
// The sampler goroutine is the only other writer in the system; everything
// Guardian touches directly is single-threaded.
type Guardian struct {
	cfg      config.Config
	logger   *alerts.Logger
	db       *database.DB
	rb       *ring.Buffer
	sampler  *telemetry.Sampler
	engine   *anomaly.Engine
	corr     *correlation.Engine
	pub      *ipc.Publisher
	rulesDet *rules.Detector
	metrics  *web.Metrics
	state    *web.State

	shutdown *atomic.Bool
	phase    atomic.Int32

	attrPID int

	totalSamples   uint64
	anomalySamples uint64
	countedDrops   uint64
}

const (
	emptyRingLearnSleep  = 500 * time.Microsecond
	emptyRingDetectSleep = 100 * time.Microsecond
	decayInterval        = time.Second
	statusInterval       = 10 * time.Second
)

func (g *Guardian) setPhase(p Phase) {
	g.phase.Store(int32(p))
}

// Run executes the full lifecycle and blocks until shutdown. It returns an
// error only for fatal conditions; cancellation is a clean exit.
func (g *Guardian) Run(ctx context.Context) error {
	defer g.cleanup()

	if err := g.learn(); err != nil {
		return err
	}
	if g.shutdown.Load() {
		return nil
	}

	g.finalize()

	// Counters are already open; reading them needs no elevation.
	dropPrivileges(g.logger)

	g.detect(ctx)
	return nil
}

// learn feeds the anomaly engine until the learning deadline, mirroring
// each sample to the ML consumer.
func (g *Guardian) learn() error {
	g.setPhase(PhaseLearning)
	g.logger.Infof("entering learning phase (%d seconds)...", g.cfg.LearningDurationSec)

	deadline := time.Now().Add(time.Duration(g.cfg.LearningDurationSec) * time.Second)

	var sample telemetry.Sample
	for !g.shutdown.Load() && time.Now().Before(deadline) {
		if !g.rb.Pop(&sample) {
			time.Sleep(emptyRingLearnSleep)
			continue
		}
		g.engine.Learn(&sample)
		if g.pub != nil {
			g.pub.Send(&sample)
		}
	}

	if g.shutdown.Load() {
		return nil
	}

	if g.engine.SampleCount() == 0 {
		return fmt.Errorf("no PMU samples collected during learning — check PMU access (perf_event_paranoid, VM restrictions) or run with -T to test counters")
	}
	return nil
}

// finalize latches the baseline and records it durably.
func (g *Guardian) finalize() {
	g.engine.FinalizeBaseline()
	g.logger.Infof("learning complete: %d samples collected", g.engine.SampleCount())
	g.metrics.BaselineReady.Set(1)

	baseline := g.engine.Baseline()

	snapshotPath := filepath.Join(g.cfg.DataDir, "baseline.yaml")
	if err := baseline.Save(snapshotPath); err != nil {
		g.logger.Infof("baseline snapshot not written: %v", err)
	}

	if g.db != nil {
		err := g.db.InsertBaseline(&database.BaselineRecord{
			MeanCacheMissRate:  baseline.MeanCacheMissRate,
			StdCacheMissRate:   baseline.StdCacheMissRate,
			MeanBranchMissRate: baseline.MeanBranchMissRate,
			StdBranchMissRate:  baseline.StdBranchMissRate,
			MeanIPC:            baseline.MeanIPC,
			StdIPC:             baseline.StdIPC,
			SampleCount:        baseline.SampleCount,
		})
		if err != nil {
			g.logger.Infof("baseline not persisted: %v", err)
		}
	}
}

// detect is the steady-state loop: evaluate, mirror, attribute, alert.
// It terminates only on cancellation.
func (g *Guardian) detect(ctx context.Context) {
	g.setPhase(PhaseDetecting)
	g.logger.Infof("entering detection phase...")

	lastDecay := time.Now()
	lastStatus := time.Now()

	var sample telemetry.Sample
	for !g.shutdown.Load() {
		if !g.rb.Pop(&sample) {
			time.Sleep(emptyRingDetectSleep)
			continue
		}

		g.totalSamples++
		g.metrics.SamplesTotal.Inc()

		result := g.engine.Detect(&sample)

		if g.pub != nil {
			g.pub.Send(&sample)
		}

		if result.Flags != 0 {
			g.anomalySamples++
			g.metrics.AnomaliesTotal.Inc()
			g.handleAnomaly(ctx, &sample, &result)
		}

		now := time.Now()
		if now.Sub(lastDecay) > decayInterval {
			g.corr.Decay(sample.TimestampNs)
			g.publishState()
			lastDecay = now
		}

		if now.Sub(lastStatus) > statusInterval {
			if g.cfg.Verbose {
				g.logStatus()
			}
			lastStatus = now
		}
	}
}

func classify(result *anomaly.Result) alerts.Level {
	switch {
	case result.CompositeScore > 0.8 || result.Flags&anomaly.FlagBurstPattern != 0:
		return alerts.Critical
	case result.CompositeScore > 0.5:
		return alerts.Warning
	default:
		return alerts.Info
	}
}

func (g *Guardian) handleAnomaly(ctx context.Context, sample *telemetry.Sample, result *anomaly.Result) {
	level := classify(result)
	reason := anomaly.FlagsString(result.Flags)

	g.corr.Update(g.attrPID, 0, float32(result.CompositeScore), sample.TimestampNs)

	comm := "system"
	if top := g.corr.TopRisk(); top != nil {
		comm = top.Comm
	}

	alert := alerts.Alert{
		Level:       level,
		TimestampNs: sample.TimestampNs,
		PID:         g.attrPID,
		Comm:        comm,
		Score:       result.CompositeScore,
		Reason:      reason,
	}

	if g.logger.Emit(&alert) {
		g.metrics.AlertsTotal.WithLabelValues(level.String()).Inc()
		g.persistAlert(ctx, &alert)
	}

	if g.cfg.Verbose {
		fmt.Printf("[detect] z_cmr=%.2f z_bmr=%.2f z_ipc=%.2f score=%.4f sustained=%d flags=%s\n",
			result.ZCacheMiss, result.ZBranchMiss, result.ZIPC,
			result.CompositeScore, result.SustainedCount, reason)
	}
}

func (g *Guardian) persistAlert(ctx context.Context, alert *alerts.Alert) {
	if g.db == nil {
		return
	}

	alertID, err := g.db.InsertAlert(&database.AlertRecord{
		TimestampNs: alert.TimestampNs,
		Level:       alert.Level.String(),
		PID:         alert.PID,
		Comm:        alert.Comm,
		Score:       alert.Score,
		Reason:      alert.Reason,
	})
	if err != nil {
		g.logger.Infof("alert not persisted: %v", err)
		return
	}

	if g.rulesDet != nil {
		for _, match := range g.rulesDet.CheckAlert(ctx, alert) {
			if err := g.rulesDet.StoreMatch(alertID, &match); err != nil {
				g.logger.Infof("rule match not persisted: %v", err)
			}
		}
	}
}

func (g *Guardian) statusSnapshot() web.StatusSnapshot {
	pct := 0.0
	if g.totalSamples > 0 {
		pct = float64(g.anomalySamples) / float64(g.totalSamples) * 100
	}
	return web.StatusSnapshot{
		Phase:          Phase(g.phase.Load()).String(),
		TotalSamples:   g.totalSamples,
		AnomalySamples: g.anomalySamples,
		DroppedSamples: g.sampler.Dropped(),
		RingFill:       g.rb.Count(),
		RingCapacity:   g.rb.Capacity(),
		AnomalyPercent: pct,
	}
}

func (g *Guardian) publishState() {
	status := g.statusSnapshot()
	g.metrics.RingFill.Set(float64(status.RingFill))
	if d := status.DroppedSamples; d > g.countedDrops {
		g.metrics.DroppedTotal.Add(float64(d - g.countedDrops))
		g.countedDrops = d
	}
	g.state.Publish(status, g.corr.Active(), g.engine.Baseline())
}

func (g *Guardian) logStatus() {
	status := g.statusSnapshot()
	g.logger.Infof("status: %d samples, %d anomalies (%.2f%%), rb_fill=%d",
		status.TotalSamples, status.AnomalySamples, status.AnomalyPercent, status.RingFill)
}

// cleanup runs on every exit path: join the sampler first, then release
// everything it fed.
func (g *Guardian) cleanup() {
	g.setPhase(PhaseShuttingDown)
	g.logger.Infof("shutting down...")

	if g.sampler != nil {
		g.sampler.Stop()
	}
	if g.pub != nil {
		g.pub.Close()
	}
	if g.rulesDet != nil {
		g.rulesDet.Close()
	}

	g.setPhase(PhaseDone)
}
