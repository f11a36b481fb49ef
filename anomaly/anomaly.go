// Package anomaly implements the two-phase statistical engine: a learning
// phase accumulates single-pass running statistics for the three derived
// metrics, and after baseline finalization each sample is z-scored against
// the baseline with burst and oscillation pattern recognition layered on top.
package anomaly

import (
	"log"
	"math"
	"strings"

	"github.com/jnesss/cpu-guardian/telemetry"
)

// Flag bits set on a detection result.
const (
	FlagCacheMissSpike uint32 = 1 << iota
	FlagBranchMissSpike
	FlagIPCCollapse
	FlagBurstPattern
	FlagOscillation
)

// minStd is the floor below which a standard deviation is treated as zero.
// A flat baseline then yields z=0 instead of NaN or a synthetic spike.
const minStd = 1e-12

// Result is the per-sample detection output.
type Result struct {
	ZCacheMiss  float64
	ZBranchMiss float64
	ZIPC        float64

	CompositeScore float64
	Flags          uint32
	SustainedCount uint32
}

// Engine holds the running statistics, the finalized baseline, and the
// pattern-recognition state. It is owned by the detection loop and is not
// safe for concurrent use.
type Engine struct {
	zThreshold  float64
	burstWindow uint32

	sumCMR, sumCMR2 float64
	sumBMR, sumBMR2 float64
	sumIPC, sumIPC2 float64
	n               uint64

	baseline Baseline

	recentCMR []float32
	recentIdx int

	consecutiveAnomalies uint32
}

// NewEngine creates an engine with the given z-score threshold and burst
// window (also the size of the oscillation window).
func NewEngine(zThreshold float64, burstWindow uint32) *Engine {
	if burstWindow == 0 {
		burstWindow = 1
	}
	return &Engine{
		zThreshold:  zThreshold,
		burstWindow: burstWindow,
		recentCMR:   make([]float32, burstWindow),
	}
}

// Baseline returns a copy of the current baseline profile.
func (e *Engine) Baseline() Baseline {
	return e.baseline
}

// SampleCount returns the number of samples learned so far.
func (e *Engine) SampleCount() uint64 {
	return e.n
}

// Learn folds one sample into the running sums. Samples are not retained.
func (e *Engine) Learn(s *telemetry.Sample) {
	cmr := float64(s.CacheMissRate)
	bmr := float64(s.BranchMissRate)
	ipc := float64(s.IPC)

	e.sumCMR += cmr
	e.sumCMR2 += cmr * cmr
	e.sumBMR += bmr
	e.sumBMR2 += bmr * bmr
	e.sumIPC += ipc
	e.sumIPC2 += ipc * ipc
	e.n++
}

// FinalizeBaseline computes mean and standard deviation from the running
// sums and latches the baseline ready. Variance is clamped at zero to
// absorb floating-point rounding. Calling it again is a no-op.
func (e *Engine) FinalizeBaseline() {
	if e.n < 1 || e.baseline.Ready {
		return
	}

	n := float64(e.n)
	e.baseline.MeanCacheMissRate = e.sumCMR / n
	e.baseline.MeanBranchMissRate = e.sumBMR / n
	e.baseline.MeanIPC = e.sumIPC / n

	var varCMR, varBMR, varIPC float64
	if e.n >= 2 {
		varCMR = e.sumCMR2/n - e.baseline.MeanCacheMissRate*e.baseline.MeanCacheMissRate
		varBMR = e.sumBMR2/n - e.baseline.MeanBranchMissRate*e.baseline.MeanBranchMissRate
		varIPC = e.sumIPC2/n - e.baseline.MeanIPC*e.baseline.MeanIPC
		varCMR = math.Max(varCMR, 0)
		varBMR = math.Max(varBMR, 0)
		varIPC = math.Max(varIPC, 0)
	}

	e.baseline.StdCacheMissRate = math.Sqrt(varCMR)
	e.baseline.StdBranchMissRate = math.Sqrt(varBMR)
	e.baseline.StdIPC = math.Sqrt(varIPC)
	e.baseline.SampleCount = e.n
	e.baseline.Ready = true

	log.Printf("[anomaly] baseline computed from %d samples", e.n)
	log.Printf("  cache_miss_rate  mean=%.6f std=%.6f", e.baseline.MeanCacheMissRate, e.baseline.StdCacheMissRate)
	log.Printf("  branch_miss_rate mean=%.6f std=%.6f", e.baseline.MeanBranchMissRate, e.baseline.StdBranchMissRate)
	log.Printf("  ipc              mean=%.6f std=%.6f", e.baseline.MeanIPC, e.baseline.StdIPC)
}

func computeZ(value, mean, std float64) float64 {
	if std < minStd {
		return 0
	}
	return (value - mean) / std
}

// detectOscillation counts direction changes in the first difference over
// the circular window, walking newest to oldest. Zero differences neither
// count nor reset the previous direction.
func detectOscillation(buf []float32, idx int) bool {
	size := len(buf)
	if size < 4 {
		return false
	}

	directionChanges := 0
	prevDir := 0

	for i := 1; i < size; i++ {
		a := (idx + size - i) % size
		b := (idx + size - i - 1) % size
		diff := buf[a] - buf[b]
		dir := 0
		if diff > 0 {
			dir = 1
		} else if diff < 0 {
			dir = -1
		}
		if dir != 0 && dir != prevDir && prevDir != 0 {
			directionChanges++
		}
		if dir != 0 {
			prevDir = dir
		}
	}

	return directionChanges >= size/2
}

// Detect evaluates one sample against the baseline. Before the baseline is
// ready every field of the result is zero.
func (e *Engine) Detect(s *telemetry.Sample) Result {
	var r Result
	if !e.baseline.Ready {
		return r
	}

	cmr := float64(s.CacheMissRate)
	bmr := float64(s.BranchMissRate)
	ipc := float64(s.IPC)

	r.ZCacheMiss = computeZ(cmr, e.baseline.MeanCacheMissRate, e.baseline.StdCacheMissRate)
	r.ZBranchMiss = computeZ(bmr, e.baseline.MeanBranchMissRate, e.baseline.StdBranchMissRate)
	r.ZIPC = computeZ(ipc, e.baseline.MeanIPC, e.baseline.StdIPC)

	anomalous := false

	if r.ZCacheMiss > e.zThreshold {
		r.Flags |= FlagCacheMissSpike
		anomalous = true
	}
	if r.ZBranchMiss > e.zThreshold {
		r.Flags |= FlagBranchMissSpike
		anomalous = true
	}
	// Only drops matter for IPC: contention depresses throughput.
	if r.ZIPC < -e.zThreshold {
		r.Flags |= FlagIPCCollapse
		anomalous = true
	}

	e.recentCMR[e.recentIdx] = float32(cmr)
	e.recentIdx = (e.recentIdx + 1) % len(e.recentCMR)

	if anomalous {
		e.consecutiveAnomalies++
		if e.consecutiveAnomalies >= e.burstWindow {
			r.Flags |= FlagBurstPattern
		}
	} else {
		e.consecutiveAnomalies = 0
	}
	r.SustainedCount = e.consecutiveAnomalies

	if detectOscillation(e.recentCMR, e.recentIdx) {
		r.Flags |= FlagOscillation
	}

	maxZ := math.Abs(r.ZCacheMiss)
	maxZ = math.Max(maxZ, math.Abs(r.ZBranchMiss))
	maxZ = math.Max(maxZ, math.Abs(r.ZIPC))

	r.CompositeScore = 1.0 - 1.0/(1.0+maxZ/e.zThreshold)
	r.CompositeScore = math.Min(math.Max(r.CompositeScore, 0), 1)

	return r
}

var flagNames = []struct {
	bit  uint32
	name string
}{
	{FlagCacheMissSpike, "cache_miss_spike"},
	{FlagBranchMissSpike, "branch_miss_spike"},
	{FlagIPCCollapse, "ipc_collapse"},
	{FlagBurstPattern, "burst_pattern"},
	{FlagOscillation, "oscillation"},
}

// FlagsString renders a flag bitmask as space-separated names, "none" for
// an empty mask.
func FlagsString(flags uint32) string {
	if flags == 0 {
		return "none"
	}
	var parts []string
	for _, f := range flagNames {
		if flags&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, " ")
}
