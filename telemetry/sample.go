// Package telemetry defines the sample that flows through the detection
// pipeline and the background sampler that produces one per interval from
// PMU counter deltas.
package telemetry

import (
	"time"

	"github.com/jnesss/cpu-guardian/pmu"
)

// Sample is one interval of counter deltas plus the derived ratios the
// anomaly engine consumes. Samples are value types: they are copied into
// and out of the ring buffer and never aliased.
type Sample struct {
	TimestampNs uint64

	CacheReferences    uint64
	CacheMisses        uint64
	BranchInstructions uint64
	BranchMisses       uint64
	Cycles             uint64
	Instructions       uint64

	CacheMissRate  float32
	BranchMissRate float32
	IPC            float32
}

// FromDelta builds a sample from one interval's counter deltas. Each
// derived ratio is zero when its denominator is zero.
func FromDelta(tsNs uint64, d *pmu.Reading) Sample {
	s := Sample{
		TimestampNs:        tsNs,
		CacheReferences:    d.CacheReferences,
		CacheMisses:        d.CacheMisses,
		BranchInstructions: d.BranchInstructions,
		BranchMisses:       d.BranchMisses,
		Cycles:             d.Cycles,
		Instructions:       d.Instructions,
	}
	if d.Instructions > 0 {
		s.CacheMissRate = float32(d.CacheMisses) / float32(d.Instructions)
	}
	if d.BranchInstructions > 0 {
		s.BranchMissRate = float32(d.BranchMisses) / float32(d.BranchInstructions)
	}
	if d.Cycles > 0 {
		s.IPC = float32(d.Instructions) / float32(d.Cycles)
	}
	return s
}

var bootTime = time.Now()

// NowNs returns a monotonic timestamp in nanoseconds. Go's time.Since is
// backed by the monotonic clock, so the value never goes backwards.
func NowNs() uint64 {
	return uint64(time.Since(bootTime).Nanoseconds())
}
