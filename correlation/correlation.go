// Package correlation aggregates per-sample anomaly scores into a
// per-process risk model: a fixed-size table of smoothed scores with
// time-windowed decay, so transient noise fades and sustained abnormal
// behavior accumulates against the process that caused it.
package correlation

import (
	"time"
)

// MaxTracked bounds the table. Inactive slots are reused in place; the
// table is never compacted.
const MaxTracked = 256

// alpha is the EMA smoothing factor: new scores weigh 30%.
const alpha = 0.3

// scoreFloor snaps decayed scores to zero to stop floating-point drift.
const scoreFloor = 1e-3

// suspiciousScore is the composite score above which a sample counts as
// suspicious for the entry's longitudinal counters.
const suspiciousScore = 0.5

// RiskEntry is one tracked process.
type RiskEntry struct {
	PID  int
	TID  int
	Comm string

	AnomalyScore      float32
	TotalSamples      uint64
	SuspiciousSamples uint64
	LastSeenNs        uint64
	Active            bool
}

// Engine is the fixed-size risk table. It is owned by the detection loop
// and is not safe for concurrent use.
type Engine struct {
	entries []RiskEntry
	count   int

	decayFactor float64
	window      time.Duration

	comms *commResolver
}

// NewEngine creates a table with the given decay factor and idle window.
func NewEngine(decayFactor float64, windowSec uint32) *Engine {
	return &Engine{
		entries:     make([]RiskEntry, MaxTracked),
		decayFactor: decayFactor,
		window:      time.Duration(windowSec) * time.Second,
		comms:       newCommResolver(),
	}
}

func (e *Engine) findOrCreate(pid, tid int) *RiskEntry {
	for i := 0; i < e.count; i++ {
		if e.entries[i].PID == pid && e.entries[i].Active {
			return &e.entries[i]
		}
	}

	for i := 0; i < e.count; i++ {
		if !e.entries[i].Active {
			e.entries[i] = RiskEntry{PID: pid, TID: tid, Active: true}
			e.entries[i].Comm = e.comms.resolve(pid)
			return &e.entries[i]
		}
	}

	if e.count >= MaxTracked {
		return nil
	}

	entry := &e.entries[e.count]
	e.count++
	*entry = RiskEntry{PID: pid, TID: tid, Active: true}
	entry.Comm = e.comms.resolve(pid)
	return entry
}

// Update folds one anomaly score into the entry for pid, creating or
// reusing a slot as needed. When the table is full the update is dropped.
func (e *Engine) Update(pid, tid int, score float32, timestampNs uint64) {
	entry := e.findOrCreate(pid, tid)
	if entry == nil {
		return
	}

	entry.TotalSamples++
	entry.LastSeenNs = timestampNs

	entry.AnomalyScore = alpha*score + (1-alpha)*entry.AnomalyScore

	if score > suspiciousScore {
		entry.SuspiciousSamples++
	}
}

// Decay attenuates every active entry and deactivates those idle past the
// window. Scores below the floor snap to zero.
func (e *Engine) Decay(nowNs uint64) {
	windowNs := uint64(e.window.Nanoseconds())

	for i := 0; i < e.count; i++ {
		entry := &e.entries[i]
		if !entry.Active {
			continue
		}

		if nowNs-entry.LastSeenNs > windowNs {
			entry.Active = false
			continue
		}

		entry.AnomalyScore *= float32(e.decayFactor)
		if entry.AnomalyScore < scoreFloor {
			entry.AnomalyScore = 0
		}
	}
}

// Lookup returns the active entry for pid, or nil.
func (e *Engine) Lookup(pid int) *RiskEntry {
	for i := 0; i < e.count; i++ {
		if e.entries[i].PID == pid && e.entries[i].Active {
			return &e.entries[i]
		}
	}
	return nil
}

// TopRisk returns the active entry with the greatest smoothed score, or
// nil when nothing is tracked.
func (e *Engine) TopRisk() *RiskEntry {
	var best *RiskEntry
	for i := 0; i < e.count; i++ {
		if !e.entries[i].Active {
			continue
		}
		if best == nil || e.entries[i].AnomalyScore > best.AnomalyScore {
			best = &e.entries[i]
		}
	}
	return best
}

// Active returns copies of all active entries, for the web API.
func (e *Engine) Active() []RiskEntry {
	var out []RiskEntry
	for i := 0; i < e.count; i++ {
		if e.entries[i].Active {
			out = append(out, e.entries[i])
		}
	}
	return out
}
