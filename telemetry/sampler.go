//go:build linux

package telemetry

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jnesss/cpu-guardian/pmu"
)

// Sink receives samples from the sampler. Push must never block; it reports
// false when the sample was dropped. The ring buffer satisfies this.
type Sink interface {
	Push(*Sample) bool
}

// Sampler is the background worker that periodically reads the PMU, turns
// cumulative counters into per-interval deltas, and pushes samples into the
// sink. It owns its PMU session for the lifetime of the loop.
type Sampler struct {
	interval time.Duration
	cpu      int
	pid      int

	stop    atomic.Bool
	wg      sync.WaitGroup
	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// NewSampler configures a sampler for the given scope. cpu >= 0 also pins
// the worker thread to that CPU to reduce migration-induced counter noise.
func NewSampler(intervalUs uint32, cpu, pid int) *Sampler {
	return &Sampler{
		interval: time.Duration(intervalUs) * time.Microsecond,
		cpu:      cpu,
		pid:      pid,
	}
}

// Pushed returns the number of samples handed to the sink so far.
func (sm *Sampler) Pushed() uint64 { return sm.pushed.Load() }

// Dropped returns the number of samples the sink rejected (ring full).
// Counters keep accumulating, so the next accepted sample carries the
// cumulative delta.
func (sm *Sampler) Dropped() uint64 { return sm.dropped.Load() }

// Start opens the PMU session on the worker goroutine and begins sampling.
// The error channel it returns delivers exactly one value: nil once the
// session is open, or the open failure.
func (sm *Sampler) Start(sink Sink) <-chan error {
	ready := make(chan error, 1)
	sm.wg.Add(1)
	go sm.loop(sink, ready)
	return ready
}

// Stop signals the worker and joins it. The PMU session is disabled and
// closed on the worker's own exit path.
func (sm *Sampler) Stop() {
	sm.stop.Store(true)
	sm.wg.Wait()
}

func (sm *Sampler) loop(sink Sink, ready chan<- error) {
	defer sm.wg.Done()

	// The PMU session and the affinity mask are both per-thread concerns.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	sm.pinToCPU()

	session, err := pmu.Open(sm.cpu, sm.pid)
	if err != nil {
		ready <- err
		return
	}
	defer session.Close()
	defer session.Disable()

	log.Printf("[telemetry] PMU counters initialized successfully (%d open)", session.CountOpen())
	ready <- nil

	var prev pmu.Reading
	havePrev := false

	for !sm.stop.Load() {
		time.Sleep(sm.interval)

		var cur pmu.Reading
		if err := session.Read(&cur); err != nil {
			// Keep the previous snapshot; the next good read still
			// yields a correct cumulative delta.
			continue
		}

		if havePrev {
			delta := pmu.Reading{
				Cycles:             cur.Cycles - prev.Cycles,
				Instructions:       cur.Instructions - prev.Instructions,
				CacheMisses:        cur.CacheMisses - prev.CacheMisses,
				BranchMisses:       cur.BranchMisses - prev.BranchMisses,
				BranchInstructions: cur.BranchInstructions - prev.BranchInstructions,
				CacheReferences:    cur.CacheReferences - prev.CacheReferences,
			}
			sample := FromDelta(NowNs(), &delta)
			if !sink.Push(&sample) {
				// Keep the previous snapshot so the next accepted
				// sample carries the cumulative delta.
				sm.dropped.Add(1)
				continue
			}
			sm.pushed.Add(1)
		}

		prev = cur
		havePrev = true
	}
}

func (sm *Sampler) pinToCPU() {
	if sm.cpu < 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(sm.cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		log.Printf("[telemetry] failed to pin to CPU %d: %v", sm.cpu, err)
	}
}
