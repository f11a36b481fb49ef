//go:build linux

// Package pmu opens and reads a group of hardware performance counters
// through the perf_event_open syscall. Counters are opened as one event
// group led by the cycles counter so the kernel schedules them together,
// and every read carries the enabled/running times needed to correct for
// counter multiplexing.
package pmu

import (
	"encoding/binary"
	"fmt"
	"log"

	"golang.org/x/sys/unix"
)

// Fixed slot order of the counter group. Downstream code indexes readings
// by these positions; unopened slots read as zero.
const (
	IdxCycles = iota
	IdxInstructions
	IdxCacheMiss
	IdxBranchMiss
	IdxBranchInst
	IdxCacheRef
	NumCounters
)

// criticalMin is the number of counters that must open for the session to
// be usable: cycles and instructions.
const criticalMin = 2

// Reading is a snapshot of the six counters, already scaled for
// multiplexing. Slots that were never opened are zero.
type Reading struct {
	Cycles             uint64
	Instructions       uint64
	CacheMisses        uint64
	BranchMisses       uint64
	BranchInstructions uint64
	CacheReferences    uint64
}

// Session owns one open counter group. The fds slice is indexed by the
// Idx* constants; -1 marks a slot that failed to open.
type Session struct {
	fds    [NumCounters]int
	leader int
	cpu    int
	pid    int
}

func fillAttr(typ uint32, config uint64) unix.PerfEventAttr {
	return unix.PerfEventAttr{
		Type:        typ,
		Size:        unix.PERF_ATTR_SIZE_VER5,
		Config:      config,
		Bits:        unix.PerfBitDisabled | unix.PerfBitInherit,
		Read_format: unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING,
	}
}

func openOne(attr *unix.PerfEventAttr, pid, cpu, groupFd int) (int, error) {
	fd, err := unix.PerfEventOpen(attr, pid, cpu, groupFd, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("perf_event_open (type=%d config=%d pid=%d cpu=%d): %w",
			attr.Type, attr.Config, pid, cpu, err)
	}
	return fd, nil
}

type eventAlt struct {
	name   string
	typ    uint32
	config uint64
}

// openWithFallback tries each alternative in order and keeps the first that
// the kernel accepts. Returns -1 when every alternative fails.
func openWithFallback(pid, cpu, groupFd int, slot string, alts []eventAlt) int {
	for _, alt := range alts {
		attr := fillAttr(alt.typ, alt.config)
		fd, err := openOne(&attr, pid, cpu, groupFd)
		if err == nil {
			log.Printf("[pmu] opened event: %s (%s)", slot, alt.name)
			return fd
		}
	}
	log.Printf("[pmu] all alternatives failed for slot %s", slot)
	return -1
}

// Open opens the counter group for the given scope. pid=-1/cpu>=0 counts a
// whole CPU, pid>=0/cpu=-1 counts a process on any CPU. The invalid
// (-1, -1) combination is rewritten to the current process. Cycles and
// instructions are mandatory; the remaining slots degrade gracefully. The
// group is reset and enabled before Open returns.
func Open(cpu, pid int) (*Session, error) {
	Preflight()

	if pid == -1 && cpu == -1 {
		log.Printf("[pmu] invalid pid/cpu combination (both -1), defaulting to current process")
		pid = 0
	}

	s := &Session{leader: -1, cpu: cpu, pid: pid}
	for i := range s.fds {
		s.fds[i] = -1
	}

	// Some hypervisors reject cpu=-1 with ENOENT. Probe once with a
	// throwaway cycles event and fall back to cpu 0.
	if s.cpu == -1 {
		attr := fillAttr(unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES)
		fd, err := unix.PerfEventOpen(&attr, pid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err == unix.ENOENT {
			log.Printf("[pmu] cpu=-1 not supported (ENOENT), using cpu=0")
			s.cpu = 0
		} else if err == nil {
			unix.Close(fd)
		}
	}

	attr := fillAttr(unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES)
	fd, err := openOne(&attr, pid, s.cpu, -1)
	if err != nil {
		return nil, fmt.Errorf("cycles counter: %w", err)
	}
	s.fds[IdxCycles] = fd
	s.leader = fd
	log.Printf("[pmu] opened event: CPU_CYCLES")

	attr = fillAttr(unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS)
	fd, err = openOne(&attr, pid, s.cpu, s.leader)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("instructions counter: %w", err)
	}
	s.fds[IdxInstructions] = fd
	log.Printf("[pmu] opened event: INSTRUCTIONS")

	s.fds[IdxCacheMiss] = openWithFallback(pid, s.cpu, s.leader, "CACHE_MISSES/fallback", []eventAlt{
		{"HW_CACHE_MISSES", unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_MISSES},
		{"HW_CACHE_REFERENCES", unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_REFERENCES},
		{"SW_CPU_CLOCK", unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_CPU_CLOCK},
	})

	optional := []struct {
		idx    int
		name   string
		config uint64
	}{
		{IdxBranchMiss, "BRANCH_MISSES", unix.PERF_COUNT_HW_BRANCH_MISSES},
		{IdxBranchInst, "BRANCH_INSTRUCTIONS", unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS},
		{IdxCacheRef, "CACHE_REFERENCES", unix.PERF_COUNT_HW_CACHE_REFERENCES},
	}
	for _, ev := range optional {
		attr = fillAttr(unix.PERF_TYPE_HARDWARE, ev.config)
		if fd, err := openOne(&attr, pid, s.cpu, s.leader); err == nil {
			s.fds[ev.idx] = fd
			log.Printf("[pmu] opened event: %s", ev.name)
		}
	}

	if n := s.CountOpen(); n < criticalMin {
		s.Close()
		return nil, fmt.Errorf("insufficient counters open (%d), need at least %d (cycles, instructions)", n, criticalMin)
	}

	if err := s.Reset(); err != nil {
		log.Printf("[pmu] group reset failed: %v", err)
	}
	if err := s.Enable(); err != nil {
		s.Close()
		return nil, fmt.Errorf("group enable: %w", err)
	}

	return s, nil
}

// CountOpen returns the number of successfully opened counters.
func (s *Session) CountOpen() int {
	n := 0
	for _, fd := range s.fds {
		if fd >= 0 {
			n++
		}
	}
	return n
}

// scale applies the multiplexing correction: a counter that ran for only
// part of its enabled time is extrapolated linearly; a counter that never
// ran reads as zero.
func scale(value, enabled, running uint64) uint64 {
	if running == 0 {
		return 0
	}
	if running < enabled {
		return uint64(float64(value) * (float64(enabled) / float64(running)))
	}
	return value
}

func readScaled(fd int) (uint64, error) {
	var buf [24]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short read (%d bytes)", n)
	}
	value := binary.LittleEndian.Uint64(buf[0:8])
	enabled := binary.LittleEndian.Uint64(buf[8:16])
	running := binary.LittleEndian.Uint64(buf[16:24])
	return scale(value, enabled, running), nil
}

// Read fills out with scaled values from every open slot. Unopened slots
// are zero. A read error on any open slot fails the whole read.
func (s *Session) Read(out *Reading) error {
	var vals [NumCounters]uint64
	for i, fd := range s.fds {
		if fd < 0 {
			continue
		}
		v, err := readScaled(fd)
		if err != nil {
			return fmt.Errorf("counter %d: %w", i, err)
		}
		vals[i] = v
	}

	out.Cycles = vals[IdxCycles]
	out.Instructions = vals[IdxInstructions]
	out.CacheMisses = vals[IdxCacheMiss]
	out.BranchMisses = vals[IdxBranchMiss]
	out.BranchInstructions = vals[IdxBranchInst]
	out.CacheReferences = vals[IdxCacheRef]
	return nil
}

func (s *Session) groupIoctl(req uint) error {
	if s.leader < 0 {
		return fmt.Errorf("pmu: session not open")
	}
	return unix.IoctlSetInt(s.leader, req, unix.PERF_IOC_FLAG_GROUP)
}

// Reset zeroes every counter in the group.
func (s *Session) Reset() error { return s.groupIoctl(unix.PERF_EVENT_IOC_RESET) }

// Enable starts the whole group counting.
func (s *Session) Enable() error { return s.groupIoctl(unix.PERF_EVENT_IOC_ENABLE) }

// Disable stops the whole group.
func (s *Session) Disable() error { return s.groupIoctl(unix.PERF_EVENT_IOC_DISABLE) }

// Close releases every descriptor and nullifies the leader. Safe to call
// more than once.
func (s *Session) Close() {
	for i, fd := range s.fds {
		if fd >= 0 {
			unix.Close(fd)
			s.fds[i] = -1
		}
	}
	s.leader = -1
}
