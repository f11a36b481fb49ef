//go:build linux

package pmu

import (
	"bufio"
	"log"
	"os"
	"strconv"
	"strings"
)

const paranoidPath = "/proc/sys/kernel/perf_event_paranoid"

// maxParanoid is the highest perf_event_paranoid level at which hardware
// counters are still generally usable for an unconfined root process.
const maxParanoid = 2

// Preflight emits diagnostics for the two most common causes of counter
// failures: a restrictive perf_event_paranoid setting and virtualized
// environments that hide the PMU. Neither condition is fatal.
func Preflight() {
	warnParanoid()
	detectHypervisor()
}

func warnParanoid() {
	data, err := os.ReadFile(paranoidPath)
	if err != nil {
		return
	}
	val, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return
	}
	if val > maxParanoid {
		log.Printf("[pmu] WARNING: perf_event_paranoid=%d (max %d recommended) — hardware counters may fail",
			val, maxParanoid)
	}
}

func detectHypervisor() {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "hypervisor") {
			log.Printf("[pmu] running inside virtualized environment — PMU may be restricted")
			return
		}
	}
}
