package correlation

import (
	"fmt"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

const unknownComm = "<unknown>"

// commCacheSize bounds the pid→comm cache. Entries for recycled pids age
// out by eviction; risk entries resolve once at creation anyway.
const commCacheSize = 512

// commResolver reads process names from /proc/<pid>/comm with an LRU cache
// in front so repeated slot churn does not hit the filesystem every time.
type commResolver struct {
	cache *lru.Cache
}

func newCommResolver() *commResolver {
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New(commCacheSize)
	return &commResolver{cache: cache}
}

func (r *commResolver) resolve(pid int) string {
	if pid <= 0 {
		return unknownComm
	}

	if comm, ok := r.cache.Get(pid); ok {
		return comm.(string)
	}

	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil || len(data) == 0 {
		return unknownComm
	}

	comm := strings.TrimSuffix(string(data), "\n")
	r.cache.Add(pid, comm)
	return comm
}
