package crumbles

import (
	"runtime/debug"
	"sort"
	"sync"
)

// region records the address range an *Mmap occupies, for the process-wide
// fault-dispatch table of §4.1 ("register the region's address range in a
// process-global, RW-locked interval map keyed by address so the shared
// handler can dispatch").
type region struct {
	start, end uintptr
	mm         *Mmap
}

var (
	regionInitOnce sync.Once
	regionsMu      sync.RWMutex
	regions        []region // kept sorted by start, for binary search

	// faultRetryLimit bounds the fault-simulation retry loop so a genuinely
	// broken mapping cannot spin the process forever (§4.1 "Failure modes").
	faultRetryLimit = 8
)

// initProcessFaultHandling arms Go's own fault-to-panic conversion once per
// process. Go cannot install a foreign SIGSEGV/SIGBUS handler without cgo,
// so this is the closest faithful analogue: an invalid access inside
// tryCopy (access.go) becomes a recoverable runtime.Error instead of an
// immediate process crash, letting guardedCopy resolve it the same way the
// native handler of §4.1 would. See DESIGN.md for the full rationale.
func initProcessFaultHandling() {
	regionInitOnce.Do(func() {
		debug.SetPanicOnFault(true)
	})
}

// registerRegion adds mm's address range to the global dispatch table.
func registerRegion(mm *Mmap) {
	regionsMu.Lock()
	defer regionsMu.Unlock()

	r := region{start: mm.addrStart, end: mm.addrEnd, mm: mm}
	i := sort.Search(len(regions), func(i int) bool { return regions[i].start >= r.start })
	regions = append(regions, region{})
	copy(regions[i+1:], regions[i:])
	regions[i] = r
}

// unregisterRegion removes mm's address range from the dispatch table, once
// the region has been unmapped.
func unregisterRegion(mm *Mmap) {
	regionsMu.Lock()
	defer regionsMu.Unlock()

	for i, r := range regions {
		if r.mm == mm {
			regions = append(regions[:i], regions[i+1:]...)
			return
		}
	}
}

// lookupRegion finds the *Mmap whose address range contains addr, the
// read-only hot path a shared handler takes on every fault (§5 "Shared-
// resource policy").
func lookupRegion(addr uintptr) *Mmap {
	regionsMu.RLock()
	defer regionsMu.RUnlock()

	i := sort.Search(len(regions), func(i int) bool { return regions[i].end > addr })
	if i < len(regions) && regions[i].start <= addr && addr < regions[i].end {
		return regions[i].mm
	}
	return nil
}
