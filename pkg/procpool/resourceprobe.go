package procpool

// ResourceUsage reports probe-derived resource consumption for one worker
// process, consulted by the recycle predicate (spec.md §4.5).
type ResourceUsage struct {
	MemoryMB     uint64
	GdiHandles   uint64
	UserHandles  uint64
	TotalHandles uint64
}

// probeResourceUsage is implemented per platform:
//   - resourceprobe_linux.go   (resident pages from /proc/<pid>/statm)
//   - resourceprobe_darwin.go  (memory unsupported without cgo: returns 0)
//   - resourceprobe_other.go   (all fields 0)
//
// A platform that cannot measure a given dimension reports 0 for it, so
// the corresponding threshold in PoolConfig simply never fires there.
// A probe returning a non-nil error is treated by the caller as "the
// worker is lost" per spec.md §4.5.
