//go:build linux

package procpool

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// probeResourceUsage reads resident set size from /proc/<pid>/statm.
// GDI/USER handle counts have no Linux equivalent and are always 0.
func probeResourceUsage(pid int) (ResourceUsage, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("procpool: read statm for pid %d: %w", pid, err)
	}

	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return ResourceUsage{}, fmt.Errorf("procpool: unexpected statm format for pid %d", pid)
	}

	residentPages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("procpool: parse statm resident pages: %w", err)
	}

	pageSize := uint64(unix.Getpagesize())
	memoryMB := (residentPages * pageSize) / (1024 * 1024)

	return ResourceUsage{MemoryMB: memoryMB}, nil
}
