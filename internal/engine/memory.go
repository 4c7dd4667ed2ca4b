package engine

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/mem"
)

const (
	minHeapSize = 256 << 20
	maxHeapSize = 4 << 30

	// DefaultMaxCallStackSize bounds JavaScript recursion depth in frames.
	DefaultMaxCallStackSize = 10000

	// cgroup v1 reports "unlimited" as a page-aligned value near MaxInt64.
	cgroupUnlimited = 1 << 62
)

// ResourceConstraints is the heap budget derived from host memory.
type ResourceConstraints struct {
	// MaxHeapSize bounds externally allocated memory (array buffers) per
	// isolate. Zero means no budget was configured.
	MaxHeapSize uint64
	// MaxCallStackSize bounds JavaScript recursion depth.
	MaxCallStackSize int
}

// Configured reports whether a heap budget applies.
func (c ResourceConstraints) Configured() bool {
	return c.MaxHeapSize > 0
}

// ConfigureDefaults derives constraints from the memory available to the
// process. A zero total leaves the heap unbudgeted.
func ConfigureDefaults(total uint64) ResourceConstraints {
	c := ResourceConstraints{MaxCallStackSize: DefaultMaxCallStackSize}
	if total == 0 {
		return c
	}
	c.MaxHeapSize = min(max(total/4, minHeapSize), maxHeapSize)
	return c
}

// MemoryProbe reports total physical memory and the cgroup limit, zero
// meaning unknown or unconstrained.
type MemoryProbe func() (total, constrained uint64)

// SystemMemory probes the host.
func SystemMemory() (total, constrained uint64) {
	if vm, err := mem.VirtualMemory(); err == nil {
		total = vm.Total
	}
	return total, CgroupMemoryLimit("/sys/fs/cgroup")
}

// AvailableMemory combines the probe results the way the heap budget uses
// them: the smaller of total and constrained memory when a limit applies.
func AvailableMemory(probe MemoryProbe) uint64 {
	total, constrained := probe()
	if constrained > 0 && (total == 0 || constrained < total) {
		return constrained
	}
	return total
}

// CgroupMemoryLimit reads the memory limit under root, trying the unified
// hierarchy first. Zero means no limit was found.
func CgroupMemoryLimit(root string) uint64 {
	if raw, err := os.ReadFile(filepath.Join(root, "memory.max")); err == nil {
		return parseLimit(raw)
	}
	if raw, err := os.ReadFile(filepath.Join(root, "memory", "memory.limit_in_bytes")); err == nil {
		return parseLimit(raw)
	}
	return 0
}

func parseLimit(raw []byte) uint64 {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "max" {
		return 0
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n >= cgroupUnlimited {
		return 0
	}
	return n
}
