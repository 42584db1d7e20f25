// Package capacity derives the worker-pool ceiling from host resources.
// The ceiling is computed once at construction time and never revisited.
package capacity

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/mem"
)

// headroomWorkers is added on top of the memory-derived capacity so a few
// workers are always available for periodic housekeeping tasks even when the
// pool is saturated with real work.
const headroomWorkers = 7

// Settings mirrors the capacity section of the daemon config.
type Settings struct {
	// SystemMemory overrides probed host memory ("4Gi"); empty probes.
	SystemMemory string
	// MemPerWorker is the assumed memory cost per worker fork ("100Mi").
	MemPerWorker string
	// MemReserve is held back for the OS and the daemon itself ("2Gi").
	MemReserve string
}

// MaxWorkers computes the pool ceiling: memory-derived fork capacity plus
// headroom, never below minWorkers.
func MaxWorkers(s Settings, minWorkers int) (int, error) {
	var totalMem uint64
	if s.SystemMemory != "" {
		v, err := ParseMemString(s.SystemMemory)
		if err != nil {
			return 0, fmt.Errorf("capacity.system_memory: %w", err)
		}
		totalMem = v
	} else {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return 0, fmt.Errorf("probe host memory: %w", err)
		}
		// Round up to the next whole GiB; container limits are usually set
		// slightly under a round number.
		totalMem = ((vm.Total >> 30) + 1) << 30
	}

	perWorker, err := ParseMemString(s.MemPerWorker)
	if err != nil {
		return 0, fmt.Errorf("capacity.mem_per_worker: %w", err)
	}
	if perWorker == 0 {
		return 0, fmt.Errorf("capacity.mem_per_worker must be non-zero")
	}

	var reserve uint64
	if s.MemReserve != "" {
		reserve, err = ParseMemString(s.MemReserve)
		if err != nil {
			return 0, fmt.Errorf("capacity.mem_reserve: %w", err)
		}
	}

	maxWorkers := EffectiveWorkerCapacity(totalMem, reserve, perWorker) + headroomWorkers

	// The ceiling can't be below the floor.
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	return maxWorkers, nil
}

// EffectiveWorkerCapacity returns how many workers fit in totalMem after
// holding back reserve, at perWorker each. Always at least 1.
func EffectiveWorkerCapacity(totalMem, reserve, perWorker uint64) int {
	if totalMem <= reserve {
		return 1
	}
	n := (totalMem - reserve) / perWorker
	if n < 1 {
		return 1
	}
	return int(n)
}

// ParseMemString converts a memory amount with an optional binary or decimal
// suffix ("100Mi", "2Gi", "1G", "512K", plain bytes) to bytes.
func ParseMemString(s string) (uint64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("memory value is empty")
	}

	multipliers := map[string]uint64{
		"Ki": 1 << 10, "Mi": 1 << 20, "Gi": 1 << 30, "Ti": 1 << 40,
		"K": 1000, "M": 1000 * 1000, "G": 1000 * 1000 * 1000, "T": 1000 * 1000 * 1000 * 1000,
	}

	for _, suffix := range []string{"Ki", "Mi", "Gi", "Ti", "K", "M", "G", "T"} {
		if strings.HasSuffix(trimmed, suffix) {
			numPart := strings.TrimSuffix(trimmed, suffix)
			n, err := strconv.ParseUint(strings.TrimSpace(numPart), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid memory value %q: %w", s, err)
			}
			return n * multipliers[suffix], nil
		}
	}

	n, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory value %q: %w", s, err)
	}
	return n, nil
}
