package gpualloc

import (
	"golang.org/x/exp/constraints"
)

// flagsToString renders a flags bitmask using the provided name mapping, for logs and
// stats dumps.
func flagsToString[T constraints.Unsigned](flags T, mapping map[T]string) string {
	if flags == 0 {
		return "0"
	}

	var str string
	for flag := T(1); flag != 0 && flag <= flags; flag <<= 1 {
		if flags&flag == 0 {
			continue
		}

		name, ok := mapping[flag]
		if !ok {
			continue
		}
		if str != "" {
			str += "|"
		}
		str += name
	}

	return str
}

// AllocationCreateFlags indicate specific allocation behaviors to activate or deactivate
type AllocationCreateFlags uint32

const (
	// AllocationCreateNeverAllocate requires that the allocation be serviced from blocks
	// the allocator already owns. If no existing block has room, the allocation fails with
	// ErrOutOfMemory rather than requesting a new block from the backend
	AllocationCreateNeverAllocate AllocationCreateFlags = 1 << iota
	// AllocationCreateDedicatedMemory gives the allocation its own backend block instead
	// of suballocating from a shared one. Useful for resources that are known to be large
	// and long-lived
	AllocationCreateDedicatedMemory
	// AllocationCreateStrategyMinMemory chooses the smallest suitable free region for the
	// allocation to minimize fragmentation, possibly at the expense of allocation time
	AllocationCreateStrategyMinMemory
	// AllocationCreateStrategyMinTime chooses the first suitable free region for the
	// allocation to minimize allocation time
	AllocationCreateStrategyMinTime
)

// AllocationCreateStrategyMask covers all the strategy flags in AllocationCreateFlags
const AllocationCreateStrategyMask = AllocationCreateStrategyMinMemory | AllocationCreateStrategyMinTime

var allocationCreateFlagsMapping = map[AllocationCreateFlags]string{
	AllocationCreateNeverAllocate:     "AllocationCreateNeverAllocate",
	AllocationCreateDedicatedMemory:   "AllocationCreateDedicatedMemory",
	AllocationCreateStrategyMinMemory: "AllocationCreateStrategyMinMemory",
	AllocationCreateStrategyMinTime:   "AllocationCreateStrategyMinTime",
}

func (f AllocationCreateFlags) String() string {
	return flagsToString(f, allocationCreateFlagsMapping)
}

// MemoryUsage describes the intended usage pattern of an allocation, used to select a
// backend memory type when the caller does not name one directly.
type MemoryUsage uint32

const (
	// MemoryUsageUnknown applies no usage-based preferences. The caller should provide
	// RequiredFlags or PreferredFlags instead
	MemoryUsageUnknown MemoryUsage = iota
	// MemoryUsageGPUOnly prefers device-local memory that the host never touches
	MemoryUsageGPUOnly
	// MemoryUsageCPUToGPU requires host-visible memory, preferring memory that is also
	// device-local. Good for frequently updated resources like uniform buffers
	MemoryUsageCPUToGPU
	// MemoryUsageGPUToCPU requires host-visible memory, preferring memory that is cached
	// on the host. Good for readback
	MemoryUsageGPUToCPU
)

var memoryUsageMapping = map[MemoryUsage]string{
	MemoryUsageUnknown:  "MemoryUsageUnknown",
	MemoryUsageGPUOnly:  "MemoryUsageGPUOnly",
	MemoryUsageCPUToGPU: "MemoryUsageCPUToGPU",
	MemoryUsageGPUToCPU: "MemoryUsageGPUToCPU",
}

func (u MemoryUsage) String() string {
	return memoryUsageMapping[u]
}
