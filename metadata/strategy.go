package metadata

// AllocationStrategy exposes several options for choosing the location of a new memory allocation.
// If none is chosen, the first suitable free region is used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory selects the allocation strategy that chooses the smallest-possible
	// free region for the allocation to minimize memory usage and fragmentation, possibly at the
	// expense of allocation time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime selects the allocation strategy that chooses the first suitable free
	// region for the allocation to minimize allocation time, possibly at the expense of allocation
	// quality. Because free regions are scanned in offset order, this also produces the allocation
	// with the lowest available offset
	AllocationStrategyMinTime
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "AllocationStrategyMinMemory",
	AllocationStrategyMinTime:   "AllocationStrategyMinTime",
}

func (s AllocationStrategy) String() string {
	str, ok := allocationStrategyMapping[s]
	if !ok {
		return "AllocationStrategyUnknown"
	}
	return str
}
