package gpualloc

import "github.com/gfxkit/gpualloc/backend"

// AllocationCreateInfo describes an allocation request beyond its size and alignment.
type AllocationCreateInfo struct {
	// Flags indicates specific allocation behaviors to activate or deactivate
	Flags AllocationCreateFlags
	// Usage describes the intended usage pattern, used to select a memory type
	Usage MemoryUsage

	// RequiredFlags are memory properties the selected memory type must have
	RequiredFlags backend.MemoryPropertyFlags
	// PreferredFlags are memory properties the selected memory type should ideally have
	PreferredFlags backend.MemoryPropertyFlags
	// MemoryTypeBits optionally restricts the acceptable memory types to the set bits.
	// 0 leaves all memory types acceptable
	MemoryTypeBits uint32

	// UserData is an arbitrary value stored with the allocation, retrievable with
	// Allocation.UserData
	UserData any
	// Name is an optional diagnostic name for the allocation. It appears in leak logs
	// and stats dumps
	Name string
}
