package metadata

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates
// where and how the metadata intends to allocate new memory. This allocation can be applied to the
// actual memory system consuming this package, and then committed to the metadata with
// BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle is a numeric handle used to identify individual allocations within
	// the metadata. It becomes live when the request is committed with BlockMetadata.Alloc
	BlockAllocationHandle BlockAllocationHandle
	// Size is the number of usable bytes that will be available at Item.Offset. It may be larger
	// than what was originally requested, when the leftover tail of the chosen free region was
	// too small to be worth keeping as its own free region
	Size int
	// Item is a Suballocation object indicating basic information about the allocation
	Item Suballocation

	// AlgorithmData is arbitrary data used by the BlockMetadata implementation for internal
	// purposes
	AlgorithmData uint64
}
