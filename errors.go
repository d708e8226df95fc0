package gpualloc

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfMemory is returned when the backend cannot supply an additional block large
	// enough to satisfy an allocation request.
	ErrOutOfMemory = errors.New("the backend cannot supply enough memory to satisfy the request")
	// ErrInvalidHandle is returned when Free is called with an allocation that is unknown
	// to the allocator or has already been freed. The allocator's state is left untouched.
	ErrInvalidHandle = errors.New("the allocation does not correspond to a live allocation owned by this allocator")
	// ErrInvalidAlignment is returned when a requested alignment is not a power of two.
	ErrInvalidAlignment = errors.New("the requested alignment must be a power of two")
	// ErrNoSuitableMemoryType is returned when no backend memory type satisfies the
	// required property flags of an allocation request.
	ErrNoSuitableMemoryType = errors.New("no memory type satisfies the requested property flags")
	// ErrLeakedAllocations is returned from Destroy when allocations remain outstanding
	// and the allocator was created with LeakPolicyError. Outstanding handles at teardown
	// indicate a caller-side leak.
	ErrLeakedAllocations = errors.New("allocations were not freed before the destruction of this allocator")
)
