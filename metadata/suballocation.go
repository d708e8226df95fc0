package metadata

import "math"

// BlockAllocationHandle is a numeric handle that identifies a single live suballocation
// within a BlockMetadata. Handles are never reused for the lifetime of the metadata.
type BlockAllocationHandle uint64

const (
	// NoAllocation is the BlockAllocationHandle value used to indicate the absence of
	// an allocation, such as a free region.
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Suballocation describes the caller-visible portion of a region of memory within
// a block.
type Suballocation struct {
	Offset   int
	Size     int
	UserData any
}
