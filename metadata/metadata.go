package metadata

import (
	"github.com/gfxkit/gpualloc/memutil"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// BlockMetadata represents a single large allocation of memory within some system. It manages
// suballocations within the block, allowing allocations to be requested and freed, as well as
// enumerated and queried.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It gives the implementation an opportunity
	// to ensure that metadata structures are prepared for allocations, as well as allows the consumer
	// to inform the implementation of the size in bytes of the block of memory it will be managing,
	// via the size parameter.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. When the implementation is
	// functioning correctly, it should not be possible for this method to return an error, but this
	// may assist in diagnosing issues with the implementation.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the implementation. This
	// number should generally be the number of successful allocations minus the number of successful
	// frees.
	AllocationCount() int
	// FreeRegionsCount returns the number of unique regions of free memory in the block. Adjacent
	// regions of free memory are always merged into a single region, so this is also a measure of
	// fragmentation.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the block.
	SumFreeSize() int
	// MayHaveFreeRegion returns a heuristic indicating whether the block could possibly support a
	// new allocation of the provided size. It must be fast and must not produce false negatives.
	// False positives are acceptable.
	MayHaveFreeRegion(size int) bool

	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the block, in offset order.
	VisitAllRegions(handleRegion func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error

	// AllocationOffset accepts a BlockAllocationHandle that maps to a live allocation within the
	// block and returns the offset in bytes within the block for that allocation's usable memory.
	//
	// The implementation must return an error if the provided handle does not map to a live
	// allocation within this block.
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData accepts a BlockAllocationHandle that maps to a live allocation within the
	// block and returns the userdata value provided by the consumer for that allocation.
	//
	// The implementation must return an error if the provided handle does not map to a live
	// allocation within this block.
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	// SetAllocationUserData accepts a BlockAllocationHandle that maps to a live allocation within
	// the block and a userData value. The allocation's userData is changed to the provided userData.
	//
	// The implementation must return an error if the provided handle does not map to a live
	// allocation within this block.
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	// AddDetailedStatistics sums this block's allocation statistics into the statistics currently
	// present in the provided memutil.DetailedStatistics object.
	AddDetailedStatistics(stats *memutil.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the statistics currently present
	// in the provided memutil.Statistics object.
	AddStatistics(stats *memutil.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json jwriter.ObjectState)

	// CreateAllocationRequest retrieves an AllocationRequest object indicating where and how the
	// implementation would prefer to allocate the requested memory. That object can be passed to
	// Alloc to commit the allocation.
	//
	// allocSize - the size in bytes of the requested allocation
	// allocAlignment - the minimum alignment of the requested allocation. The implementation may
	// increase the alignment above this value, but may not reduce it below this value
	// strategy - whether to prioritize memory usage or allocation speed when choosing a place for
	// the requested allocation
	CreateAllocationRequest(
		allocSize int, allocAlignment uint,
		strategy AllocationStrategy,
	) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest object, creating the suballocation within the block based
	// on the data described in the AllocationRequest. The implementation must return an error if
	// the allocation is no longer valid- i.e. the requested free region no longer exists, is not
	// free, or is no longer large enough to support the request.
	Alloc(request AllocationRequest, userData any) error

	// Free frees a suballocation within the block, causing it to become a free region once again.
	// Free regions adjacent to the freed suballocation are merged with it.
	//
	// The implementation must return an error if the provided handle does not map to a live
	// allocation within this block.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations.
type BlockMetadataBase struct {
	size         int
	minSplitSize int
}

// NewBlockMetadata creates a new BlockMetadataBase from a minimum-split threshold. When carving an
// allocation out of a free region would leave a leftover free region smaller than minSplitSize
// bytes, the leftover is absorbed into the allocation instead of being kept as a separate
// (pathologically small) free region.
func NewBlockMetadata(minSplitSize int) BlockMetadataBase {
	if minSplitSize < 1 {
		minSplitSize = 1
	}
	return BlockMetadataBase{
		size:         0,
		minSplitSize: minSplitSize,
	}
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// MinSplitSize returns the minimum leftover free region size that is worth tracking as its own
// region rather than absorbing into the neighboring allocation
func (m *BlockMetadataBase) MinSplitSize() int { return m.minSplitSize }

// BlockJsonData populates a json object with information about this block
func (m *BlockMetadataBase) BlockJsonData(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
