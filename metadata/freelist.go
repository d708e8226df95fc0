package metadata

import (
	"sort"
	"sync/atomic"

	"github.com/dolthub/swiss"
	"github.com/gfxkit/gpualloc/memutil"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

// suballocation is a single region of memory within the block. The regions in a
// FreeListBlockMetadata partition the block exactly: no gaps, no overlaps.
type suballocation struct {
	// offset is where this region begins within the block
	offset int
	// size is the full size of this region in bytes, alignment padding included
	size int
	// padding is the number of bytes between offset and the start of the caller-visible
	// memory. Always 0 for free regions
	padding  int
	userData any
	// handle is NoAllocation for free regions
	handle BlockAllocationHandle
}

func (s *suballocation) isFree() bool {
	return s.handle == NoAllocation
}

// FreeListBlockMetadata is a BlockMetadata implementation that tracks regions in an
// offset-ordered list and allocates with a first-fit scan (or best-fit, when requested
// via AllocationStrategyMinMemory). Adjacent free regions are merged eagerly on Free,
// so fragmentation only ever comes from live allocations.
type FreeListBlockMetadata struct {
	BlockMetadataBase

	allocCount int
	freeCount  int
	freeBytes  int

	// regions is ordered by offset and partitions [0, Size()) exactly
	regions []suballocation
	// handleOffsets maps a live allocation's handle to its region's offset. Region
	// offsets never change while an allocation is live, so the mapping is stable
	handleOffsets        *swiss.Map[BlockAllocationHandle, int]
	nextAllocationHandle uint64
}

var _ BlockMetadata = &FreeListBlockMetadata{}

// NewFreeListBlockMetadata creates a new FreeListBlockMetadata with the provided
// minimum-split threshold. Init must be called before use.
func NewFreeListBlockMetadata(minSplitSize int) *FreeListBlockMetadata {
	return &FreeListBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(minSplitSize),
	}
}

func (m *FreeListBlockMetadata) Init(size int) {
	if size < 1 {
		panic("attempted to initialize block metadata with an empty block")
	}

	m.BlockMetadataBase.Init(size)

	m.allocCount = 0
	m.freeCount = 1
	m.freeBytes = size
	m.regions = []suballocation{
		{
			offset: 0,
			size:   size,
			handle: NoAllocation,
		},
	}
	m.handleOffsets = swiss.NewMap[BlockAllocationHandle, int](48)
}

func (m *FreeListBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *FreeListBlockMetadata) FreeRegionsCount() int {
	return m.freeCount
}

func (m *FreeListBlockMetadata) SumFreeSize() int {
	return m.freeBytes
}

func (m *FreeListBlockMetadata) MayHaveFreeRegion(size int) bool {
	return m.freeBytes >= size
}

func (m *FreeListBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

// regionIndex locates the region that begins at exactly the provided offset.
func (m *FreeListBlockMetadata) regionIndex(offset int) (int, bool) {
	index := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].offset >= offset
	})

	if index >= len(m.regions) || m.regions[index].offset != offset {
		return -1, false
	}

	return index, true
}

// liveRegion maps a handle to its region index, verifying the handle identifies a
// live allocation.
func (m *FreeListBlockMetadata) liveRegion(allocHandle BlockAllocationHandle) (int, error) {
	offset, ok := m.handleOffsets.Get(allocHandle)
	if !ok {
		return -1, errors.New("received a handle that was incompatible with this metadata")
	}

	index, ok := m.regionIndex(offset)
	if !ok || m.regions[index].isFree() || m.regions[index].handle != allocHandle {
		panic("the handle table and the region list do not agree- the metadata has been corrupted")
	}

	return index, nil
}

func (m *FreeListBlockMetadata) Validate() error {
	if m.freeBytes > m.Size() {
		return errors.New("invalid metadata free size")
	}
	if len(m.regions) == 0 {
		return errors.New("the region list is empty- even an empty block should have a single free region")
	}

	var calculatedFreeBytes, calculatedFreeCount, calculatedAllocCount int
	nextOffset := 0

	for regionIndex := 0; regionIndex < len(m.regions); regionIndex++ {
		region := &m.regions[regionIndex]

		if region.offset != nextOffset {
			return errors.Errorf("the region at index %d should begin at offset %d, but begins at %d- the block is no longer exactly partitioned", regionIndex, nextOffset, region.offset)
		}
		if region.size < 1 {
			return errors.Errorf("the region at offset %d has an invalid size %d", region.offset, region.size)
		}
		nextOffset = region.offset + region.size

		if region.isFree() {
			if region.userData != nil {
				return errors.Errorf("the free region at offset %d has userdata attached", region.offset)
			}
			if region.padding != 0 {
				return errors.Errorf("the free region at offset %d has alignment padding", region.offset)
			}
			if regionIndex+1 < len(m.regions) && m.regions[regionIndex+1].isFree() {
				return errors.Errorf("the free regions at offsets %d and %d are adjacent but have not been merged", region.offset, m.regions[regionIndex+1].offset)
			}

			calculatedFreeCount++
			calculatedFreeBytes += region.size
			continue
		}

		if region.padding >= region.size {
			return errors.Errorf("the allocation at offset %d consists entirely of alignment padding", region.offset)
		}

		mappedOffset, ok := m.handleOffsets.Get(region.handle)
		if !ok {
			return errors.Errorf("the allocation at offset %d is missing from the handle table", region.offset)
		}
		if mappedOffset != region.offset {
			return errors.Errorf("the allocation at offset %d is mapped to offset %d in the handle table", region.offset, mappedOffset)
		}

		calculatedAllocCount++
	}

	if nextOffset != m.Size() {
		return errors.Errorf("the full size of the metadata is %d, but the regions only added up to %d", m.Size(), nextOffset)
	}
	if calculatedFreeBytes != m.freeBytes {
		return errors.Errorf("the free size of the metadata is %d, but the free regions only added up to %d", m.freeBytes, calculatedFreeBytes)
	}
	if calculatedFreeCount != m.freeCount {
		return errors.Errorf("the free region count of the metadata is %d, but there were only %d free regions", m.freeCount, calculatedFreeCount)
	}
	if calculatedAllocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the live regions only added up to %d", m.allocCount, calculatedAllocCount)
	}
	if m.handleOffsets.Count() != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the handle table has %d entries", m.allocCount, m.handleOffsets.Count())
	}

	return nil
}

func (m *FreeListBlockMetadata) VisitAllRegions(handleRegion func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for regionIndex := 0; regionIndex < len(m.regions); regionIndex++ {
		region := &m.regions[regionIndex]

		var err error
		if region.isFree() {
			err = handleRegion(NoAllocation, region.offset, region.size, nil, true)
		} else {
			err = handleRegion(region.handle, region.offset+region.padding, region.size-region.padding, region.userData, false)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *FreeListBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	index, err := m.liveRegion(allocHandle)
	if err != nil {
		return 0, err
	}

	region := &m.regions[index]
	return region.offset + region.padding, nil
}

func (m *FreeListBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	index, err := m.liveRegion(allocHandle)
	if err != nil {
		return nil, err
	}

	return m.regions[index].userData, nil
}

func (m *FreeListBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	index, err := m.liveRegion(allocHandle)
	if err != nil {
		return err
	}

	m.regions[index].userData = userData
	return nil
}

func (m *FreeListBlockMetadata) AddDetailedStatistics(stats *memutil.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()

	for regionIndex := 0; regionIndex < len(m.regions); regionIndex++ {
		region := &m.regions[regionIndex]
		if region.isFree() {
			stats.AddUnusedRange(region.size)
		} else {
			stats.AddAllocation(region.size)
		}
	}
}

func (m *FreeListBlockMetadata) AddStatistics(stats *memutil.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.freeBytes
}

func (m *FreeListBlockMetadata) Clear() {
	size := m.Size()

	m.allocCount = 0
	m.freeCount = 1
	m.freeBytes = size
	m.regions = m.regions[:0]
	m.regions = append(m.regions, suballocation{
		offset: 0,
		size:   size,
		handle: NoAllocation,
	})
	m.handleOffsets = swiss.NewMap[BlockAllocationHandle, int](48)
}

func (m *FreeListBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.freeBytes, m.allocCount, m.freeCount)
}

func (m *FreeListBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	strategy AllocationStrategy,
) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}
	if allocAlignment == 0 {
		allocAlignment = 1
	}
	memutil.DebugCheckPow2(allocAlignment, "allocAlignment")
	memutil.DebugValidate(m)

	if !m.MayHaveFreeRegion(allocSize) {
		return false, allocRequest, nil
	}

	bestIndex := -1
	bestLeftover := 0

	for regionIndex := 0; regionIndex < len(m.regions); regionIndex++ {
		region := &m.regions[regionIndex]
		if !region.isFree() {
			continue
		}

		alignedOffset := memutil.AlignUp(region.offset, allocAlignment)
		needed := (alignedOffset - region.offset) + allocSize
		if region.size < needed {
			continue
		}

		leftover := region.size - needed
		if bestIndex < 0 || (strategy&AllocationStrategyMinMemory != 0 && leftover < bestLeftover) {
			bestIndex = regionIndex
			bestLeftover = leftover
		}

		// First-fit unless the strategy asks for the tightest region
		if strategy&AllocationStrategyMinMemory == 0 || leftover == 0 {
			break
		}
	}

	if bestIndex < 0 {
		return false, allocRequest, nil
	}

	region := &m.regions[bestIndex]
	alignedOffset := memutil.AlignUp(region.offset, allocAlignment)
	padding := alignedOffset - region.offset

	// A leftover tail below the split threshold would be a pathological fragment, so
	// hand it to the allocation instead
	usableSize := allocSize
	if region.size-padding-allocSize < m.MinSplitSize() {
		usableSize = region.size - padding
	}

	allocRequest.BlockAllocationHandle = BlockAllocationHandle(atomic.AddUint64(&m.nextAllocationHandle, 1))
	allocRequest.Size = usableSize
	allocRequest.Item = Suballocation{
		Offset: alignedOffset,
		Size:   usableSize,
	}
	allocRequest.AlgorithmData = uint64(region.offset)

	return true, allocRequest, nil
}

func (m *FreeListBlockMetadata) Alloc(request AllocationRequest, userData any) error {
	regionStart := int(request.AlgorithmData)

	index, ok := m.regionIndex(regionStart)
	if !ok {
		return errors.Errorf("allocation request is no longer valid: no region begins at offset %d", regionStart)
	}

	region := &m.regions[index]
	if !region.isFree() {
		return errors.Errorf("allocation request is no longer valid: the region at offset %d is not free", regionStart)
	}

	padding := request.Item.Offset - regionStart
	if padding < 0 || request.Size < 1 {
		return errors.New("allocation request is malformed")
	}

	usedSize := padding + request.Size
	if region.size < usedSize {
		return errors.Errorf("allocation request is no longer valid: the region at offset %d has only %d of the required %d bytes", regionStart, region.size, usedSize)
	}

	leftover := region.size - usedSize

	region.size = usedSize
	region.padding = padding
	region.userData = userData
	region.handle = request.BlockAllocationHandle

	if leftover > 0 {
		// Split: keep the tail as its own free region. Its neighbors cannot be free,
		// because the region we just consumed was free
		m.regions = append(m.regions, suballocation{})
		copy(m.regions[index+2:], m.regions[index+1:])
		m.regions[index+1] = suballocation{
			offset: regionStart + usedSize,
			size:   leftover,
			handle: NoAllocation,
		}
	} else {
		m.freeCount--
	}

	m.allocCount++
	m.freeBytes -= usedSize
	m.handleOffsets.Put(request.BlockAllocationHandle, regionStart)

	memutil.DebugValidate(m)
	return nil
}

func (m *FreeListBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	index, err := m.liveRegion(allocHandle)
	if err != nil {
		return err
	}

	region := &m.regions[index]
	region.handle = NoAllocation
	region.userData = nil
	region.padding = 0

	m.allocCount--
	m.freeCount++
	m.freeBytes += region.size
	m.handleOffsets.Delete(allocHandle)

	// Coalesce with the next region, then the previous one. Merge order doesn't
	// matter- either way the result is a single free region spanning all three
	if index+1 < len(m.regions) && m.regions[index+1].isFree() {
		region.size += m.regions[index+1].size
		m.regions = append(m.regions[:index+1], m.regions[index+2:]...)
		m.freeCount--
	}
	if index > 0 && m.regions[index-1].isFree() {
		m.regions[index-1].size += m.regions[index].size
		m.regions = append(m.regions[:index], m.regions[index+1:]...)
		m.freeCount--
	}

	memutil.DebugValidate(m)
	return nil
}
