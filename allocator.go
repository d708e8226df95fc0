package gpualloc

import (
	"context"
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/gfxkit/gpualloc/backend"
	"github.com/gfxkit/gpualloc/memutil"
	"github.com/gfxkit/gpualloc/metadata"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

// Allocator hands out Allocations suballocated from large blocks requested from a
// backend. Each backend memory type has its own block list and its own lock, so
// allocations in different memory types never contend.
type Allocator struct {
	useMutex bool
	logger   *slog.Logger
	backend  backend.Backend

	createFlags        CreateFlags
	preferredBlockSize int
	minSplitSize       int
	leakPolicy         LeakPolicy
	memoryTypeSelector func(usage MemoryUsage, requiredFlags, preferredFlags backend.MemoryPropertyFlags) int

	memoryBlockLists     []*memoryBlockList
	dedicatedAllocations []*dedicatedAllocationList

	totalMetrics allocationMetrics
	typeMetrics  []allocationMetrics
}

func (a *Allocator) calcAllocationParams(o *AllocationCreateInfo) error {
	if o.Flags&AllocationCreateDedicatedMemory != 0 && o.Flags&AllocationCreateNeverAllocate != 0 {
		return errors.New("AllocationCreateDedicatedMemory and AllocationCreateNeverAllocate cannot be specified together")
	}
	if o.Flags&AllocationCreateStrategyMask == AllocationCreateStrategyMask {
		return errors.New("AllocationCreateStrategyMinMemory and AllocationCreateStrategyMinTime cannot be specified together")
	}

	return nil
}

func (a *Allocator) findMemoryPreferences(
	o *AllocationCreateInfo,
) (requiredFlags, preferredFlags, notPreferredFlags backend.MemoryPropertyFlags) {
	requiredFlags = o.RequiredFlags
	preferredFlags = o.PreferredFlags
	notPreferredFlags = 0

	switch o.Usage {
	case MemoryUsageGPUOnly:
		preferredFlags |= backend.MemoryPropertyDeviceLocal
		notPreferredFlags |= backend.MemoryPropertyHostVisible
	case MemoryUsageCPUToGPU:
		requiredFlags |= backend.MemoryPropertyHostVisible
		preferredFlags |= backend.MemoryPropertyDeviceLocal
	case MemoryUsageGPUToCPU:
		requiredFlags |= backend.MemoryPropertyHostVisible
		preferredFlags |= backend.MemoryPropertyHostCached
	}

	return requiredFlags, preferredFlags, notPreferredFlags
}

// FindMemoryTypeIndex selects the backend memory type that best matches the provided
// AllocationCreateInfo. memoryTypeBits restricts the candidates to the set bits, with 0
// leaving all memory types as candidates. Returns ErrNoSuitableMemoryType when no
// candidate has all the required property flags.
func (a *Allocator) FindMemoryTypeIndex(memoryTypeBits uint32, o AllocationCreateInfo) (int, error) {
	a.logger.Debug("Allocator::FindMemoryTypeIndex")

	return a.findMemoryTypeIndex(memoryTypeBits, &o)
}

func (a *Allocator) findMemoryTypeIndex(memoryTypeBits uint32, o *AllocationCreateInfo) (int, error) {
	if memoryTypeBits == 0 {
		memoryTypeBits = math.MaxUint32
	}
	if o.MemoryTypeBits != 0 {
		memoryTypeBits &= o.MemoryTypeBits
	}

	requiredFlags, preferredFlags, notPreferredFlags := a.findMemoryPreferences(o)

	if a.memoryTypeSelector != nil {
		memTypeIndex := a.memoryTypeSelector(o.Usage, requiredFlags, preferredFlags)
		if memTypeIndex < 0 || memTypeIndex >= a.backend.MemoryTypeCount() || uint32(1)<<memTypeIndex&memoryTypeBits == 0 {
			return -1, errors.Mark(errors.Newf("the memory type selector chose memory type %d, which is not a usable memory type for this allocation", memTypeIndex), ErrNoSuitableMemoryType)
		}
		return memTypeIndex, nil
	}

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < a.backend.MemoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := a.backend.MemoryTypeProperties(memTypeIndex).PropertyFlags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		presentNotPreferredFlags := notPreferredFlags & flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
		if cost == 0 {
			return memTypeIndex, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, errors.Mark(errors.Newf("no memory type matches required flags %s", requiredFlags.String()), ErrNoSuitableMemoryType)
	}

	return bestMemoryTypeIndex, nil
}

// Allocate creates a new allocation of the given size and alignment. The memory type is
// chosen from the usage and property flags in o. alignment must be a power of two; 0 is
// treated as 1.
func (a *Allocator) Allocate(size int, alignment uint, o AllocationCreateInfo) (*Allocation, error) {
	a.logger.Debug("Allocator::Allocate", slog.Int("Size", size))

	if size < 1 {
		return nil, errors.Newf("provided allocation size %d was not a positive integer", size)
	}
	if alignment == 0 {
		alignment = 1
	}
	err := memutil.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidAlignment)
	}

	err = a.calcAllocationParams(&o)
	if err != nil {
		return nil, err
	}

	memoryBits := o.MemoryTypeBits
	if memoryBits == 0 {
		memoryBits = math.MaxUint32
	}

	memoryTypeIndex, err := a.findMemoryTypeIndex(memoryBits, &o)
	if err != nil {
		return nil, err
	}

	for {
		alloc := &Allocation{}
		allocErr := a.allocateMemoryOfType(size, alignment, &o, memoryTypeIndex, alloc)
		if allocErr == nil {
			a.totalMetrics.recordAllocation()
			a.typeMetrics[memoryTypeIndex].recordAllocation()
			return alloc, nil
		}
		if !errors.Is(allocErr, ErrOutOfMemory) {
			return nil, allocErr
		}

		// Remove memory type index from possibilities & find a new one
		memoryBits &= ^(uint32(1) << memoryTypeIndex)
		memoryTypeIndex, err = a.findMemoryTypeIndex(memoryBits, &o)
		if err != nil {
			// Every suitable memory type is exhausted
			return nil, allocErr
		}
	}
}

func (a *Allocator) allocateMemoryOfType(size int, alignment uint, o *AllocationCreateInfo, memoryTypeIndex int, outAlloc *Allocation) error {
	a.logger.Debug("Allocator::allocateMemoryOfType", slog.Int("MemoryTypeIndex", memoryTypeIndex), slog.Int("Size", size))

	blockList := a.memoryBlockLists[memoryTypeIndex]

	if o.Flags&AllocationCreateDedicatedMemory != 0 {
		return a.allocateDedicatedMemory(size, memoryTypeIndex, o.UserData, o.Name, outAlloc)
	}

	canAllocateDedicated := o.Flags&AllocationCreateNeverAllocate == 0

	// Prefer dedicated memory if the requested size is more than half of the preferred
	// block size- suballocating it would mostly waste a block
	if canAllocateDedicated && size > blockList.PreferredBlockSize()/2 {
		err := a.allocateDedicatedMemory(size, memoryTypeIndex, o.UserData, o.Name, outAlloc)
		if err == nil {
			a.logger.Debug("  Allocated as DedicatedMemory")
			return nil
		}
	}

	err := blockList.Allocate(size, alignment, o, outAlloc)
	if err == nil {
		outAlloc.SetName(o.Name)
		return nil
	}

	// Try dedicated memory
	if canAllocateDedicated && size <= blockList.PreferredBlockSize()/2 {
		dedicatedErr := a.allocateDedicatedMemory(size, memoryTypeIndex, o.UserData, o.Name, outAlloc)
		if dedicatedErr == nil {
			a.logger.Debug("  Allocated as DedicatedMemory")
			return nil
		}
	}

	a.logger.Debug("  Allocate FAILED")
	return err
}

func (a *Allocator) allocateDedicatedMemory(size int, memoryTypeIndex int, userData any, name string, outAlloc *Allocation) error {
	rawBlock, err := a.backend.AllocateBlock(size, memoryTypeIndex)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to allocate a dedicated backend block of size %d for memory type %d", size, memoryTypeIndex), ErrOutOfMemory)
	}

	outAlloc.init(a)
	outAlloc.initDedicatedAllocation(rawBlock, memoryTypeIndex, size)
	outAlloc.SetUserData(userData)
	outAlloc.SetName(name)

	a.dedicatedAllocations[memoryTypeIndex].Register(outAlloc)

	a.logger.Debug("    Allocated DedicatedMemory", slog.Int("MemoryTypeIndex", memoryTypeIndex))
	return nil
}

// Free returns an allocation's memory to the allocator. Freeing an allocation that was
// already freed, or that this allocator does not own, fails with ErrInvalidHandle and
// leaves the allocator's state untouched.
func (a *Allocator) Free(alloc *Allocation) error {
	a.logger.Debug("Allocator::Free")

	if alloc == nil {
		return errors.Mark(errors.New("attempted to free a nil allocation"), ErrInvalidHandle)
	}
	if alloc.parentAllocator != a {
		return errors.Mark(errors.New("attempted to free an allocation that belongs to a different allocator"), ErrInvalidHandle)
	}

	memoryTypeIndex := alloc.MemoryTypeIndex()

	switch alloc.allocationType {
	case allocationTypeBlock:
		err := a.memoryBlockLists[memoryTypeIndex].Free(alloc)
		if err != nil {
			return err
		}
	case allocationTypeDedicated:
		err := a.freeDedicatedMemory(alloc)
		if err != nil {
			return err
		}
	default:
		return errors.Mark(errors.New("attempted to free an allocation that is not live- it may have already been freed"), ErrInvalidHandle)
	}

	a.totalMetrics.recordFree()
	a.typeMetrics[memoryTypeIndex].recordFree()
	alloc.reset()
	return nil
}

func (a *Allocator) freeDedicatedMemory(alloc *Allocation) error {
	if alloc.allocationType != allocationTypeDedicated {
		panic("attempted to free dedicated memory for a non-dedicated allocation")
	}

	memoryTypeIndex := alloc.MemoryTypeIndex()
	a.dedicatedAllocations[memoryTypeIndex].Unregister(alloc)

	err := a.backend.FreeBlock(alloc.dedicatedData.rawBlock)
	if err != nil {
		return err
	}

	a.logger.Debug("    Freed DedicatedMemory", slog.Int("MemoryTypeIndex", memoryTypeIndex))
	return nil
}

// TryShrink returns every block that no longer contains live allocations to the backend
// and reports how many bytes were returned. Dedicated allocations are unaffected- their
// blocks live exactly as long as the allocation does.
func (a *Allocator) TryShrink() (int, error) {
	a.logger.Debug("Allocator::TryShrink")

	freedBytes := 0
	for _, blockList := range a.memoryBlockLists {
		freed, err := blockList.TryShrink()
		freedBytes += freed
		if err != nil {
			return freedBytes, err
		}
	}

	return freedBytes, nil
}

// Destroy tears down the allocator and returns all of its blocks to the backend. When
// allocations are still live, behavior depends on the LeakPolicy the allocator was
// created with: LeakPolicyError logs each leaked allocation and fails with
// ErrLeakedAllocations, while LeakPolicyLog logs them and frees everything anyway. The
// allocator must not be used after Destroy returns successfully.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	if a.leakPolicy == LeakPolicyError {
		leaked := false
		for typeIndex := range a.memoryBlockLists {
			if !a.memoryBlockLists[typeIndex].HasNoAllocations() || !a.dedicatedAllocations[typeIndex].IsEmpty() {
				leaked = true
				break
			}
		}

		if leaked {
			a.logLeakedAllocations()
			a.logTraceReport()
			return errors.Mark(errors.New("allocations were still live when the allocator was destroyed"), ErrLeakedAllocations)
		}
	} else {
		a.logLeakedAllocations()
	}

	for typeIndex := range a.memoryBlockLists {
		err := a.memoryBlockLists[typeIndex].Destroy(true)
		if err != nil {
			return err
		}

		a.dedicatedAllocations[typeIndex].visitAllocations(func(alloc *Allocation) {
			err := a.freeDedicatedMemory(alloc)
			if err != nil {
				a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to return a leaked dedicated block to the backend",
					slog.Any("error", err))
				return
			}
			alloc.reset()
		})
	}

	a.logTraceReport()
	return nil
}

func (a *Allocator) logLeakedAllocations() {
	for typeIndex := range a.memoryBlockLists {
		blockList := a.memoryBlockLists[typeIndex]
		blockList.mutex.RLock()
		for _, block := range blockList.blocks {
			if block.metadata.IsEmpty() {
				continue
			}
			_ = block.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
				if free {
					return nil
				}
				block.logUnreleasedMemory(offset, size, userData)
				return nil
			})
		}
		blockList.mutex.RUnlock()

		a.dedicatedAllocations[typeIndex].visitAllocations(func(alloc *Allocation) {
			name := alloc.Name()
			if name == "" {
				name = "empty"
			}
			a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed dedicated allocation",
				slog.Int("memoryTypeIndex", alloc.MemoryTypeIndex()),
				slog.Int("size", alloc.Size()),
				slog.Any("userData", alloc.UserData()),
				slog.String("name", name),
			)
		})
	}
}

// CalculateStatistics sums basic usage numbers across every block list and dedicated
// allocation owned by the allocator.
func (a *Allocator) CalculateStatistics(stats *memutil.Statistics) {
	stats.Clear()

	for typeIndex := range a.memoryBlockLists {
		a.memoryBlockLists[typeIndex].AddStatistics(stats)
		a.dedicatedAllocations[typeIndex].AddStatistics(stats)
	}
}

// CalculateDetailedStatistics computes full usage statistics, including free region
// counts and size extremes, across every block list and dedicated allocation.
func (a *Allocator) CalculateDetailedStatistics(stats *memutil.DetailedStatistics) {
	stats.Clear()

	for typeIndex := range a.memoryBlockLists {
		a.memoryBlockLists[typeIndex].AddDetailedStatistics(stats)
		a.dedicatedAllocations[typeIndex].AddDetailedStatistics(stats)
	}
}

// BuildStatsString dumps the allocator's current state as a JSON string. When detailedMap
// is true, every block's suballocations are included.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	writer := jwriter.NewWriter()

	rootObj := writer.Object()

	var stats memutil.DetailedStatistics
	a.CalculateDetailedStatistics(&stats)

	totalObj := rootObj.Name("Total").Object()
	stats.PrintJson(totalObj)
	totalObj.End()

	typesObj := rootObj.Name("MemoryTypes").Object()
	for typeIndex := range a.memoryBlockLists {
		typeObj := typesObj.Name(a.backend.MemoryTypeProperties(typeIndex).PropertyFlags.String()).Object()

		var typeStats memutil.DetailedStatistics
		typeStats.Clear()
		a.memoryBlockLists[typeIndex].AddDetailedStatistics(&typeStats)
		a.dedicatedAllocations[typeIndex].AddDetailedStatistics(&typeStats)

		statsObj := typeObj.Name("Stats").Object()
		typeStats.PrintJson(statsObj)
		statsObj.End()

		if detailedMap {
			a.memoryBlockLists[typeIndex].PrintDetailedMap(typeObj.Name("Blocks"))
			a.dedicatedAllocations[typeIndex].BuildStatsString(typeObj.Name("DedicatedAllocations"))
		}

		typeObj.End()
	}
	typesObj.End()

	rootObj.End()

	return string(writer.Bytes())
}
