package gpualloc

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gfxkit/gpualloc/backend"
	"github.com/gfxkit/gpualloc/internal/utils"
	"github.com/gfxkit/gpualloc/memutil"
	"github.com/gfxkit/gpualloc/metadata"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

var blockPool = sync.Pool{
	New: func() any {
		return &memoryBlock{}
	},
}

// memoryBlockList manages the set of backend blocks for a single memory type. All state
// changes happen under the list's mutex, so two allocations in different memory types
// never contend with one another.
type memoryBlockList struct {
	parentAllocator *Allocator
	be              backend.Backend
	logger          *slog.Logger

	memoryTypeIndex    int
	preferredBlockSize int
	minSplitSize       int
	minBlockCount      int
	maxBlockCount      int
	explicitBlockSize  bool

	mutex           utils.OptionalRWMutex
	blocks          []*memoryBlock
	nextBlockId     int
	incrementalSort bool
}

func (l *memoryBlockList) PreferredBlockSize() int { return l.preferredBlockSize }

func (l *memoryBlockList) Init(
	useMutex bool,
	allocator *Allocator,
	memoryTypeIndex int,
	preferredBlockSize int,
	minSplitSize int,
	minBlockCount, maxBlockCount int,
	explicitBlockSize bool,
) {
	l.parentAllocator = allocator
	l.be = allocator.backend
	l.logger = allocator.logger
	l.memoryTypeIndex = memoryTypeIndex
	l.preferredBlockSize = preferredBlockSize
	l.minSplitSize = minSplitSize
	l.minBlockCount = minBlockCount
	l.maxBlockCount = maxBlockCount
	l.explicitBlockSize = explicitBlockSize
	l.incrementalSort = true
	l.mutex = utils.OptionalRWMutex{
		UseMutex: useMutex,
		Mutex:    sync.RWMutex{},
	}
}

func (l *memoryBlockList) Destroy(force bool) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for _, block := range l.blocks {
		err := block.Destroy(l.be, force)
		if err != nil {
			return err
		}
		blockPool.Put(block)
	}
	l.blocks = nil
	return nil
}

func (l *memoryBlockList) AddStatistics(stats *memutil.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddStatistics(stats)
	}
}

func (l *memoryBlockList) AddDetailedStatistics(stats *memutil.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddDetailedStatistics(stats)
	}
}

func (l *memoryBlockList) HasNoAllocations() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		if !l.blocks[blockIndex].metadata.IsEmpty() {
			return false
		}
	}

	return true
}

func (l *memoryBlockList) CreateBlock(blockSize int) (int, error) {
	rawBlock, err := l.be.AllocateBlock(blockSize, l.memoryTypeIndex)
	if err != nil {
		return -1, err
	}
	if rawBlock.Size < blockSize {
		panic(fmt.Sprintf("the backend returned a block of size %d for a request of size %d", rawBlock.Size, blockSize))
	}

	block := blockPool.Get().(*memoryBlock)

	block.Init(l.logger, l.memoryTypeIndex, rawBlock, l.nextBlockId, l.minSplitSize)
	l.nextBlockId++

	l.blocks = append(l.blocks, block)
	return len(l.blocks) - 1, nil
}

func (l *memoryBlockList) Remove(block *memoryBlock) {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex] == block {
			l.blocks = append(l.blocks[0:blockIndex], l.blocks[blockIndex+1:]...)
			return
		}
	}

	panic("attempted to remove a block from a block list that did not belong to it")
}

func (l *memoryBlockList) Allocate(size int, alignment uint, createInfo *AllocationCreateInfo, outAlloc *Allocation) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	canCreateNewBlock := createInfo.Flags&AllocationCreateNeverAllocate == 0 &&
		len(l.blocks) < l.maxBlockCount
	strategy := createInfo.Flags & AllocationCreateStrategyMask

	// 1. Search existing blocks & try to do an allocation
	if strategy != AllocationCreateStrategyMinTime {
		// Prefer blocks with the smallest amount of free space by iterating forward
		for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
			currentBlock := l.blocks[blockIndex]
			if currentBlock == nil {
				panic(fmt.Sprintf("a memory block at index %d is unexpectedly nil", blockIndex))
			}

			success, err := l.allocFromBlock(currentBlock, size, alignment, createInfo.UserData, strategy, outAlloc)
			if err != nil {
				return err
			} else if success {
				l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", currentBlock.id))
				l.incrementallySortBlocks()
				return nil
			}
		}
	} else {
		// Prefer blocks with the largest amount of free space by iterating backward
		for blockIndex := len(l.blocks) - 1; blockIndex >= 0; blockIndex-- {
			currentBlock := l.blocks[blockIndex]
			if currentBlock == nil {
				panic(fmt.Sprintf("a memory block at index %d is unexpectedly nil", blockIndex))
			}

			success, err := l.allocFromBlock(currentBlock, size, alignment, createInfo.UserData, strategy, outAlloc)
			if err != nil {
				return err
			} else if success {
				l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", currentBlock.id))
				l.incrementallySortBlocks()
				return nil
			}
		}
	}

	// 2. Try to create a new block
	if canCreateNewBlock {
		newBlockSize := l.preferredBlockSize
		newBlockSizeShift := 0
		const MaxNewBlockSizeShift = 3

		// Requests larger than the preferred block size get a block of their own size
		if size > newBlockSize {
			newBlockSize = size
		} else if !l.explicitBlockSize {
			// Allocate progressively larger blocks as total usage grows, to keep small
			// workloads from paying for full-size blocks
			maxExistingBlockSize := l.calcMaxBlockSize()

			for i := 0; i < MaxNewBlockSizeShift; i++ {
				smallerNewBlockSize := newBlockSize / 2
				if smallerNewBlockSize > maxExistingBlockSize && smallerNewBlockSize >= size*2 {
					newBlockSize = smallerNewBlockSize
					newBlockSizeShift++
				} else {
					break
				}
			}
		}

		newBlockIndex, err := l.CreateBlock(newBlockSize)

		// Retry with progressively smaller blocks when the backend refuses
		for err != nil && !l.explicitBlockSize && newBlockSizeShift < MaxNewBlockSizeShift {
			smallerNewBlockSize := newBlockSize / 2
			if smallerNewBlockSize < size {
				break
			}

			newBlockSize = smallerNewBlockSize
			newBlockSizeShift++
			newBlockIndex, err = l.CreateBlock(newBlockSize)
		}

		if err != nil {
			return errors.Mark(errors.Wrapf(err, "failed to allocate a backend block of size %d for memory type %d", newBlockSize, l.memoryTypeIndex), ErrOutOfMemory)
		}

		block := l.blocks[newBlockIndex]
		if block.metadata.Size() < size {
			panic(fmt.Sprintf("created a new block at index %d to hold an allocation of size %d but the created block was somehow only size %d", newBlockIndex, size, block.metadata.Size()))
		}

		success, err := l.allocFromBlock(block, size, alignment, createInfo.UserData, strategy, outAlloc)
		if err != nil {
			return err
		} else if success {
			l.incrementallySortBlocks()
			return nil
		}
	}

	return errors.Mark(errors.Newf("no block in memory type %d can hold an allocation of size %d and a new block could not be created", l.memoryTypeIndex, size), ErrOutOfMemory)
}

func (l *memoryBlockList) Free(alloc *Allocation) error {
	blockToDelete, err := l.freeWithLock(alloc)
	if err != nil {
		return err
	}

	if blockToDelete != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", blockToDelete.id))
		err = blockToDelete.Destroy(l.be, false)
		if err != nil {
			panic(fmt.Sprintf("unexpected failure when destroying a memory block in response to freeing an allocation: %+v", err))
		}
		blockPool.Put(blockToDelete)
	}

	return nil
}

func (l *memoryBlockList) freeWithLock(alloc *Allocation) (blockToDelete *memoryBlock, err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	block := alloc.blockData.block

	// The metadata's user data for a live handle is the Allocation that owns it- a
	// mismatch means the caller handed us a handle this list does not own
	liveAlloc, err := block.metadata.AllocationUserData(alloc.blockData.handle)
	if err != nil || liveAlloc != alloc {
		return nil, errors.Mark(errors.Newf("allocation with handle %+v is not live in memory type %d", alloc.blockData.handle, l.memoryTypeIndex), ErrInvalidHandle)
	}

	hasEmptyBlockBeforeFree := l.hasEmptyBlock()
	err = block.metadata.Free(alloc.blockData.handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when freeing allocation with handle %+v in metadata: %+v", alloc.blockData.handle, err))
	}
	memutil.DebugValidate(block)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from block", slog.Int("MemoryTypeIndex", l.memoryTypeIndex))

	canDeleteBlock := len(l.blocks) > l.minBlockCount

	// The block is empty & we can delete it, but keep a single empty block around to
	// absorb allocate/free churn
	if block.metadata.IsEmpty() && hasEmptyBlockBeforeFree && canDeleteBlock {
		blockToDelete = block
		l.Remove(block)
	} else if !block.metadata.IsEmpty() && hasEmptyBlockBeforeFree && canDeleteBlock {
		// There is an empty block somewhere we don't need
		lastBlock := l.blocks[len(l.blocks)-1]
		if lastBlock.metadata.IsEmpty() {
			blockToDelete = lastBlock
			l.blocks = l.blocks[:len(l.blocks)-1]
		}
	}

	l.incrementallySortBlocks()

	return blockToDelete, nil
}

// TryShrink destroys every block that contains no live allocations and returns the
// number of bytes returned to the backend.
func (l *memoryBlockList) TryShrink() (int, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	freedBytes := 0
	for blockIndex := len(l.blocks) - 1; blockIndex >= 0; blockIndex-- {
		block := l.blocks[blockIndex]
		if !block.metadata.IsEmpty() {
			continue
		}

		size := block.metadata.Size()
		err := block.Destroy(l.be, false)
		if err != nil {
			return freedBytes, err
		}

		l.blocks = append(l.blocks[0:blockIndex], l.blocks[blockIndex+1:]...)
		blockPool.Put(block)
		freedBytes += size
	}

	return freedBytes, nil
}

func (l *memoryBlockList) hasEmptyBlock() bool {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block.metadata.IsEmpty() {
			return true
		}
	}

	return false
}

func (l *memoryBlockList) incrementallySortBlocks() {
	if !l.incrementalSort {
		return
	}

	// Bubble blocks one step toward sorted-by-free-size order
	for blockIndex := 1; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex-1].metadata.SumFreeSize() > l.blocks[blockIndex].metadata.SumFreeSize() {
			l.blocks[blockIndex-1], l.blocks[blockIndex] = l.blocks[blockIndex], l.blocks[blockIndex-1]
			return
		}
	}
}

func (l *memoryBlockList) calcMaxBlockSize() int {
	result := 0
	for blockIndex := len(l.blocks) - 1; blockIndex >= 0; blockIndex-- {
		blockSize := l.blocks[blockIndex].metadata.Size()
		if blockSize <= result {
			continue
		}

		result = blockSize
		if result >= l.preferredBlockSize {
			return result
		}
	}

	return result
}

func (l *memoryBlockList) allocFromBlock(block *memoryBlock, size int, alignment uint, userData any, flags AllocationCreateFlags, outAlloc *Allocation) (bool, error) {
	if !block.metadata.MayHaveFreeRegion(size) {
		return false, nil
	}

	var strategy metadata.AllocationStrategy
	if flags&AllocationCreateStrategyMinMemory != 0 {
		strategy |= metadata.AllocationStrategyMinMemory
	}
	if flags&AllocationCreateStrategyMinTime != 0 {
		strategy |= metadata.AllocationStrategyMinTime
	}

	success, currRequest, err := block.metadata.CreateAllocationRequest(size, alignment, strategy)
	if err != nil {
		return false, err
	} else if !success {
		return false, nil
	}

	return true, l.commitAllocationRequest(currRequest, block, alignment, userData, outAlloc)
}

func (l *memoryBlockList) commitAllocationRequest(allocRequest metadata.AllocationRequest, block *memoryBlock, alignment uint, userData any, outAlloc *Allocation) error {
	outAlloc.init(l.parentAllocator)
	err := block.metadata.Alloc(allocRequest, outAlloc)
	if err != nil {
		return err
	}

	outAlloc.initBlockAllocation(block, allocRequest.BlockAllocationHandle, alignment, allocRequest.Size, l.memoryTypeIndex)
	outAlloc.SetUserData(userData)

	memutil.DebugValidate(block)
	return nil
}

func (l *memoryBlockList) PrintDetailedMap(writer *jwriter.Writer) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	for i := 0; i < len(l.blocks); i++ {
		block := l.blocks[i]

		blockObj := objState.Name(strconv.Itoa(block.id)).Object()

		block.metadata.BlockJsonData(blockObj)

		l.printDetailedMapAllocations(block.metadata, blockObj)

		blockObj.End()
	}
}

func (l *memoryBlockList) printDetailedMapAllocations(md metadata.BlockMetadata, json jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				obj := arrayState.Object()
				defer obj.End()

				obj.Name("Offset").Int(offset)
				obj.Name("Type").String("Free")
				obj.Name("Size").Int(size)
			} else {
				obj := arrayState.Object()
				defer obj.End()

				obj.Name("Offset").Int(offset)

				var alloc *Allocation
				var isAllocation bool
				if userData != nil {
					alloc, isAllocation = userData.(*Allocation)
				}

				if isAllocation && alloc != nil {
					alloc.printParameters(&obj)
				} else if userData != nil {
					obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
				}
			}

			return nil
		})
}
