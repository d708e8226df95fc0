package gpualloc

import (
	"fmt"

	"github.com/gfxkit/gpualloc/backend"
	"github.com/gfxkit/gpualloc/metadata"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

type allocationType byte

const (
	allocationTypeNone allocationType = iota
	allocationTypeBlock
	allocationTypeDedicated
)

var allocationTypeMapping = map[allocationType]string{
	allocationTypeNone:      "allocationTypeNone",
	allocationTypeBlock:     "allocationTypeBlock",
	allocationTypeDedicated: "allocationTypeDedicated",
}

func (t allocationType) String() string {
	return allocationTypeMapping[t]
}

type blockData struct {
	handle metadata.BlockAllocationHandle
	block  *memoryBlock
}

type dedicatedData struct {
	rawBlock  backend.RawBlock
	nextAlloc *Allocation
	prevAlloc *Allocation
}

// Allocation is the caller-held token for a single region of allocated memory. Callers
// own the Allocation from the moment Allocator.Allocate returns it and must return it to
// Allocator.Free exactly once.
type Allocation struct {
	alignment uint
	size      int
	userData  any
	name      string

	memoryTypeIndex int
	allocationType  allocationType

	parentAllocator *Allocator

	blockData     blockData
	dedicatedData dedicatedData
}

func (a *Allocation) init(allocator *Allocator) {
	a.alignment = 1
	a.size = 0
	a.userData = nil
	a.name = ""

	a.memoryTypeIndex = 0
	a.allocationType = allocationTypeNone
	a.parentAllocator = allocator
	a.blockData.handle = 0
	a.blockData.block = nil
	a.dedicatedData.rawBlock = backend.RawBlock{}
	a.dedicatedData.nextAlloc = nil
	a.dedicatedData.prevAlloc = nil
}

func (a *Allocation) initBlockAllocation(
	block *memoryBlock,
	allocHandle metadata.BlockAllocationHandle,
	alignment uint,
	size int,
	memoryTypeIndex int,
) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if block == nil {
		panic("attempting to init a block allocation using a nil memory block")
	}
	a.allocationType = allocationTypeBlock
	a.alignment = alignment
	a.size = size
	a.memoryTypeIndex = memoryTypeIndex
	a.blockData.handle = allocHandle
	a.blockData.block = block
}

func (a *Allocation) initDedicatedAllocation(
	rawBlock backend.RawBlock,
	memoryTypeIndex int,
	size int,
) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	a.allocationType = allocationTypeDedicated
	a.alignment = 1
	a.size = size
	a.memoryTypeIndex = memoryTypeIndex
	a.dedicatedData.rawBlock = rawBlock
}

// reset returns the allocation to an uninitialized state after a successful free, so
// that a second Free of the same token can be detected.
func (a *Allocation) reset() {
	a.allocationType = allocationTypeNone
	a.blockData.handle = 0
	a.blockData.block = nil
	a.dedicatedData.rawBlock = backend.RawBlock{}
}

// Size is the size in bytes of usable memory at the allocation's offset. It may be
// slightly larger than what was requested.
func (a *Allocation) Size() int { return a.size }

// Alignment is the alignment the allocation was made with
func (a *Allocation) Alignment() uint { return a.alignment }

// MemoryTypeIndex is the backend memory type the allocation lives in
func (a *Allocation) MemoryTypeIndex() int { return a.memoryTypeIndex }

// UserData retrieves the arbitrary consumer-provided value stored with this allocation
func (a *Allocation) UserData() any { return a.userData }

// SetUserData replaces the arbitrary consumer-provided value stored with this allocation
func (a *Allocation) SetUserData(userData any) { a.userData = userData }

// Name retrieves the diagnostic name of this allocation
func (a *Allocation) Name() string { return a.name }

// SetName replaces the diagnostic name of this allocation
func (a *Allocation) SetName(name string) { a.name = name }

// RawBlock retrieves the backend block this allocation lives in. Callers need it,
// together with FindOffset, to bind resources to the underlying memory. The raw block
// is owned by the allocator- it is incorrect to return it to the backend by any means
// other than freeing every allocation within it.
func (a *Allocation) RawBlock() backend.RawBlock {
	switch a.allocationType {
	case allocationTypeBlock:
		return a.blockData.block.rawBlock
	case allocationTypeDedicated:
		return a.dedicatedData.rawBlock
	}

	panic(fmt.Sprintf("attempted to retrieve the raw block of an allocation with invalid type %s", a.allocationType.String()))
}

// FindOffset retrieves the offset in bytes of this allocation's usable memory within its
// backend block. Dedicated allocations always begin at offset 0.
func (a *Allocation) FindOffset() int {
	switch a.allocationType {
	case allocationTypeBlock:
		offset, err := a.blockData.block.metadata.AllocationOffset(a.blockData.handle)
		if err != nil {
			panic(fmt.Sprintf("a live allocation was missing from its block's metadata: %+v", err))
		}
		return offset
	case allocationTypeDedicated:
		return 0
	}

	panic(fmt.Sprintf("attempted to find the offset of an allocation with invalid type %s", a.allocationType.String()))
}

func (a *Allocation) isDedicated() bool {
	return a.allocationType == allocationTypeDedicated
}

func (a *Allocation) nextDedicatedAlloc() *Allocation {
	if !a.isDedicated() {
		panic("attempted to get the next dedicated allocation from a non-dedicated allocation")
	}
	return a.dedicatedData.nextAlloc
}

func (a *Allocation) setNext(alloc *Allocation) {
	if !a.isDedicated() {
		panic("attempted to set the next dedicated allocation on a non-dedicated allocation")
	}
	a.dedicatedData.nextAlloc = alloc
}

func (a *Allocation) prevDedicatedAlloc() *Allocation {
	if !a.isDedicated() {
		panic("attempted to get the previous dedicated allocation from a non-dedicated allocation")
	}
	return a.dedicatedData.prevAlloc
}

func (a *Allocation) setPrev(alloc *Allocation) {
	if !a.isDedicated() {
		panic("attempted to set the previous dedicated allocation on a non-dedicated allocation")
	}
	a.dedicatedData.prevAlloc = alloc
}

// printParameters writes this allocation's diagnostic data to a json object
func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.allocationType.String())
	json.Name("Size").Int(a.size)

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}
	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}
