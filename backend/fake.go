package backend

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrBudgetExceeded is returned from FakeBackend.AllocateBlock when a per-type byte
// budget has been configured and the request would exceed it.
var ErrBudgetExceeded = errors.New("the backend cannot supply any more memory for this memory type")

type fakeBlock struct {
	id   uint64
	live bool
}

// FakeBackend is a Backend implementation that hands out placeholder blocks and keeps
// track of every request made to it. It has no real memory behind it- it exists so tests
// can observe block churn and simulate backend exhaustion without graphics hardware.
type FakeBackend struct {
	mutex sync.Mutex

	// MemoryTypes is the set of memory types this backend claims to expose. Leave empty
	// for a single default device-local type
	MemoryTypes []MemoryType
	// BytesBudget optionally limits the total live bytes per memory type. A slice shorter
	// than MemoryTypes leaves the remaining types unlimited
	BytesBudget []int

	allocCalls    int
	freeCalls     int
	liveBlocks    int
	liveBytes     map[int]int
	nextBlockId   uint64
	blocksByType  map[int]int
	blocksRecords map[uint64]*fakeBlock
}

var _ Backend = &FakeBackend{}

// NewFakeBackend creates a FakeBackend exposing the provided memory types, or a single
// device-local type when none are provided.
func NewFakeBackend(memoryTypes ...MemoryType) *FakeBackend {
	if len(memoryTypes) == 0 {
		memoryTypes = []MemoryType{
			{PropertyFlags: MemoryPropertyDeviceLocal},
		}
	}

	return &FakeBackend{
		MemoryTypes:   memoryTypes,
		liveBytes:     make(map[int]int),
		blocksByType:  make(map[int]int),
		blocksRecords: make(map[uint64]*fakeBlock),
	}
}

func (b *FakeBackend) AllocateBlock(size int, memoryTypeIndex int) (RawBlock, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if memoryTypeIndex < 0 || memoryTypeIndex >= len(b.MemoryTypes) {
		return RawBlock{}, errors.Newf("invalid memory type index %d", memoryTypeIndex)
	}
	if size < 1 {
		return RawBlock{}, errors.Newf("invalid block size %d", size)
	}

	if memoryTypeIndex < len(b.BytesBudget) && b.BytesBudget[memoryTypeIndex] >= 0 {
		if b.liveBytes[memoryTypeIndex]+size > b.BytesBudget[memoryTypeIndex] {
			return RawBlock{}, errors.Wrapf(ErrBudgetExceeded, "requested %d bytes from memory type %d", size, memoryTypeIndex)
		}
	}

	b.nextBlockId++
	block := &fakeBlock{id: b.nextBlockId, live: true}
	b.blocksRecords[block.id] = block

	b.allocCalls++
	b.liveBlocks++
	b.liveBytes[memoryTypeIndex] += size
	b.blocksByType[memoryTypeIndex]++

	return RawBlock{
		Handle:          block.id,
		Size:            size,
		MemoryTypeIndex: memoryTypeIndex,
	}, nil
}

func (b *FakeBackend) FreeBlock(block RawBlock) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	id, ok := block.Handle.(uint64)
	if !ok {
		return errors.New("received a block that did not come from this backend")
	}

	record, ok := b.blocksRecords[id]
	if !ok {
		return errors.Newf("received an unknown block with id %d", id)
	}
	if !record.live {
		return errors.Newf("the block with id %d has already been freed", id)
	}

	record.live = false
	b.freeCalls++
	b.liveBlocks--
	b.liveBytes[block.MemoryTypeIndex] -= block.Size
	b.blocksByType[block.MemoryTypeIndex]--

	return nil
}

func (b *FakeBackend) MemoryTypeCount() int {
	return len(b.MemoryTypes)
}

func (b *FakeBackend) MemoryTypeProperties(memoryTypeIndex int) MemoryType {
	return b.MemoryTypes[memoryTypeIndex]
}

// AllocCalls returns the number of successful AllocateBlock calls made so far
func (b *FakeBackend) AllocCalls() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.allocCalls
}

// FreeCalls returns the number of successful FreeBlock calls made so far
func (b *FakeBackend) FreeCalls() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.freeCalls
}

// LiveBlocks returns the number of blocks that have been allocated but not freed
func (b *FakeBackend) LiveBlocks() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.liveBlocks
}

// LiveBytes returns the number of live bytes for the provided memory type
func (b *FakeBackend) LiveBytes(memoryTypeIndex int) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.liveBytes[memoryTypeIndex]
}

// BlocksForType returns the number of live blocks for the provided memory type
func (b *FakeBackend) BlocksForType(memoryTypeIndex int) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.blocksByType[memoryTypeIndex]
}
