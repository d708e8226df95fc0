package gpualloc

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/gfxkit/gpualloc/backend"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags uint32

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// thread at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	AllocatorCreateExternallySynchronized: "AllocatorCreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	return flagsToString(f, createFlagsMapping)
}

// LeakPolicy controls what Allocator.Destroy does when allocations are still live.
type LeakPolicy uint32

const (
	// LeakPolicyError logs each leaked allocation and fails Destroy with
	// ErrLeakedAllocations, leaving the leaked backend blocks in place
	LeakPolicyError LeakPolicy = iota
	// LeakPolicyLog logs each leaked allocation but returns all backend blocks anyway
	LeakPolicyLog
)

var leakPolicyMapping = map[LeakPolicy]string{
	LeakPolicyError: "LeakPolicyError",
	LeakPolicyLog:   "LeakPolicyLog",
}

func (p LeakPolicy) String() string {
	return leakPolicyMapping[p]
}

const (
	// defaultPreferredBlockSize is the value that is used as the PreferredBlockSize when none is
	// provided via CreateOptions. It is equal to 256Mb.
	defaultPreferredBlockSize int = 256 * 1024 * 1024

	// defaultMinSplitSize is the value that is used as the MinSplitSize when none is provided
	// via CreateOptions. Leftover free space smaller than this is absorbed into the allocation
	// rather than left behind as an unusably small free region.
	defaultMinSplitSize int = 64
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// PreferredBlockSize is the block size to request from the backend when a new block
	// is needed. Allocations larger than this get a block of their own size. Defaults to
	// 256Mb when 0
	PreferredBlockSize int

	// MinSplitSize is the smallest free region worth leaving behind when an allocation
	// does not use all of the free region it was placed in. Defaults to 64 when 0
	MinSplitSize int

	// LeakPolicy controls what Destroy does when allocations are still live
	LeakPolicy LeakPolicy

	// MemoryTypeSelector overrides the built-in memory type selection when non-nil. It
	// receives the usage and the property flags computed for an allocation and must return
	// the index of the memory type to allocate from. Returning an index that is out of
	// range or excluded by the allocation's MemoryTypeBits fails the allocation with
	// ErrNoSuitableMemoryType
	MemoryTypeSelector func(usage MemoryUsage, requiredFlags, preferredFlags backend.MemoryPropertyFlags) int
}

// New creates a new Allocator that suballocates from blocks provided by the backend
//
// logger - Logs internal allocator activity and leaked allocations. When nil, slog.Default() is used
//
// be - The backend that provides blocks of memory. Must not be nil
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, be backend.Backend, options CreateOptions) (*Allocator, error) {
	if be == nil {
		return nil, errors.New("attempted to create an allocator with a nil backend")
	}
	if logger == nil {
		logger = slog.Default()
	}

	typeCount := be.MemoryTypeCount()
	if typeCount < 1 {
		return nil, errors.New("the backend reports no memory types to allocate from")
	}

	if options.PreferredBlockSize < 0 {
		return nil, errors.Newf("invalid CreateOptions.PreferredBlockSize %d: the preferred block size cannot be negative", options.PreferredBlockSize)
	}
	if options.MinSplitSize < 0 {
		return nil, errors.Newf("invalid CreateOptions.MinSplitSize %d: the minimum split size cannot be negative", options.MinSplitSize)
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0
	explicitBlockSize := options.PreferredBlockSize != 0

	allocator := &Allocator{
		useMutex: useMutex,
		logger:   logger,
		backend:  be,

		createFlags:        options.Flags,
		preferredBlockSize: options.PreferredBlockSize,
		minSplitSize:       options.MinSplitSize,
		leakPolicy:         options.LeakPolicy,
		memoryTypeSelector: options.MemoryTypeSelector,

		memoryBlockLists:     make([]*memoryBlockList, typeCount),
		dedicatedAllocations: make([]*dedicatedAllocationList, typeCount),
		typeMetrics:          make([]allocationMetrics, typeCount),
	}

	if allocator.preferredBlockSize == 0 {
		allocator.preferredBlockSize = defaultPreferredBlockSize
	}
	if allocator.minSplitSize == 0 {
		allocator.minSplitSize = defaultMinSplitSize
	}

	// Initialize memory block lists
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		allocator.memoryBlockLists[typeIndex] = &memoryBlockList{}
		allocator.memoryBlockLists[typeIndex].Init(
			useMutex,
			allocator,
			typeIndex,
			allocator.preferredBlockSize,
			allocator.minSplitSize,
			0,
			math.MaxInt,
			explicitBlockSize,
		)

		allocator.dedicatedAllocations[typeIndex] = &dedicatedAllocationList{}
		allocator.dedicatedAllocations[typeIndex].Init(useMutex)
	}

	return allocator, nil
}
