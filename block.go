package gpualloc

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/gfxkit/gpualloc/backend"
	"github.com/gfxkit/gpualloc/metadata"
	"golang.org/x/exp/slog"
)

// memoryBlock wraps a single backend block together with the metadata that tracks
// suballocations within it.
type memoryBlock struct {
	id              int
	rawBlock        backend.RawBlock
	memoryTypeIndex int
	logger          *slog.Logger

	metadata metadata.BlockMetadata
}

func (b *memoryBlock) Init(
	logger *slog.Logger,
	newMemoryTypeIndex int,
	newRawBlock backend.RawBlock,
	id int,
	minSplitSize int,
) {
	if b.metadata != nil {
		panic("attempting to initialize a memory block that is already in use")
	}

	b.id = id
	b.rawBlock = newRawBlock
	b.memoryTypeIndex = newMemoryTypeIndex
	b.logger = logger

	b.metadata = metadata.NewFreeListBlockMetadata(minSplitSize)
	b.metadata.Init(newRawBlock.Size)
}

// Destroy returns the backend block to the backend. If allocations remain and force is
// false, they are logged and an error is returned without freeing the block. With force
// true the remaining allocations are logged and the block is freed anyway.
func (b *memoryBlock) Destroy(be backend.Backend, force bool) error {
	if !b.metadata.IsEmpty() {
		// Log all remaining allocations
		err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			b.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			b.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		if !force {
			return errors.New("some allocations were not freed before the destruction of this memory block")
		}
	}

	if b.metadata == nil {
		panic("attempting to destroy a memory block, but it did not have a backing block from the backend")
	}

	err := be.FreeBlock(b.rawBlock)
	if err != nil {
		return err
	}

	b.rawBlock = backend.RawBlock{}
	b.metadata = nil
	return nil
}

func (b *memoryBlock) logUnreleasedMemory(offset, size int, userData any) {
	allocation := userData.(*Allocation)
	userData = allocation.UserData()
	name := allocation.Name()
	if name == "" {
		name = "empty"
	}

	b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", userData),
		slog.String("name", name),
	)
}

func (b *memoryBlock) Validate() error {
	if b.metadata == nil {
		return errors.New("no valid metadata for this memory block")
	}
	if b.metadata.Size() < 1 {
		return errors.New("this memory block's metadata has an invalid size")
	}
	if b.metadata.Size() != b.rawBlock.Size {
		return errors.New("this memory block's metadata size does not match its backend block size")
	}

	err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		allocation, isAllocation := userData.(*Allocation)
		if free && isAllocation {
			return errors.Newf("an allocation at offset %d is marked as free but contains an allocation object", offset)
		} else if !free && (!isAllocation || allocation == nil) {
			return errors.Newf("an allocation at offset %d is marked as allocated but has no allocation object", offset)
		}

		return nil
	})

	if err != nil {
		return err
	}

	return b.metadata.Validate()
}
