package gpualloc

import (
	"io"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gfxkit/gpualloc/backend"
	"github.com/gfxkit/gpualloc/backend/mock_backend"
	"github.com/gfxkit/gpualloc/memutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func readyAllocator(t *testing.T, be backend.Backend, options CreateOptions) *Allocator {
	t.Helper()

	logger := slog.New(slog.NewJSONHandler(io.Discard))
	allocator, err := New(logger, be, options)
	require.NoError(t, err)

	return allocator
}

func TestAllocateReusesBlocks(t *testing.T) {
	be := backend.NewFakeBackend()
	allocator := readyAllocator(t, be, CreateOptions{PreferredBlockSize: 1024})

	alloc1, err := allocator.Allocate(100, 1, AllocationCreateInfo{})
	require.NoError(t, err)
	require.Equal(t, 1, be.AllocCalls())
	require.Equal(t, 1024, be.LiveBytes(0))
	require.Equal(t, 0, alloc1.FindOffset())

	// The second allocation fits in the same block, so the backend is not consulted
	alloc2, err := allocator.Allocate(200, 1, AllocationCreateInfo{})
	require.NoError(t, err)
	require.Equal(t, 1, be.AllocCalls())
	require.Equal(t, 100, alloc2.FindOffset())

	// Freed space is reused
	require.NoError(t, allocator.Free(alloc1))
	alloc3, err := allocator.Allocate(50, 1, AllocationCreateInfo{})
	require.NoError(t, err)
	require.Equal(t, 1, be.AllocCalls())
	require.Equal(t, 0, alloc3.FindOffset())

	require.NoError(t, allocator.Free(alloc2))
	require.NoError(t, allocator.Free(alloc3))
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, be.LiveBlocks())
}

func TestAllocateOversized(t *testing.T) {
	be := backend.NewFakeBackend()
	allocator := readyAllocator(t, be, CreateOptions{PreferredBlockSize: 1024})

	// An allocation bigger than the block size gets a backend block of its own size
	alloc, err := allocator.Allocate(4096, 1, AllocationCreateInfo{})
	require.NoError(t, err)
	require.Equal(t, 4096, alloc.Size())
	require.Equal(t, 0, alloc.FindOffset())
	require.Equal(t, 4096, alloc.RawBlock().Size)
	require.Equal(t, 1, be.LiveBlocks())
	require.Equal(t, 4096, be.LiveBytes(0))

	require.NoError(t, allocator.Free(alloc))
	require.Equal(t, 0, be.LiveBlocks())
	require.NoError(t, allocator.Destroy())
}

func TestAllocateDedicatedMemory(t *testing.T) {
	be := backend.NewFakeBackend()
	allocator := readyAllocator(t, be, CreateOptions{PreferredBlockSize: 1024})

	alloc, err := allocator.Allocate(100, 1, AllocationCreateInfo{
		Flags: AllocationCreateDedicatedMemory,
	})
	require.NoError(t, err)
	require.Equal(t, 100, be.LiveBytes(0))
	require.Equal(t, 0, alloc.FindOffset())

	require.NoError(t, allocator.Free(alloc))
	require.Equal(t, 0, be.LiveBlocks())
	require.NoError(t, allocator.Destroy())
}

func TestAllocateOutOfMemory(t *testing.T) {
	be := backend.NewFakeBackend()
	be.BytesBudget = []int{50}
	allocator := readyAllocator(t, be, CreateOptions{PreferredBlockSize: 1024})

	_, err := allocator.Allocate(100, 1, AllocationCreateInfo{})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.Equal(t, 0, be.LiveBlocks())

	require.NoError(t, allocator.Destroy())
}

func TestAllocateNeverAllocate(t *testing.T) {
	be := backend.NewFakeBackend()
	allocator := readyAllocator(t, be, CreateOptions{PreferredBlockSize: 1024})

	// No block exists yet and NeverAllocate forbids creating one
	_, err := allocator.Allocate(100, 1, AllocationCreateInfo{
		Flags: AllocationCreateNeverAllocate,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.Equal(t, 0, be.AllocCalls())

	// Once a block exists, NeverAllocate allocations can be placed in it
	alloc1, err := allocator.Allocate(100, 1, AllocationCreateInfo{})
	require.NoError(t, err)

	alloc2, err := allocator.Allocate(100, 1, AllocationCreateInfo{
		Flags: AllocationCreateNeverAllocate,
	})
	require.NoError(t, err)
	require.Equal(t, 1, be.AllocCalls())

	require.NoError(t, allocator.Free(alloc1))
	require.NoError(t, allocator.Free(alloc2))
	require.NoError(t, allocator.Destroy())
}

func TestAllocateInvalidArguments(t *testing.T) {
	be := backend.NewFakeBackend()
	allocator := readyAllocator(t, be, CreateOptions{})

	_, err := allocator.Allocate(0, 1, AllocationCreateInfo{})
	require.Error(t, err)

	_, err = allocator.Allocate(100, 3, AllocationCreateInfo{})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidAlignment))

	_, err = allocator.Allocate(100, 1, AllocationCreateInfo{
		Flags: AllocationCreateDedicatedMemory | AllocationCreateNeverAllocate,
	})
	require.Error(t, err)

	require.NoError(t, allocator.Destroy())
}

func TestAllocateAligned(t *testing.T) {
	be := backend.NewFakeBackend()
	allocator := readyAllocator(t, be, CreateOptions{PreferredBlockSize: 4096})

	alloc1, err := allocator.Allocate(10, 1, AllocationCreateInfo{})
	require.NoError(t, err)

	alloc2, err := allocator.Allocate(100, 256, AllocationCreateInfo{})
	require.NoError(t, err)
	require.Equal(t, 0, alloc2.FindOffset()%256)
	require.Equal(t, uint(256), alloc2.Alignment())

	require.NoError(t, allocator.Free(alloc1))
	require.NoError(t, allocator.Free(alloc2))
	require.NoError(t, allocator.Destroy())
}

func TestFreeInvalidHandle(t *testing.T) {
	be := backend.NewFakeBackend()
	allocator := readyAllocator(t, be, CreateOptions{PreferredBlockSize: 1024})

	err := allocator.Free(nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidHandle))

	// An allocation fabricated by the caller is not live in this allocator
	err = allocator.Free(&Allocation{})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidHandle))

	alloc, err := allocator.Allocate(100, 1, AllocationCreateInfo{})
	require.NoError(t, err)
	require.NoError(t, allocator.Free(alloc))

	// Double free is rejected and does not disturb the allocator
	err = allocator.Free(alloc)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidHandle))

	var stats memutil.Statistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)

	require.NoError(t, allocator.Destroy())
}

func TestDestroyWithLeaksErrorPolicy(t *testing.T) {
	be := backend.NewFakeBackend()
	allocator := readyAllocator(t, be, CreateOptions{PreferredBlockSize: 1024})

	alloc, err := allocator.Allocate(100, 1, AllocationCreateInfo{Name: "leaky"})
	require.NoError(t, err)

	err = allocator.Destroy()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLeakedAllocations))

	// The failed destroy left the allocator intact, so the leak can be fixed
	require.NoError(t, allocator.Free(alloc))
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, be.LiveBlocks())
}

func TestDestroyWithLeaksLogPolicy(t *testing.T) {
	be := backend.NewFakeBackend()
	allocator := readyAllocator(t, be, CreateOptions{
		PreferredBlockSize: 1024,
		LeakPolicy:         LeakPolicyLog,
	})

	_, err := allocator.Allocate(100, 1, AllocationCreateInfo{Name: "leaky block"})
	require.NoError(t, err)
	_, err = allocator.Allocate(100, 1, AllocationCreateInfo{
		Flags: AllocationCreateDedicatedMemory,
		Name:  "leaky dedicated",
	})
	require.NoError(t, err)

	// Everything is logged and returned to the backend anyway
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, be.LiveBlocks())
}

func TestTryShrink(t *testing.T) {
	be := backend.NewFakeBackend()
	allocator := readyAllocator(t, be, CreateOptions{PreferredBlockSize: 1024})

	alloc1, err := allocator.Allocate(100, 1, AllocationCreateInfo{})
	require.NoError(t, err)
	alloc2, err := allocator.Allocate(200, 1, AllocationCreateInfo{})
	require.NoError(t, err)

	// Nothing to shrink while allocations are live
	freed, err := allocator.TryShrink()
	require.NoError(t, err)
	require.Equal(t, 0, freed)

	require.NoError(t, allocator.Free(alloc1))
	require.NoError(t, allocator.Free(alloc2))

	// The empty block is retained to absorb churn until the consumer asks
	require.Equal(t, 1, be.LiveBlocks())

	freed, err = allocator.TryShrink()
	require.NoError(t, err)
	require.Equal(t, 1024, freed)
	require.Equal(t, 0, be.LiveBlocks())

	require.NoError(t, allocator.Destroy())
}

func TestFindMemoryTypeIndex(t *testing.T) {
	be := backend.NewFakeBackend(
		backend.MemoryType{PropertyFlags: backend.MemoryPropertyDeviceLocal},
		backend.MemoryType{PropertyFlags: backend.MemoryPropertyHostVisible | backend.MemoryPropertyHostCoherent},
		backend.MemoryType{PropertyFlags: backend.MemoryPropertyHostVisible | backend.MemoryPropertyHostCached},
	)
	allocator := readyAllocator(t, be, CreateOptions{})

	index, err := allocator.FindMemoryTypeIndex(0, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})
	require.NoError(t, err)
	require.Equal(t, 0, index)

	index, err = allocator.FindMemoryTypeIndex(0, AllocationCreateInfo{Usage: MemoryUsageCPUToGPU})
	require.NoError(t, err)
	require.Equal(t, 1, index)

	index, err = allocator.FindMemoryTypeIndex(0, AllocationCreateInfo{Usage: MemoryUsageGPUToCPU})
	require.NoError(t, err)
	require.Equal(t, 2, index)

	// Required flags no memory type has
	_, err = allocator.FindMemoryTypeIndex(0, AllocationCreateInfo{
		RequiredFlags: backend.MemoryPropertyDeviceLocal | backend.MemoryPropertyHostCached,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNoSuitableMemoryType))

	// The bitmask can exclude the only matching types
	_, err = allocator.FindMemoryTypeIndex(1<<0, AllocationCreateInfo{Usage: MemoryUsageCPUToGPU})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNoSuitableMemoryType))

	require.NoError(t, allocator.Destroy())
}

func TestMemoryTypeSelectorOverride(t *testing.T) {
	be := backend.NewFakeBackend(
		backend.MemoryType{PropertyFlags: backend.MemoryPropertyDeviceLocal},
		backend.MemoryType{PropertyFlags: backend.MemoryPropertyHostVisible | backend.MemoryPropertyHostCoherent},
	)
	allocator := readyAllocator(t, be, CreateOptions{
		PreferredBlockSize: 1024,
		MemoryTypeSelector: func(usage MemoryUsage, requiredFlags, preferredFlags backend.MemoryPropertyFlags) int {
			// Route everything to the host-visible type regardless of usage
			return 1
		},
	})

	alloc, err := allocator.Allocate(100, 1, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})
	require.NoError(t, err)
	require.Equal(t, 1, alloc.MemoryTypeIndex())
	require.Equal(t, 1, be.BlocksForType(1))
	require.Equal(t, 0, be.BlocksForType(0))
	require.NoError(t, allocator.Free(alloc))

	// An index the bitmask excludes is rejected
	_, err = allocator.Allocate(100, 1, AllocationCreateInfo{MemoryTypeBits: 1 << 0})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNoSuitableMemoryType))

	require.NoError(t, allocator.Destroy())
}

func TestAllocateRoutesToMemoryType(t *testing.T) {
	be := backend.NewFakeBackend(
		backend.MemoryType{PropertyFlags: backend.MemoryPropertyDeviceLocal},
		backend.MemoryType{PropertyFlags: backend.MemoryPropertyHostVisible | backend.MemoryPropertyHostCoherent},
	)
	allocator := readyAllocator(t, be, CreateOptions{PreferredBlockSize: 1024})

	gpuAlloc, err := allocator.Allocate(100, 1, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})
	require.NoError(t, err)
	require.Equal(t, 0, gpuAlloc.MemoryTypeIndex())

	uploadAlloc, err := allocator.Allocate(100, 1, AllocationCreateInfo{Usage: MemoryUsageCPUToGPU})
	require.NoError(t, err)
	require.Equal(t, 1, uploadAlloc.MemoryTypeIndex())

	require.Equal(t, 1, be.BlocksForType(0))
	require.Equal(t, 1, be.BlocksForType(1))

	require.NoError(t, allocator.Free(gpuAlloc))
	require.NoError(t, allocator.Free(uploadAlloc))
	require.NoError(t, allocator.Destroy())
}

func TestAllocateFallsBackAcrossMemoryTypes(t *testing.T) {
	// Type 1 matches best but has no budget left, so the allocator falls back to type 0
	be := backend.NewFakeBackend(
		backend.MemoryType{PropertyFlags: backend.MemoryPropertyHostVisible},
		backend.MemoryType{PropertyFlags: backend.MemoryPropertyHostVisible | backend.MemoryPropertyHostCached},
	)
	be.BytesBudget = []int{-1, 0}
	allocator := readyAllocator(t, be, CreateOptions{PreferredBlockSize: 1024})

	alloc, err := allocator.Allocate(100, 1, AllocationCreateInfo{Usage: MemoryUsageGPUToCPU})
	require.NoError(t, err)
	require.Equal(t, 0, alloc.MemoryTypeIndex())

	require.NoError(t, allocator.Free(alloc))
	require.NoError(t, allocator.Destroy())
}

func TestAllocationAccessors(t *testing.T) {
	be := backend.NewFakeBackend()
	allocator := readyAllocator(t, be, CreateOptions{PreferredBlockSize: 1024})

	alloc, err := allocator.Allocate(100, 1, AllocationCreateInfo{
		UserData: 42,
		Name:     "staging buffer",
	})
	require.NoError(t, err)

	require.Equal(t, 100, alloc.Size())
	require.Equal(t, 42, alloc.UserData())
	require.Equal(t, "staging buffer", alloc.Name())

	alloc.SetUserData("new payload")
	alloc.SetName("renamed")
	require.Equal(t, "new payload", alloc.UserData())
	require.Equal(t, "renamed", alloc.Name())

	require.NoError(t, allocator.Free(alloc))
	require.NoError(t, allocator.Destroy())
}

func TestCalculateStatistics(t *testing.T) {
	be := backend.NewFakeBackend()
	allocator := readyAllocator(t, be, CreateOptions{PreferredBlockSize: 1024})

	alloc1, err := allocator.Allocate(100, 1, AllocationCreateInfo{})
	require.NoError(t, err)
	alloc2, err := allocator.Allocate(200, 1, AllocationCreateInfo{})
	require.NoError(t, err)
	dedicated, err := allocator.Allocate(5000, 1, AllocationCreateInfo{})
	require.NoError(t, err)

	var stats memutil.Statistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, memutil.Statistics{
		BlockCount:      2,
		AllocationCount: 3,
		BlockBytes:      1024 + 5000,
		AllocationBytes: 100 + 200 + 5000,
	}, stats)

	var detailed memutil.DetailedStatistics
	allocator.CalculateDetailedStatistics(&detailed)
	require.Equal(t, 3, detailed.AllocationCount)
	require.Equal(t, 5000, detailed.AllocationSizeMax)
	require.Equal(t, 100, detailed.AllocationSizeMin)

	statsString := allocator.BuildStatsString(true)
	require.Contains(t, statsString, "Total")
	require.Contains(t, statsString, "Suballocations")

	require.NoError(t, allocator.Free(alloc1))
	require.NoError(t, allocator.Free(alloc2))
	require.NoError(t, allocator.Free(dedicated))
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorWithMockBackend(t *testing.T) {
	ctrl := gomock.NewController(t)

	rawBlock := backend.RawBlock{
		Handle:          uint64(7),
		Size:            1024,
		MemoryTypeIndex: 0,
	}

	be := mock_backend.NewMockBackend(ctrl)
	be.EXPECT().MemoryTypeCount().Return(1).AnyTimes()
	be.EXPECT().MemoryTypeProperties(0).Return(backend.MemoryType{
		PropertyFlags: backend.MemoryPropertyDeviceLocal,
	}).AnyTimes()
	be.EXPECT().AllocateBlock(1024, 0).Return(rawBlock, nil).Times(1)
	be.EXPECT().FreeBlock(rawBlock).Return(nil).Times(1)

	allocator := readyAllocator(t, be, CreateOptions{PreferredBlockSize: 1024})

	alloc, err := allocator.Allocate(256, 1, AllocationCreateInfo{})
	require.NoError(t, err)
	require.Equal(t, rawBlock, alloc.RawBlock())

	require.NoError(t, allocator.Free(alloc))
	require.NoError(t, allocator.Destroy())
}

func TestConcurrentAllocations(t *testing.T) {
	be := backend.NewFakeBackend()
	allocator := readyAllocator(t, be, CreateOptions{PreferredBlockSize: 1 << 20})

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			for i := 0; i < 100; i++ {
				size := 64 + (worker+i)%512
				alloc, err := allocator.Allocate(size, 16, AllocationCreateInfo{})
				if err != nil {
					t.Error(err)
					return
				}
				err = allocator.Free(alloc)
				if err != nil {
					t.Error(err)
					return
				}
			}
		}(worker)
	}
	wg.Wait()

	var stats memutil.Statistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, be.LiveBlocks())
}
