package metadata_test

import (
	"math"
	"testing"

	"github.com/gfxkit/gpualloc/memutil"
	"github.com/gfxkit/gpualloc/metadata"
	"github.com/stretchr/testify/require"
)

func mustAlloc(t *testing.T, md metadata.BlockMetadata, size int, alignment uint, strategy metadata.AllocationStrategy) metadata.AllocationRequest {
	t.Helper()

	success, request, err := md.CreateAllocationRequest(size, alignment, strategy)
	require.NoError(t, err)
	require.True(t, success)

	err = md.Alloc(request, nil)
	require.NoError(t, err)

	return request
}

func TestFreeListAlloc(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata(1)
	freeList.Init(1000)

	var stats memutil.DetailedStatistics
	stats.Clear()
	freeList.AddDetailedStatistics(&stats)

	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	request := mustAlloc(t, freeList, 100, 1, 0)
	alloc1 := request.BlockAllocationHandle
	require.Equal(t, 0, request.Item.Offset)

	stats.Clear()
	freeList.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 900,
		UnusedRangeSizeMax: 900,
	}, stats)

	request = mustAlloc(t, freeList, 200, 1, 0)
	alloc2 := request.BlockAllocationHandle
	require.Equal(t, 100, request.Item.Offset)

	offset, err := freeList.AllocationOffset(alloc2)
	require.NoError(t, err)
	require.Equal(t, 100, offset)

	require.NoError(t, freeList.Validate())

	err = freeList.Free(alloc1)
	require.NoError(t, err)

	// The freed front region is reused by a fitting allocation
	request = mustAlloc(t, freeList, 50, 1, 0)
	require.Equal(t, 0, request.Item.Offset)

	require.Equal(t, 2, freeList.AllocationCount())
	require.Equal(t, 2, freeList.FreeRegionsCount())
	require.Equal(t, 750, freeList.SumFreeSize())
	require.NoError(t, freeList.Validate())

	err = freeList.Free(request.BlockAllocationHandle)
	require.NoError(t, err)
	err = freeList.Free(alloc2)
	require.NoError(t, err)

	require.True(t, freeList.IsEmpty())
	require.Equal(t, 1, freeList.FreeRegionsCount())
	require.Equal(t, 1000, freeList.SumFreeSize())
	require.NoError(t, freeList.Validate())
}

func TestFreeListCoalescing(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata(1)
	freeList.Init(300)

	alloc1 := mustAlloc(t, freeList, 100, 1, 0).BlockAllocationHandle
	alloc2 := mustAlloc(t, freeList, 100, 1, 0).BlockAllocationHandle
	alloc3 := mustAlloc(t, freeList, 100, 1, 0).BlockAllocationHandle
	require.Equal(t, 0, freeList.FreeRegionsCount())

	// Free in an order that exercises merging with the next region, the previous
	// region, and both at once
	require.NoError(t, freeList.Free(alloc1))
	require.Equal(t, 1, freeList.FreeRegionsCount())

	require.NoError(t, freeList.Free(alloc3))
	require.Equal(t, 2, freeList.FreeRegionsCount())

	require.NoError(t, freeList.Free(alloc2))
	require.Equal(t, 1, freeList.FreeRegionsCount())
	require.Equal(t, 300, freeList.SumFreeSize())
	require.True(t, freeList.IsEmpty())
	require.NoError(t, freeList.Validate())
}

func TestFreeListAlignment(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata(1)
	freeList.Init(1024)

	mustAlloc(t, freeList, 10, 1, 0)

	request := mustAlloc(t, freeList, 100, 256, 0)
	require.Equal(t, 256, request.Item.Offset)

	offset, err := freeList.AllocationOffset(request.BlockAllocationHandle)
	require.NoError(t, err)
	require.Equal(t, 256, offset)

	// The padding between the two allocations is part of the aligned allocation's
	// region, not free space
	require.Equal(t, 1024-10-246-100, freeList.SumFreeSize())
	require.NoError(t, freeList.Validate())

	// Freeing the aligned allocation releases its padding too
	require.NoError(t, freeList.Free(request.BlockAllocationHandle))
	require.Equal(t, 1024-10, freeList.SumFreeSize())
	require.NoError(t, freeList.Validate())
}

func TestFreeListSplitThreshold(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata(64)
	freeList.Init(128)

	// The 28-byte leftover is below the split threshold, so the allocation absorbs it
	request := mustAlloc(t, freeList, 100, 1, 0)
	require.Equal(t, 128, request.Size)
	require.Equal(t, 0, freeList.SumFreeSize())
	require.Equal(t, 0, freeList.FreeRegionsCount())
	require.NoError(t, freeList.Validate())

	require.NoError(t, freeList.Free(request.BlockAllocationHandle))
	require.Equal(t, 128, freeList.SumFreeSize())
}

func TestFreeListBestFit(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata(1)
	freeList.Init(1000)

	mustAlloc(t, freeList, 100, 1, 0)
	alloc2 := mustAlloc(t, freeList, 300, 1, 0).BlockAllocationHandle
	mustAlloc(t, freeList, 100, 1, 0)
	alloc4 := mustAlloc(t, freeList, 200, 1, 0).BlockAllocationHandle
	mustAlloc(t, freeList, 300, 1, 0)

	require.NoError(t, freeList.Free(alloc2))
	require.NoError(t, freeList.Free(alloc4))
	require.Equal(t, 2, freeList.FreeRegionsCount())

	// First-fit picks the earlier 300-byte hole, best-fit the tighter 200-byte hole
	success, request, err := freeList.CreateAllocationRequest(150, 1, 0)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 100, request.Item.Offset)

	success, request, err = freeList.CreateAllocationRequest(150, 1, metadata.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 500, request.Item.Offset)
}

func TestFreeListInvalidHandle(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata(1)
	freeList.Init(1000)

	err := freeList.Free(metadata.BlockAllocationHandle(12345))
	require.Error(t, err)

	alloc := mustAlloc(t, freeList, 100, 1, 0).BlockAllocationHandle
	require.NoError(t, freeList.Free(alloc))

	err = freeList.Free(alloc)
	require.Error(t, err)

	_, err = freeList.AllocationOffset(alloc)
	require.Error(t, err)
	_, err = freeList.AllocationUserData(alloc)
	require.Error(t, err)
}

func TestFreeListStaleRequest(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata(1)
	freeList.Init(1000)

	// Grab a request but allocate something else into its region before committing
	success, request, err := freeList.CreateAllocationRequest(900, 1, 0)
	require.NoError(t, err)
	require.True(t, success)

	mustAlloc(t, freeList, 500, 1, 0)

	err = freeList.Alloc(request, nil)
	require.Error(t, err)
	require.NoError(t, freeList.Validate())
}

func TestFreeListUserData(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata(1)
	freeList.Init(1000)

	success, request, err := freeList.CreateAllocationRequest(100, 1, 0)
	require.NoError(t, err)
	require.True(t, success)

	err = freeList.Alloc(request, "first")
	require.NoError(t, err)

	userData, err := freeList.AllocationUserData(request.BlockAllocationHandle)
	require.NoError(t, err)
	require.Equal(t, "first", userData)

	err = freeList.SetAllocationUserData(request.BlockAllocationHandle, "second")
	require.NoError(t, err)

	userData, err = freeList.AllocationUserData(request.BlockAllocationHandle)
	require.NoError(t, err)
	require.Equal(t, "second", userData)
}

func TestFreeListTooLarge(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata(1)
	freeList.Init(1000)

	success, _, err := freeList.CreateAllocationRequest(1001, 1, 0)
	require.NoError(t, err)
	require.False(t, success)

	// Enough free bytes in total, but no single region large enough
	alloc := mustAlloc(t, freeList, 100, 1, 0).BlockAllocationHandle
	mustAlloc(t, freeList, 100, 1, 0)
	require.NoError(t, freeList.Free(alloc))

	success, _, err = freeList.CreateAllocationRequest(850, 1, 0)
	require.NoError(t, err)
	require.False(t, success)
}

func TestFreeListClear(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata(1)
	freeList.Init(1000)

	mustAlloc(t, freeList, 100, 1, 0)
	mustAlloc(t, freeList, 200, 1, 0)
	require.Equal(t, 2, freeList.AllocationCount())

	freeList.Clear()
	require.True(t, freeList.IsEmpty())
	require.Equal(t, 1000, freeList.SumFreeSize())
	require.NoError(t, freeList.Validate())
}

func TestFreeListVisitAllRegions(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata(1)
	freeList.Init(1000)

	success, request, err := freeList.CreateAllocationRequest(100, 1, 0)
	require.NoError(t, err)
	require.True(t, success)
	require.NoError(t, freeList.Alloc(request, "payload"))

	type visitedRegion struct {
		offset   int
		size     int
		userData any
		free     bool
	}
	var visited []visitedRegion

	err = freeList.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		visited = append(visited, visitedRegion{offset: offset, size: size, userData: userData, free: free})
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, []visitedRegion{
		{offset: 0, size: 100, userData: "payload", free: false},
		{offset: 100, size: 900, userData: nil, free: true},
	}, visited)
}
