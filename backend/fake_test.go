package backend_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gfxkit/gpualloc/backend"
	"github.com/stretchr/testify/require"
)

func TestFakeBackendTracksBlocks(t *testing.T) {
	be := backend.NewFakeBackend()
	require.Equal(t, 1, be.MemoryTypeCount())
	require.Equal(t, backend.MemoryPropertyDeviceLocal, be.MemoryTypeProperties(0).PropertyFlags)

	block1, err := be.AllocateBlock(1024, 0)
	require.NoError(t, err)
	require.Equal(t, 1024, block1.Size)

	block2, err := be.AllocateBlock(2048, 0)
	require.NoError(t, err)

	require.Equal(t, 2, be.AllocCalls())
	require.Equal(t, 2, be.LiveBlocks())
	require.Equal(t, 3072, be.LiveBytes(0))

	require.NoError(t, be.FreeBlock(block1))
	require.Equal(t, 1, be.LiveBlocks())
	require.Equal(t, 2048, be.LiveBytes(0))

	require.NoError(t, be.FreeBlock(block2))
	require.Equal(t, 0, be.LiveBlocks())
	require.Equal(t, 0, be.LiveBytes(0))
}

func TestFakeBackendRejectsDoubleFree(t *testing.T) {
	be := backend.NewFakeBackend()

	block, err := be.AllocateBlock(64, 0)
	require.NoError(t, err)
	require.NoError(t, be.FreeBlock(block))

	err = be.FreeBlock(block)
	require.Error(t, err)

	err = be.FreeBlock(backend.RawBlock{Handle: "not mine", Size: 64})
	require.Error(t, err)
}

func TestFakeBackendBudget(t *testing.T) {
	be := backend.NewFakeBackend()
	be.BytesBudget = []int{1000}

	block, err := be.AllocateBlock(800, 0)
	require.NoError(t, err)

	_, err = be.AllocateBlock(300, 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, backend.ErrBudgetExceeded))

	require.NoError(t, be.FreeBlock(block))

	_, err = be.AllocateBlock(300, 0)
	require.NoError(t, err)
}

func TestFakeBackendInvalidRequests(t *testing.T) {
	be := backend.NewFakeBackend()

	_, err := be.AllocateBlock(0, 0)
	require.Error(t, err)

	_, err = be.AllocateBlock(1024, 5)
	require.Error(t, err)
}
