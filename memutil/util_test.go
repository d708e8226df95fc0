package memutil_test

import (
	"testing"

	"github.com/gfxkit/gpualloc/memutil"
	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, memutil.AlignUp(0, 16))
	require.Equal(t, 16, memutil.AlignUp(1, 16))
	require.Equal(t, 16, memutil.AlignUp(16, 16))
	require.Equal(t, 32, memutil.AlignUp(17, 16))
	require.Equal(t, 100, memutil.AlignUp(100, 1))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, memutil.AlignDown(15, 16))
	require.Equal(t, 16, memutil.AlignDown(16, 16))
	require.Equal(t, 16, memutil.AlignDown(31, 16))
	require.Equal(t, 100, memutil.AlignDown(100, 1))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutil.CheckPow2(1, "value"))
	require.NoError(t, memutil.CheckPow2(256, "value"))

	err := memutil.CheckPow2(3, "value")
	require.Error(t, err)
	require.ErrorIs(t, err, memutil.PowerOfTwoError)

	err = memutil.CheckPow2(100, "value")
	require.Error(t, err)
}
