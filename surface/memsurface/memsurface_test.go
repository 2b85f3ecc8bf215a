package memsurface

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avcdpb/surface"
)

func TestAllocateFillFree(t *testing.T) {
	ctx := context.Background()
	a := NewAllocator()

	s, err := a.Allocate(ctx, surface.Spec{Width: 16, Height: 16, Format: surface.FormatNV12, Name: "ref"})
	require.NoError(t, err)
	require.Equal(t, uint64(16*16*3/2), s.Size())
	require.False(t, surface.IsNull(s))

	require.NoError(t, a.Fill(ctx, s, 0x80))
	data, err := a.Lock(ctx, s, surface.LockModeRead)
	require.NoError(t, err)
	for _, b := range data {
		require.Equal(t, byte(0x80), b)
	}
	_, err = a.Lock(ctx, s, surface.LockModeRead)
	require.Error(t, err)
	require.NoError(t, a.Unlock(ctx, s))

	require.Equal(t, 1, a.LiveCount(ctx))
	require.NoError(t, a.Free(ctx, s))
	require.True(t, surface.IsNull(s))
	require.Equal(t, 0, a.LiveCount(ctx))
	require.Error(t, a.Free(ctx, s))
	require.Equal(t, uint(1), a.AllocationCount(ctx, "ref"))
}

func TestAllocateInjectedFailure(t *testing.T) {
	ctx := context.Background()
	a := NewAllocator()
	a.FailAllocations["scratch"] = errors.New("out of memory")

	_, err := a.Allocate(ctx, surface.LinearBuffer("scratch", 64))
	require.Error(t, err)

	_, err = a.Allocate(ctx, surface.LinearBuffer("other", 64))
	require.NoError(t, err)
}

func TestIsNullNil(t *testing.T) {
	require.True(t, surface.IsNull(nil))
	var s *Surface
	require.True(t, surface.IsNull(s))
}
