package resourcepool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avcdpb/surface/memsurface"
)

func TestEnsureCapacityHighWaterMark(t *testing.T) {
	ctx := context.Background()
	alloc := memsurface.NewAllocator()
	s := New(alloc)

	for _, widthMB := range []uint16{4, 8, 6, 10} {
		_, err := s.EnsureCapacity(ctx, widthMB, 4)
		require.NoError(t, err)
	}

	for kind := UndefinedBufferKind + 1; kind < EndOfBufferKind; kind++ {
		require.Equal(t, uint(3), s.AllocationCount(kind), kind.String())
		require.Equal(t, uint(3), alloc.AllocationCount(ctx, kind.String()), kind.String())
		require.Equal(t, kind.RequiredSize(10), s.Buffer(kind).Size(), kind.String())
	}
	require.Equal(t, MVStorageSize(10, 4), s.MVStorageSize())
	require.Equal(t, int(EndOfBufferKind-1), alloc.LiveCount(ctx))

	require.NoError(t, s.Close(ctx))
	require.Equal(t, 0, alloc.LiveCount(ctx))
}

func TestEnsureCapacityIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New(memsurface.NewAllocator())

	changes, err := s.EnsureCapacity(ctx, 8, 6)
	require.NoError(t, err)
	require.Len(t, changes.Reallocated, int(EndOfBufferKind-1))
	require.True(t, changes.MVStorageGrew)

	changes, err = s.EnsureCapacity(ctx, 8, 6)
	require.NoError(t, err)
	require.Empty(t, changes.Reallocated)
	require.False(t, changes.MVStorageGrew)

	// height only affects the motion-vector storage
	changes, err = s.EnsureCapacity(ctx, 4, 9)
	require.NoError(t, err)
	require.Empty(t, changes.Reallocated)
	require.True(t, changes.MVStorageGrew)
	require.Equal(t, MVStorageSize(8, 9), changes.MVStorageSize)

	widthMB, heightMB := s.HighWaterMark()
	require.Equal(t, uint32(8), widthMB)
	require.Equal(t, uint32(9), heightMB)
}

func TestEnsureCapacityAllocationFailure(t *testing.T) {
	ctx := context.Background()
	alloc := memsurface.NewAllocator()
	s := New(alloc)

	_, err := s.EnsureCapacity(ctx, 4, 4)
	require.NoError(t, err)

	alloc.FailAllocations[BufferKindIntraPredictionRowStore.String()] = errors.New("out of memory")
	_, err = s.EnsureCapacity(ctx, 16, 4)
	require.Error(t, err)

	widthMB, _ := s.HighWaterMark()
	require.Equal(t, uint32(4), widthMB)
	require.Equal(t, MVStorageSize(4, 4), s.MVStorageSize())

	delete(alloc.FailAllocations, BufferKindIntraPredictionRowStore.String())
	_, err = s.EnsureCapacity(ctx, 16, 4)
	require.NoError(t, err)
	for kind := UndefinedBufferKind + 1; kind < EndOfBufferKind; kind++ {
		require.Equal(t, kind.RequiredSize(16), s.Buffer(kind).Size(), kind.String())
	}
}

func TestEnsureCapacityZeroSize(t *testing.T) {
	_, err := New(memsurface.NewAllocator()).EnsureCapacity(context.Background(), 0, 4)
	require.Error(t, err)
}

func TestSliceRecords(t *testing.T) {
	s := New(memsurface.NewAllocator())

	require.Len(t, s.SliceRecords(120, 3), 120)
	// a malformed slice count larger than the frame
	require.Len(t, s.SliceRecords(120, 300), 300)
	// never shrinks
	require.Len(t, s.SliceRecords(16, 1), 300)
}
