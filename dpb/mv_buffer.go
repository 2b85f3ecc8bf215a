package dpb

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/avcdpb/internal"
	"github.com/xaionaro-go/avcdpb/logger"
	"github.com/xaionaro-go/avcdpb/surface"
)

// MVBufferIndex addresses a motion-vector (direct) buffer in the pool.
type MVBufferIndex uint8

const (
	// NumMVBuffers is the size of the pool: one buffer per possible
	// reference picture plus the scratch one.
	NumMVBuffers = MaxRefFrames + 1

	// MVBufferIndexScratch is shared by all non-reference pictures.
	MVBufferIndexScratch = MVBufferIndex(MaxRefFrames)

	MVBufferIndexInvalid = MVBufferIndex(0xFF)
)

type mvBuffer struct {
	InUse   bool
	Owner   SlotIndex
	Storage surface.Surface
}

// MVBufferPool hands out motion-vector buffers. The storage of a buffer is
// allocated on the first use of its index and reused afterwards; the
// InUse bit, not the storage, is what tells if a buffer is taken.
type MVBufferPool struct {
	allocator   surface.Allocator
	storageSize uint64
	buffers     [NumMVBuffers]mvBuffer
	exhausted   uint64
}

// NewMVBufferPool creates a pool. If the allocator is nil, the pool only
// does the bookkeeping and never allocates any storage.
func NewMVBufferPool(allocator surface.Allocator) *MVBufferPool {
	p := &MVBufferPool{
		allocator: allocator,
	}
	for idx := range p.buffers {
		p.buffers[idx].Owner = SlotIndexInvalid
	}
	return p
}

// SetStorageSize updates the per-buffer storage size. Growing it frees the
// existing storage, it is recreated (larger) on the next allocation.
func (p *MVBufferPool) SetStorageSize(
	ctx context.Context,
	size uint64,
) error {
	if size <= p.storageSize {
		return nil
	}
	logger.Debugf(ctx, "motion vector buffer size: %s -> %s", humanize.IBytes(p.storageSize), humanize.IBytes(size))
	p.storageSize = size
	return p.freeStorage(ctx)
}

func (p *MVBufferPool) StorageSize() uint64 {
	return p.storageSize
}

// Allocate picks a buffer for the picture being decoded into the owner slot.
func (p *MVBufferPool) Allocate(
	ctx context.Context,
	forReference bool,
	owner SlotIndex,
) (MVBufferIndex, error) {
	if !forReference {
		if err := p.ensureStorage(ctx, MVBufferIndexScratch); err != nil {
			return MVBufferIndexScratch, err
		}
		return MVBufferIndexScratch, nil
	}

	for idx := MVBufferIndex(0); idx < MVBufferIndexScratch; idx++ {
		buf := &p.buffers[idx]
		if buf.InUse {
			continue
		}
		if err := p.ensureStorage(ctx, idx); err != nil {
			return idx, err
		}
		buf.InUse = true
		buf.Owner = owner
		logger.Tracef(ctx, "motion vector buffer %d is now owned by slot %s", idx, owner)
		return idx, nil
	}

	p.exhausted++
	internal.Assert(ctx, false, "no free motion vector buffer left, falling back to 0", owner)
	return 0, nil
}

// Acquire is ReleaseUnreferenced followed by Allocate, except that the pool
// is left untouched if the storage of the picked buffer cannot be allocated.
func (p *MVBufferPool) Acquire(
	ctx context.Context,
	forReference bool,
	owner SlotIndex,
	isReferenced func(owner SlotIndex) bool,
) (MVBufferIndex, error) {
	idx := MVBufferIndexScratch
	if forReference {
		idx = p.firstFree(isReferenced)
	}
	if idx != MVBufferIndexInvalid {
		if err := p.ensureStorage(ctx, idx); err != nil {
			return idx, err
		}
	}
	p.ReleaseUnreferenced(ctx, isReferenced)
	return p.Allocate(ctx, forReference, owner)
}

// firstFree returns the first reference buffer that is free once the
// buffers of the unreferenced owners are released.
func (p *MVBufferPool) firstFree(
	isReferenced func(owner SlotIndex) bool,
) MVBufferIndex {
	for idx := MVBufferIndex(0); idx < MVBufferIndexScratch; idx++ {
		buf := &p.buffers[idx]
		if !buf.InUse || !isReferenced(buf.Owner) {
			return idx
		}
	}
	return MVBufferIndexInvalid
}

// ReleaseUnreferenced frees every buffer whose owner is not referenced anymore.
func (p *MVBufferPool) ReleaseUnreferenced(
	ctx context.Context,
	isReferenced func(owner SlotIndex) bool,
) {
	for idx := range p.buffers[:MVBufferIndexScratch] {
		buf := &p.buffers[idx]
		if !buf.InUse || isReferenced(buf.Owner) {
			continue
		}
		logger.Tracef(ctx, "releasing motion vector buffer %d of slot %s", idx, buf.Owner)
		buf.InUse = false
		buf.Owner = SlotIndexInvalid
	}
}

func (p *MVBufferPool) InUse(idx MVBufferIndex) bool {
	if int(idx) >= NumMVBuffers {
		return false
	}
	return p.buffers[idx].InUse
}

func (p *MVBufferPool) Owner(idx MVBufferIndex) SlotIndex {
	if int(idx) >= NumMVBuffers {
		return SlotIndexInvalid
	}
	return p.buffers[idx].Owner
}

func (p *MVBufferPool) InUseCount() int {
	count := 0
	for _, buf := range p.buffers {
		if buf.InUse {
			count++
		}
	}
	return count
}

// ExhaustionCount is how many times a reference picture did not get a buffer.
func (p *MVBufferPool) ExhaustionCount() uint64 {
	return p.exhausted
}

func (p *MVBufferPool) Storage(idx MVBufferIndex) surface.Surface {
	if int(idx) >= NumMVBuffers {
		return nil
	}
	return p.buffers[idx].Storage
}

func (p *MVBufferPool) ensureStorage(
	ctx context.Context,
	idx MVBufferIndex,
) error {
	if p.allocator == nil || p.storageSize == 0 {
		return nil
	}
	buf := &p.buffers[idx]
	if !surface.IsNull(buf.Storage) {
		return nil
	}
	s, err := p.allocator.Allocate(ctx, surface.LinearBuffer(fmt.Sprintf("mv_buffer_%d", idx), p.storageSize))
	if err != nil {
		return ErrAllocation{What: fmt.Sprintf("motion vector buffer %d", idx), Err: err}
	}
	buf.Storage = s
	return nil
}

func (p *MVBufferPool) freeStorage(ctx context.Context) error {
	var errs []error
	for idx := range p.buffers {
		buf := &p.buffers[idx]
		if surface.IsNull(buf.Storage) {
			continue
		}
		if err := p.allocator.Free(ctx, buf.Storage); err != nil {
			errs = append(errs, fmt.Errorf("unable to free motion vector buffer %d: %w", idx, err))
		}
		buf.Storage = nil
	}
	return errors.Join(errs...)
}

// Close frees all the storage and forgets all the ownership.
func (p *MVBufferPool) Close(ctx context.Context) error {
	err := p.freeStorage(ctx)
	for idx := range p.buffers {
		p.buffers[idx] = mvBuffer{Owner: SlotIndexInvalid}
	}
	return err
}
