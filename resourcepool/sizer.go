// sizer.go implements the grow-only sizing of geometry-dependent scratch buffers.

// Package resourcepool keeps the scratch buffers of a decode session large
// enough for the biggest picture seen so far in the session.
package resourcepool

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/avcdpb/logger"
	"github.com/xaionaro-go/avcdpb/slicelayout"
	"github.com/xaionaro-go/avcdpb/surface"
	"golang.org/x/exp/constraints"
)

// Changes describes what EnsureCapacity did.
type Changes struct {
	Reallocated   []BufferKind
	MVStorageSize uint64
	MVStorageGrew bool
}

type Sizer struct {
	allocator surface.Allocator

	maxWidthMB  uint32
	maxHeightMB uint32

	buffers         [EndOfBufferKind]surface.Surface
	allocationCount [EndOfBufferKind]uint
	mvStorageSize   uint64

	sliceRecords []slicelayout.Record
}

func New(allocator surface.Allocator) *Sizer {
	return &Sizer{
		allocator: allocator,
	}
}

func raiseHighWaterMark[T constraints.Integer](hwm *T, v T) bool {
	if v <= *hwm {
		return false
	}
	*hwm = v
	return true
}

// EnsureCapacity (re)allocates the buffers that are too small for a
// picture of the given size. Buffers never shrink: the sizes follow the
// high-water mark of the width and height seen in the session.
func (s *Sizer) EnsureCapacity(
	ctx context.Context,
	widthMB, heightMB uint16,
) (_ret Changes, _err error) {
	logger.Tracef(ctx, "EnsureCapacity(ctx, %d, %d)", widthMB, heightMB)
	defer func() { logger.Tracef(ctx, "/EnsureCapacity(ctx, %d, %d): %v %v", widthMB, heightMB, _ret, _err) }()

	if widthMB == 0 || heightMB == 0 {
		return Changes{}, fmt.Errorf("invalid picture size: %dx%d macroblocks", widthMB, heightMB)
	}

	maxWidthMB, maxHeightMB := s.maxWidthMB, s.maxHeightMB
	raiseHighWaterMark(&maxWidthMB, uint32(widthMB))
	raiseHighWaterMark(&maxHeightMB, uint32(heightMB))

	var changes Changes
	for kind := UndefinedBufferKind + 1; kind < EndOfBufferKind; kind++ {
		required := kind.RequiredSize(maxWidthMB)
		cur := s.buffers[kind]
		if !surface.IsNull(cur) && required <= cur.Size() {
			continue
		}
		if err := s.reallocate(ctx, kind, required); err != nil {
			return changes, err
		}
		changes.Reallocated = append(changes.Reallocated, kind)
	}

	changes.MVStorageGrew = raiseHighWaterMark(&s.mvStorageSize, MVStorageSize(maxWidthMB, maxHeightMB))
	changes.MVStorageSize = s.mvStorageSize
	s.maxWidthMB, s.maxHeightMB = maxWidthMB, maxHeightMB
	return changes, nil
}

func (s *Sizer) reallocate(
	ctx context.Context,
	kind BufferKind,
	size uint64,
) error {
	if old := s.buffers[kind]; !surface.IsNull(old) {
		logger.Debugf(ctx, "growing %s: %s -> %s", kind, humanize.IBytes(old.Size()), humanize.IBytes(size))
		if err := s.allocator.Free(ctx, old); err != nil {
			return fmt.Errorf("unable to free %s: %w", kind, err)
		}
		s.buffers[kind] = nil
	} else {
		logger.Debugf(ctx, "allocating %s: %s", kind, humanize.IBytes(size))
	}

	buf, err := s.allocator.Allocate(ctx, surface.LinearBuffer(kind.String(), size))
	if err != nil {
		return fmt.Errorf("unable to allocate %s of %s: %w", kind, humanize.IBytes(size), err)
	}
	s.buffers[kind] = buf
	s.allocationCount[kind]++
	return nil
}

// SliceRecords returns the session's slice record table, grown if needed to
// hold max(frameMBs, numSlices) records. A declared slice count larger than
// the amount of macroblocks is malformed, but still must not overflow.
func (s *Sizer) SliceRecords(frameMBs, numSlices int) []slicelayout.Record {
	required := max(frameMBs, numSlices)
	if required > len(s.sliceRecords) {
		s.sliceRecords = make([]slicelayout.Record, required)
	}
	return s.sliceRecords
}

func (s *Sizer) Buffer(kind BufferKind) surface.Surface {
	if kind <= UndefinedBufferKind || kind >= EndOfBufferKind {
		return nil
	}
	return s.buffers[kind]
}

// AllocationCount returns how many times the buffer was (re)allocated.
func (s *Sizer) AllocationCount(kind BufferKind) uint {
	if kind <= UndefinedBufferKind || kind >= EndOfBufferKind {
		return 0
	}
	return s.allocationCount[kind]
}

func (s *Sizer) MVStorageSize() uint64 {
	return s.mvStorageSize
}

// HighWaterMark returns the largest picture size (in macroblocks) seen so far.
func (s *Sizer) HighWaterMark() (widthMB, heightMB uint32) {
	return s.maxWidthMB, s.maxHeightMB
}

func (s *Sizer) Close(ctx context.Context) error {
	var errs []error
	for kind, buf := range s.buffers {
		if surface.IsNull(buf) {
			continue
		}
		if err := s.allocator.Free(ctx, buf); err != nil {
			errs = append(errs, fmt.Errorf("unable to free %s: %w", BufferKind(kind), err))
		}
		s.buffers[kind] = nil
	}
	s.sliceRecords = nil
	return errors.Join(errs...)
}
