// memsurface.go implements surface.Allocator on top of Go memory.

// Package memsurface provides an in-process surface allocator, used by tests
// and by the replay tool when no libav is wanted.
package memsurface

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/avcdpb/logger"
	"github.com/xaionaro-go/avcdpb/surface"
	"github.com/xaionaro-go/xsync"
)

type Surface struct {
	ID     uint64
	spec   surface.Spec
	Data   []byte
	Locked surface.LockMode
	freed  bool
}

var _ surface.Surface = (*Surface)(nil)

func (s *Surface) String() string {
	return fmt.Sprintf("mem#%d(%s)", s.ID, s.spec)
}

func (s *Surface) Spec() surface.Spec {
	return s.spec
}

func (s *Surface) Size() uint64 {
	return uint64(len(s.Data))
}

func (s *Surface) IsNull() bool {
	return s == nil || s.freed
}

type Allocator struct {
	locker    xsync.Mutex
	nextID    uint64
	live      map[uint64]*Surface
	allocated map[string]uint

	// FailAllocations makes Allocate return an error for names listed here.
	FailAllocations map[string]error
}

var _ surface.Allocator = (*Allocator)(nil)

func NewAllocator() *Allocator {
	return &Allocator{
		live:            map[uint64]*Surface{},
		allocated:       map[string]uint{},
		FailAllocations: map[string]error{},
	}
}

func (a *Allocator) Allocate(
	ctx context.Context,
	spec surface.Spec,
) (surface.Surface, error) {
	return xsync.DoA2R2(xsync.WithNoLogging(ctx, true), &a.locker, a.allocateLocked, ctx, spec)
}

func (a *Allocator) allocateLocked(
	ctx context.Context,
	spec surface.Spec,
) (surface.Surface, error) {
	if err := a.FailAllocations[spec.Name]; err != nil {
		return nil, fmt.Errorf("unable to allocate '%s': %w", spec.Name, err)
	}
	size := spec.Format.FrameSize(spec.Width, spec.Height)
	if size == 0 {
		return nil, fmt.Errorf("unable to allocate '%s': zero size", spec.Name)
	}
	a.nextID++
	s := &Surface{
		ID:   a.nextID,
		spec: spec,
		Data: make([]byte, size),
	}
	a.live[s.ID] = s
	a.allocated[spec.Name]++
	logger.Tracef(ctx, "allocated %s", s)
	return s, nil
}

func (a *Allocator) Free(
	ctx context.Context,
	s surface.Surface,
) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &a.locker, func() error {
		ms, err := a.get(s)
		if err != nil {
			return err
		}
		delete(a.live, ms.ID)
		ms.freed = true
		ms.Data = nil
		return nil
	})
}

func (a *Allocator) Fill(
	ctx context.Context,
	s surface.Surface,
	value byte,
) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &a.locker, func() error {
		ms, err := a.get(s)
		if err != nil {
			return err
		}
		for i := range ms.Data {
			ms.Data[i] = value
		}
		return nil
	})
}

func (a *Allocator) Lock(
	ctx context.Context,
	s surface.Surface,
	mode surface.LockMode,
) ([]byte, error) {
	return xsync.DoR2(xsync.WithNoLogging(ctx, true), &a.locker, func() ([]byte, error) {
		ms, err := a.get(s)
		if err != nil {
			return nil, err
		}
		if ms.Locked != surface.UndefinedLockMode {
			return nil, fmt.Errorf("%s is already locked (%s)", ms, ms.Locked)
		}
		ms.Locked = mode
		return ms.Data, nil
	})
}

func (a *Allocator) Unlock(
	ctx context.Context,
	s surface.Surface,
) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &a.locker, func() error {
		ms, err := a.get(s)
		if err != nil {
			return err
		}
		if ms.Locked == surface.UndefinedLockMode {
			return fmt.Errorf("%s is not locked", ms)
		}
		ms.Locked = surface.UndefinedLockMode
		return nil
	})
}

// AllocationCount returns how many times a surface with the given name was allocated.
func (a *Allocator) AllocationCount(ctx context.Context, name string) uint {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &a.locker, func() uint {
		return a.allocated[name]
	})
}

// LiveCount returns the amount of surfaces allocated and not freed, yet.
func (a *Allocator) LiveCount(ctx context.Context) int {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &a.locker, func() int {
		return len(a.live)
	})
}

func (a *Allocator) get(s surface.Surface) (*Surface, error) {
	ms, ok := s.(*Surface)
	if !ok || ms == nil {
		return nil, fmt.Errorf("not a memsurface: %T", s)
	}
	if _, ok := a.live[ms.ID]; !ok {
		return nil, fmt.Errorf("%s is not allocated by this allocator", ms)
	}
	return ms, nil
}
