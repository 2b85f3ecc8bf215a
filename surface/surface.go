// surface.go defines the contract of the external surface/resource allocator.

// Package surface describes the graphics-memory capabilities consumed by a
// decode session: allocating surfaces and linear buffers, filling them and
// mapping them into CPU-visible memory.
package surface

import (
	"context"
	"fmt"
)

// Surface is an opaque handle to a piece of graphics memory.
type Surface interface {
	fmt.Stringer
	Spec() Spec
	Size() uint64
}

// Spec is what an allocation was requested with.
type Spec struct {
	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`
	Format Format `yaml:"format"`
	Name   string `yaml:"name"`
}

func (s Spec) String() string {
	return fmt.Sprintf("%s:%dx%d:%s", s.Name, s.Width, s.Height, s.Format)
}

// LinearBuffer returns the Spec of a linear buffer of the given size.
func LinearBuffer(name string, size uint64) Spec {
	return Spec{
		Width:  uint32(size),
		Height: 1,
		Format: FormatBuffer,
		Name:   name,
	}
}

type LockMode int

const (
	UndefinedLockMode LockMode = iota
	LockModeRead
	LockModeWrite
	EndOfLockMode
)

func (m LockMode) String() string {
	switch m {
	case UndefinedLockMode:
		return "<undefined>"
	case LockModeRead:
		return "read"
	case LockModeWrite:
		return "write"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(m))
	}
}

type Allocator interface {
	Allocate(ctx context.Context, spec Spec) (Surface, error)
	Free(ctx context.Context, s Surface) error

	// Fill synchronously sets every byte of the surface to the value.
	Fill(ctx context.Context, s Surface, value byte) error

	// Lock maps the surface into CPU memory. For planar formats the luma
	// plane comes first and is followed by the chroma plane(s).
	Lock(ctx context.Context, s Surface, mode LockMode) ([]byte, error)
	Unlock(ctx context.Context, s Surface) error
}

// IsNull returns true if the handle does not point to any storage.
func IsNull(s Surface) bool {
	if s == nil {
		return true
	}
	if n, ok := s.(interface{ IsNull() bool }); ok {
		return n.IsNull()
	}
	return false
}
