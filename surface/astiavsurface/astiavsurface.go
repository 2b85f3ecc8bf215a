// astiavsurface.go implements surface.Allocator on top of libav frames.

// Package astiavsurface backs decode-session surfaces by astiav.Frame-s, so
// that reference pictures can be handed to libav-based consumers as is.
package astiavsurface

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/avcdpb/logger"
	"github.com/xaionaro-go/avcdpb/surface"
)

// libav requires a non-zero alignment when packing the planes into a
// contiguous buffer; 1 means "tightly packed".
const packedAlign = 1

// linearBufferStride is the row width linear buffers are folded into, libav
// rejects frames whose rows are too wide.
const linearBufferStride = 4096

type Surface struct {
	Frame  *astiav.Frame
	spec   surface.Spec
	size   uint64
	locked []byte
	mode   surface.LockMode
}

var _ surface.Surface = (*Surface)(nil)

func (s *Surface) String() string {
	return fmt.Sprintf("astiav(%s)", s.spec)
}

func (s *Surface) Spec() surface.Spec {
	return s.spec
}

func (s *Surface) Size() uint64 {
	return s.size
}

func (s *Surface) IsNull() bool {
	return s == nil || s.Frame == nil
}

type Allocator struct{}

var _ surface.Allocator = (*Allocator)(nil)

func NewAllocator() *Allocator {
	return &Allocator{}
}

func pixelFormat(f surface.Format) (astiav.PixelFormat, error) {
	switch f {
	case surface.FormatNV12:
		return astiav.PixelFormatNv12, nil
	case surface.FormatP010:
		return astiav.PixelFormatP010Le, nil
	case surface.FormatBuffer:
		return astiav.PixelFormatGray8, nil
	default:
		return astiav.PixelFormatNone, fmt.Errorf("unsupported format: %s", f)
	}
}

// frameDimensions returns the size of the frame that backs the surface.
func frameDimensions(spec surface.Spec) (int, int) {
	if spec.Format != surface.FormatBuffer {
		return int(spec.Width), int(spec.Height)
	}
	size := int(spec.Format.FrameSize(spec.Width, spec.Height))
	if size <= linearBufferStride {
		return size, 1
	}
	return linearBufferStride, (size + linearBufferStride - 1) / linearBufferStride
}

func (a *Allocator) Allocate(
	ctx context.Context,
	spec surface.Spec,
) (_ret surface.Surface, _err error) {
	logger.Tracef(ctx, "Allocate(ctx, %s)", spec)
	defer func() { logger.Tracef(ctx, "/Allocate(ctx, %s): %v %v", spec, _ret, _err) }()

	pixFmt, err := pixelFormat(spec.Format)
	if err != nil {
		return nil, err
	}

	f := astiav.AllocFrame()
	if f == nil {
		return nil, fmt.Errorf("unable to allocate a frame for '%s'", spec.Name)
	}
	width, height := frameDimensions(spec)
	f.SetWidth(width)
	f.SetHeight(height)
	f.SetPixelFormat(pixFmt)
	if err := f.AllocBuffer(0); err != nil {
		f.Free()
		return nil, fmt.Errorf("unable to allocate the frame buffer for '%s': %w", spec.Name, err)
	}

	s := &Surface{
		Frame: f,
		spec:  spec,
		size:  spec.Format.FrameSize(spec.Width, spec.Height),
	}
	logger.Debugf(ctx, "allocated %s (%s)", s, humanize.IBytes(s.size))
	return s, nil
}

func (a *Allocator) Free(
	ctx context.Context,
	s surface.Surface,
) error {
	as, err := get(s)
	if err != nil {
		return err
	}
	as.Frame.Free()
	as.Frame = nil
	as.locked = nil
	return nil
}

func (a *Allocator) Fill(
	ctx context.Context,
	s surface.Surface,
	value byte,
) error {
	as, err := get(s)
	if err != nil {
		return err
	}
	buf, err := as.Frame.Data().Bytes(packedAlign)
	if err != nil {
		return fmt.Errorf("unable to get the data of %s: %w", as, err)
	}
	for i := range buf {
		buf[i] = value
	}
	return as.writeBack(buf)
}

func (a *Allocator) Lock(
	ctx context.Context,
	s surface.Surface,
	mode surface.LockMode,
) ([]byte, error) {
	as, err := get(s)
	if err != nil {
		return nil, err
	}
	if as.locked != nil {
		return nil, fmt.Errorf("%s is already locked", as)
	}
	buf, err := as.Frame.Data().Bytes(packedAlign)
	if err != nil {
		return nil, fmt.Errorf("unable to get the data of %s: %w", as, err)
	}
	as.locked = buf
	as.mode = mode
	if uint64(len(buf)) > as.size {
		// the tail of the last row of a folded linear buffer
		return buf[:as.size], nil
	}
	return buf, nil
}

func (a *Allocator) Unlock(
	ctx context.Context,
	s surface.Surface,
) error {
	as, err := get(s)
	if err != nil {
		return err
	}
	if as.locked == nil {
		return fmt.Errorf("%s is not locked", as)
	}
	buf, mode := as.locked, as.mode
	as.locked, as.mode = nil, surface.UndefinedLockMode
	if mode != surface.LockModeWrite {
		return nil
	}
	return as.writeBack(buf)
}

func (s *Surface) writeBack(buf []byte) error {
	if err := s.Frame.MakeWritable(); err != nil {
		return fmt.Errorf("unable to make %s writable: %w", s, err)
	}
	if err := s.Frame.Data().SetBytes(buf, packedAlign); err != nil {
		return fmt.Errorf("unable to set the data of %s: %w", s, err)
	}
	return nil
}

func get(s surface.Surface) (*Surface, error) {
	as, ok := s.(*Surface)
	if !ok || as.IsNull() {
		return nil, fmt.Errorf("not a live astiav surface: %v", s)
	}
	return as, nil
}
