package session

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/avcdpb/dpb"
	"github.com/xaionaro-go/avcdpb/logger"
	"github.com/xaionaro-go/avcdpb/surface"
)

const concealmentSurfaceName = "concealment"

// concealment lazily allocates the neutral placeholder that substitutes
// missing references of intra pictures. It is allocated at most once per
// picture size high-water mark.
type concealment struct {
	allocator surface.Allocator
	spec      surface.Spec
	surface   surface.Surface
}

var _ dpb.Concealer = (*concealment)(nil)

func newConcealment(allocator surface.Allocator, format surface.Format) *concealment {
	return &concealment{
		allocator: allocator,
		spec: surface.Spec{
			Format: format,
			Name:   concealmentSurfaceName,
		},
	}
}

// setFrameSize grows the placeholder size. The existing placeholder is
// freed if it is too small, a new one is allocated on demand.
func (c *concealment) setFrameSize(
	ctx context.Context,
	width, height uint32,
) error {
	if width <= c.spec.Width && height <= c.spec.Height {
		return nil
	}
	c.spec.Width = max(c.spec.Width, width)
	c.spec.Height = max(c.spec.Height, height)
	return c.free(ctx)
}

func (c *concealment) ConcealmentSurface(ctx context.Context) (surface.Surface, error) {
	if !surface.IsNull(c.surface) {
		return c.surface, nil
	}

	s, err := c.allocator.Allocate(ctx, c.spec)
	if err != nil {
		return nil, dpb.ErrAllocation{What: "the concealment surface", Err: err}
	}
	if err := c.allocator.Fill(ctx, s, c.spec.Format.NeutralValue()); err != nil {
		if freeErr := c.allocator.Free(ctx, s); freeErr != nil {
			logger.Errorf(ctx, "unable to free the concealment surface: %v", freeErr)
		}
		return nil, fmt.Errorf("unable to fill the concealment surface: %w", err)
	}
	logger.Debugf(ctx, "allocated the concealment surface %s (%s)", s, humanize.IBytes(s.Size()))
	c.surface = s
	return s, nil
}

func (c *concealment) free(ctx context.Context) error {
	if surface.IsNull(c.surface) {
		return nil
	}
	s := c.surface
	c.surface = nil
	if err := c.allocator.Free(ctx, s); err != nil {
		return fmt.Errorf("unable to free the concealment surface %s: %w", s, err)
	}
	return nil
}
