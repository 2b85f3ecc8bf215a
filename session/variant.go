package session

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/avcdpb/dpb"
	"github.com/xaionaro-go/avcdpb/logger"
	"github.com/xaionaro-go/avcdpb/surface"
)

// Capabilities is the set of extension points that differ between the
// hardware generations. A nil function is a no-op.
type Capabilities struct {
	// OnAllocateStandard allocates the variant-specific buffers on
	// session construction.
	OnAllocateStandard func(ctx context.Context, s *Session) error

	// OnInitMMCState initializes the memory-compression state of
	// the picture before the tables are updated.
	OnInitMMCState func(ctx context.Context, s *Session, params *dpb.PictureParams, state *FrameState) error

	// OnSetFrameStatesExtra finalizes the state after all
	// the tables are updated.
	OnSetFrameStatesExtra func(ctx context.Context, s *Session, state *FrameState) error
}

func (v Variant) Capabilities() Capabilities {
	switch v {
	case VariantHistogram:
		return Capabilities{
			OnAllocateStandard: allocateHistogram,
		}
	case VariantCompressed:
		return Capabilities{
			OnAllocateStandard:    allocateHistogram,
			OnInitMMCState:        initMMCState,
			OnSetFrameStatesExtra: requestWakeup,
		}
	default:
		return Capabilities{}
	}
}

const (
	histogramBufferName = "histogram"
	histogramBufferSize = 256 * 4 * 4
)

func allocateHistogram(ctx context.Context, s *Session) error {
	buf, err := s.allocator.Allocate(ctx, surface.LinearBuffer(histogramBufferName, histogramBufferSize))
	if err != nil {
		return dpb.ErrAllocation{What: "the histogram buffer", Err: err}
	}
	s.histogram = buf
	s.closer.Add(func() {
		if err := s.allocator.Free(ctx, buf); err != nil {
			s.closeErrs = append(s.closeErrs, fmt.Errorf("unable to free the histogram buffer: %w", err))
		}
	})
	return nil
}

func initMMCState(
	ctx context.Context,
	s *Session,
	params *dpb.PictureParams,
	state *FrameState,
) error {
	// the chroma plane of monochrome pictures is written by the CPU,
	// so it cannot be stored compressed
	state.MMCEnabled = params.ChromaFormat != dpb.ChromaFormatMonochrome
	logger.Tracef(ctx, "memory compression enabled: %t", state.MMCEnabled)
	return nil
}

func requestWakeup(
	ctx context.Context,
	s *Session,
	state *FrameState,
) error {
	state.Wakeup = true
	return nil
}
