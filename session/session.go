// session.go implements the per-stream decode session facade.

// Package session ties the reference-picture table, the scratch buffers and
// the slice validation of a single decoded stream together.
//
// Sessions are independent from each other; a session processes pictures
// strictly in decode order.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/asticode/go-astikit"
	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/facebookincubator/go-belt"
	"github.com/go-ng/xatomic"
	"github.com/xaionaro-go/avcdpb/dpb"
	"github.com/xaionaro-go/avcdpb/logger"
	"github.com/xaionaro-go/avcdpb/resourcepool"
	"github.com/xaionaro-go/avcdpb/slicelayout"
	"github.com/xaionaro-go/avcdpb/surface"
	"github.com/xaionaro-go/avcdpb/types"
	"github.com/xaionaro-go/xsync"
)

// macroblockSize is the width and height of a macroblock in pixels.
const macroblockSize = 16

// FrameState is the parameter block handed to the command emission layer.
type FrameState struct {
	*dpb.FrameState

	Scratch   [resourcepool.EndOfBufferKind]surface.Surface
	Histogram surface.Surface

	MMCEnabled        bool
	Wakeup            bool
	ChromaInitialized bool
}

type ErrClosed struct{}

func (ErrClosed) Error() string {
	return "the session is closed"
}

type ErrNoPicture struct{}

func (ErrNoPicture) Error() string {
	return "no picture was set up, yet"
}

type Session struct {
	locker xsync.Mutex

	config       Config
	allocator    surface.Allocator
	capabilities Capabilities

	sizer       *resourcepool.Sizer
	mvBuffers   *dpb.MVBufferPool
	table       *dpb.Table
	concealment *concealment
	histogram   surface.Surface

	// chromaInitialized maps the surfaces whose chroma plane is already
	// initialized for monochrome decoding to the slot they were last
	// decoded into. A slot holds at most one entry.
	chromaInitialized map[surface.Surface]dpb.SlotIndex

	lastParams     *dpb.PictureParams
	lastFrameState *FrameState
	counters       *types.Counters

	closer    *astikit.Closer
	closeErrs []error
	closed    bool
}

var _ types.Closer = (*Session)(nil)

func New(
	ctx context.Context,
	cfg Config,
	allocator surface.Allocator,
) (_ret *Session, _err error) {
	cfg = cfg.WithDefaults()
	logger.Debugf(ctx, "New(ctx, %#+v)", cfg)
	defer func() { logger.Debugf(ctx, "/New(ctx, %#+v): %v", cfg, _err) }()

	if allocator == nil {
		return nil, fmt.Errorf("no surface allocator provided")
	}

	s := &Session{
		config:            cfg,
		allocator:         allocator,
		capabilities:      cfg.Variant.Capabilities(),
		sizer:             resourcepool.New(allocator),
		mvBuffers:         dpb.NewMVBufferPool(allocator),
		concealment:       newConcealment(allocator, cfg.Format),
		chromaInitialized: map[surface.Surface]dpb.SlotIndex{},
		counters:          types.NewCounters(),
		closer:            astikit.NewCloser(),
	}
	s.closer.Add(func() {
		if err := s.sizer.Close(ctx); err != nil {
			s.closeErrs = append(s.closeErrs, fmt.Errorf("unable to close the scratch buffers: %w", err))
		}
	})
	s.closer.Add(func() {
		if err := s.mvBuffers.Close(ctx); err != nil {
			s.closeErrs = append(s.closeErrs, fmt.Errorf("unable to close the motion vector buffers: %w", err))
		}
	})
	s.closer.Add(func() {
		if err := s.concealment.free(ctx); err != nil {
			s.closeErrs = append(s.closeErrs, err)
		}
	})

	table, err := dpb.NewTable(cfg.NumSlots, s.mvBuffers, s.concealment)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize the reference picture table: %w", err)
	}
	s.table = table

	if fn := s.capabilities.OnAllocateStandard; fn != nil {
		if err := fn(ctx, s); err != nil {
			if closeErr := s.Close(ctx); closeErr != nil {
				logger.Errorf(ctx, "unable to close the session: %v", closeErr)
			}
			return nil, fmt.Errorf("unable to allocate the %s variant buffers: %w", cfg.Variant, err)
		}
	}
	return s, nil
}

func (s *Session) Config() Config {
	return s.config
}

// SetFrameStates prepares the session for decoding the picture: grows
// the scratch buffers, updates the reference-picture table and initializes
// the destination surface if needed.
//
// If the picture is undecodable, the state is returned together with
// dpb.ErrPictureUndecodable; the session stays usable.
func (s *Session) SetFrameStates(
	ctx context.Context,
	params dpb.PictureParams,
	slices []slicelayout.Descriptor,
	refSurfaces []surface.Surface,
) (*FrameState, error) {
	return xsync.DoR2(ctx, &s.locker, func() (*FrameState, error) {
		return s.setFrameStatesLocked(ctx, params, slices, refSurfaces)
	})
}

func (s *Session) setFrameStatesLocked(
	ctx context.Context,
	params dpb.PictureParams,
	slices []slicelayout.Descriptor,
	refSurfaces []surface.Surface,
) (_ret *FrameState, _err error) {
	ctx = belt.WithField(ctx, "frame_num", params.FrameNum)
	logger.Tracef(ctx, "setFrameStates(ctx, %s, %d slices)", params.CurrPic, len(slices))
	defer func() { logger.Tracef(ctx, "/setFrameStates(ctx, %s, %d slices): %v", params.CurrPic, len(slices), _err) }()

	if s.closed {
		return nil, ErrClosed{}
	}

	state, err := s.prepareFrameState(ctx, &params, slices, refSurfaces)
	switch {
	case err == nil:
		s.counters.Pictures.Decoded.Inc()
	case errors.As(err, &dpb.ErrPictureUndecodable{}):
		s.counters.Pictures.Undecodable.Inc()
	default:
		s.counters.Pictures.Failed.Inc()
		return nil, err
	}

	s.countFrameState(state)
	s.lastParams = &params
	xatomic.StorePointer(&s.lastFrameState, state)
	if logger.FromCtx(ctx).Level() >= logger.LevelTrace {
		logger.Tracef(ctx, "frame state: %s", spew.Sdump(state))
	}
	return state, err
}

func (s *Session) prepareFrameState(
	ctx context.Context,
	params *dpb.PictureParams,
	slices []slicelayout.Descriptor,
	refSurfaces []surface.Surface,
) (*FrameState, error) {
	changes, err := s.sizer.EnsureCapacity(ctx, params.WidthInMBs, params.HeightInMBs)
	if err != nil {
		return nil, fmt.Errorf("unable to ensure the scratch buffers capacity: %w", err)
	}
	if len(changes.Reallocated) > 0 {
		s.counters.Resources.ScratchReallocations.Add(uint64(len(changes.Reallocated)))
	}
	if changes.MVStorageGrew {
		if err := s.mvBuffers.SetStorageSize(ctx, changes.MVStorageSize); err != nil {
			return nil, fmt.Errorf("unable to resize the motion vector buffers: %w", err)
		}
	}
	s.sizer.SliceRecords(int(params.FrameSizeInMBs()), len(slices))

	state := &FrameState{
		Histogram: s.histogram,
	}
	for kind := resourcepool.UndefinedBufferKind + 1; kind < resourcepool.EndOfBufferKind; kind++ {
		state.Scratch[kind] = s.sizer.Buffer(kind)
	}

	if fn := s.capabilities.OnInitMMCState; fn != nil {
		if err := fn(ctx, s, params, state); err != nil {
			return nil, fmt.Errorf("unable to initialize the memory compression state: %w", err)
		}
	}

	if err := s.concealment.setFrameSize(
		ctx,
		uint32(params.WidthInMBs)*macroblockSize,
		uint32(params.HeightInMBs)*macroblockSize,
	); err != nil {
		return nil, err
	}

	dpbState, err := s.table.Update(ctx, *params, refSurfaces)
	if dpbState == nil {
		return nil, err
	}
	state.FrameState = dpbState
	undecodableErr := err

	s.forgetReplacedChroma(params.CurrPic.Index, params.Destination)
	if params.ChromaFormat == dpb.ChromaFormatMonochrome {
		initialized, err := s.initChroma(ctx, params.CurrPic.Index, params.Destination)
		if err != nil {
			return nil, fmt.Errorf("unable to initialize the chroma plane of %s: %w", params.Destination, err)
		}
		state.ChromaInitialized = initialized
	}

	if fn := s.capabilities.OnSetFrameStatesExtra; fn != nil {
		if err := fn(ctx, s, state); err != nil {
			return nil, err
		}
	}
	return state, undecodableErr
}

// forgetReplacedChroma drops the surface a slot held before it got a new
// destination; the surface may be recycled by the caller meanwhile.
func (s *Session) forgetReplacedChroma(
	slot dpb.SlotIndex,
	dst surface.Surface,
) {
	if surface.IsNull(dst) {
		return
	}
	for old, oldSlot := range s.chromaInitialized {
		if oldSlot == slot && old != dst {
			delete(s.chromaInitialized, old)
		}
	}
}

// initChroma fills the chroma plane of the surface with the neutral value,
// once per surface while it stays in use. Monochrome pictures do not decode
// chroma.
func (s *Session) initChroma(
	ctx context.Context,
	slot dpb.SlotIndex,
	dst surface.Surface,
) (bool, error) {
	if surface.IsNull(dst) {
		return false, nil
	}
	if _, ok := s.chromaInitialized[dst]; ok {
		s.chromaInitialized[dst] = slot
		return false, nil
	}

	spec := dst.Spec()
	buf, err := s.allocator.Lock(ctx, dst, surface.LockModeWrite)
	if err != nil {
		return false, fmt.Errorf("unable to lock: %w", err)
	}
	lumaSize := spec.Format.LumaSize(spec.Width, spec.Height)
	if lumaSize < uint64(len(buf)) {
		chroma := buf[lumaSize:]
		value := spec.Format.NeutralValue()
		for i := range chroma {
			chroma[i] = value
		}
		logger.Debugf(ctx, "initialized %s of chroma of %s", humanize.IBytes(uint64(len(chroma))), dst)
	}
	if err := s.allocator.Unlock(ctx, dst); err != nil {
		return false, fmt.Errorf("unable to unlock: %w", err)
	}
	s.chromaInitialized[dst] = slot
	s.counters.Resources.ChromaInitializations.Inc()
	return true, nil
}

func (s *Session) countFrameState(state *FrameState) {
	c := &s.counters.References
	c.Visible.Add(uint64(len(state.References)))
	c.Concealed.Add(uint64(state.Concealed))
	c.Dropped.Add(uint64(state.Dropped))
	c.Duplicates.Add(uint64(state.Duplicates))
	if state.FrameStoreIDExhausted {
		s.counters.Resources.FrameStoreIDExhausted.Inc()
	}
	if state.MVBufferExhausted {
		s.counters.Resources.MVBufferExhausted.Inc()
	}
}

// ParseSlices validates the slice layout of the picture set up by the last
// SetFrameStates call. Malformed slices are skipped, not reported as errors.
//
// The records are validated in the scratch storage of the session, the
// returned layout owns a copy of them.
func (s *Session) ParseSlices(
	ctx context.Context,
	slices []slicelayout.Descriptor,
	bitstreamSize uint32,
) (*slicelayout.Layout, error) {
	return xsync.DoA3R2(ctx, &s.locker, s.parseSlicesLocked, ctx, slices, bitstreamSize)
}

func (s *Session) parseSlicesLocked(
	ctx context.Context,
	slices []slicelayout.Descriptor,
	bitstreamSize uint32,
) (*slicelayout.Layout, error) {
	if s.closed {
		return nil, ErrClosed{}
	}
	params := s.lastParams
	if params == nil {
		return nil, ErrNoPicture{}
	}

	layout, err := s.config.Slices.Validate(ctx, slicelayout.Input{
		Slices:           slices,
		PictureSizeInMBs: params.PictureSizeInMBs(),
		MBAFF:            params.MBAFF,
		BitstreamSize:    bitstreamSize,
		Records:          s.sizer.SliceRecords(int(params.FrameSizeInMBs()), len(slices)),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to validate the slices of %s: %w", params.CurrPic, err)
	}
	layout.Records = append([]slicelayout.Record(nil), layout.Records...)

	skipped := layout.SkippedCount()
	s.counters.Slices.Skipped.Add(uint64(skipped))
	s.counters.Slices.Valid.Add(uint64(len(slices) - skipped))
	s.counters.Slices.Bytes.Add(layout.TotalBytesConsumed())
	if layout.Phantom != nil {
		s.counters.Slices.Phantom.Inc()
	}
	return layout, nil
}

// Invalidate makes the session forget the previous picture (a scene cut
// or a seek).
func (s *Session) Invalidate(ctx context.Context) {
	s.locker.Do(ctx, func() {
		s.table.Invalidate(ctx)
	})
}

// Table returns the reference-picture table. It must not be used
// concurrently with the session.
func (s *Session) Table() *dpb.Table {
	return s.table
}

func (s *Session) Sizer() *resourcepool.Sizer {
	return s.sizer
}

func (s *Session) Statistics() types.Statistics {
	return s.counters.ToStats()
}

// LastFrameState returns the state returned by the last successful
// SetFrameStates call. It is safe to call concurrently.
func (s *Session) LastFrameState() *FrameState {
	return xatomic.LoadPointer(&s.lastFrameState)
}

// Close releases every buffer owned by the session.
func (s *Session) Close(ctx context.Context) error {
	return xsync.DoA1R1(ctx, &s.locker, s.closeLocked, ctx)
}

func (s *Session) closeLocked(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.closeErrs = nil
	if err := s.closer.Close(); err != nil {
		s.closeErrs = append(s.closeErrs, err)
	}
	clear(s.chromaInitialized)
	s.lastParams = nil
	return errors.Join(s.closeErrs...)
}
