package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaionaro-go/avcdpb/dpb"
	"github.com/xaionaro-go/avcdpb/session"
	"github.com/xaionaro-go/avcdpb/surface"
)

const macroblockSize = 16

// replayer plays the role of the decoder: it owns the decoded surfaces
// and feeds the pictures into a session.
type replayer struct {
	trace     *Trace
	allocator surface.Allocator
	session   *session.Session
	surfaces  []surface.Surface
}

func newReplayer(
	ctx context.Context,
	trace *Trace,
	allocator surface.Allocator,
) (*replayer, error) {
	s, err := session.New(ctx, trace.Config, allocator)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize the session: %w", err)
	}
	return &replayer{
		trace:     trace,
		allocator: allocator,
		session:   s,
		surfaces:  make([]surface.Surface, s.Config().NumSlots),
	}, nil
}

type ReferenceReport struct {
	RefIndex      int                  `json:"ref_index"`
	Picture       string               `json:"picture"`
	FrameStoreID  dpb.FrameStoreID     `json:"frame_store_id"`
	MVBufferIndex [2]dpb.MVBufferIndex `json:"mv_buffer_index"`
	Concealed     bool                 `json:"concealed,omitempty"`
}

type PictureReport struct {
	Picture       string            `json:"picture"`
	SecondField   bool              `json:"second_field,omitempty"`
	MVBufferIndex dpb.MVBufferIndex `json:"mv_buffer_index"`
	References    []ReferenceReport `json:"references"`
	Dropped       int               `json:"dropped,omitempty"`
	Duplicates    int               `json:"duplicates,omitempty"`
	MMCEnabled    bool              `json:"mmc_enabled,omitempty"`
	Wakeup        bool              `json:"wakeup,omitempty"`
	Slices        []string          `json:"slices,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func (r *replayer) Replay(
	ctx context.Context,
	pic TracePicture,
) (*PictureReport, error) {
	params := pic.Params(r.trace)
	if int(params.CurrPic.Index) >= len(r.surfaces) {
		return nil, fmt.Errorf("slot %s is out of range", params.CurrPic.Index)
	}
	if pic.SceneCut {
		r.session.Invalidate(ctx)
	}

	dst, err := r.destination(ctx, params)
	if err != nil {
		return nil, err
	}
	params.Destination = dst

	refSurfaces := make([]surface.Surface, len(r.surfaces))
	copy(refSurfaces, r.surfaces)
	for _, idx := range pic.Missing {
		if int(idx) < len(refSurfaces) {
			refSurfaces[idx] = nil
		}
	}

	state, err := r.session.SetFrameStates(ctx, params, pic.Slices, refSurfaces)
	if state == nil {
		return nil, err
	}
	report := &PictureReport{
		Picture:       state.Picture.String(),
		SecondField:   state.IsSecondField,
		MVBufferIndex: state.MVBufferIndex,
		Dropped:       state.Dropped,
		Duplicates:    state.Duplicates,
		MMCEnabled:    state.MMCEnabled,
		Wakeup:        state.Wakeup,
	}
	for _, ref := range state.References {
		report.References = append(report.References, ReferenceReport{
			RefIndex:      ref.RefIndex,
			Picture:       ref.Picture.String(),
			FrameStoreID:  ref.FrameStoreID,
			MVBufferIndex: ref.MVBufferIndex,
			Concealed:     ref.Concealed,
		})
	}
	if err != nil {
		report.Error = err.Error()
		return report, err
	}

	if len(pic.Slices) > 0 {
		layout, err := r.session.ParseSlices(ctx, pic.Slices, pic.BitstreamSize)
		if err != nil {
			return nil, err
		}
		for rng := range layout.Ranges() {
			report.Slices = append(report.Slices, rng.String())
		}
	}
	return report, nil
}

// destination returns the surface the picture is decoded into. Surfaces
// are allocated per slot and reallocated when the picture grows.
func (r *replayer) destination(
	ctx context.Context,
	params dpb.PictureParams,
) (surface.Surface, error) {
	spec := surface.Spec{
		Width:  uint32(params.WidthInMBs) * macroblockSize,
		Height: uint32(params.HeightInMBs) * macroblockSize,
		Format: r.session.Config().Format,
		Name:   fmt.Sprintf("slot_%d", params.CurrPic.Index),
	}
	cur := r.surfaces[params.CurrPic.Index]
	if !surface.IsNull(cur) {
		old := cur.Spec()
		if old.Width >= spec.Width && old.Height >= spec.Height {
			return cur, nil
		}
		if err := r.allocator.Free(ctx, cur); err != nil {
			return nil, fmt.Errorf("unable to free %s: %w", cur, err)
		}
		r.surfaces[params.CurrPic.Index] = nil
	}

	dst, err := r.allocator.Allocate(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("unable to allocate the destination surface: %w", err)
	}
	r.surfaces[params.CurrPic.Index] = dst
	return dst, nil
}

func (r *replayer) Close(ctx context.Context) error {
	var errs []error
	if err := r.session.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	for idx, s := range r.surfaces {
		if surface.IsNull(s) {
			continue
		}
		if err := r.allocator.Free(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("unable to free the surface of slot %d: %w", idx, err))
		}
		r.surfaces[idx] = nil
	}
	return errors.Join(errs...)
}
