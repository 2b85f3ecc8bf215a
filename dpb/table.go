// table.go implements the reference-picture table manager.

package dpb

import (
	"context"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt"
	"github.com/xaionaro-go/avcdpb/logger"
	"github.com/xaionaro-go/avcdpb/surface"
	"github.com/xaionaro-go/typing"
)

// Concealer provides the placeholder surface that substitutes missing
// reference pictures of intra-only pictures.
type Concealer interface {
	ConcealmentSurface(ctx context.Context) (surface.Surface, error)
}

// VisibleReference is a reference picture as the decode engine sees it.
type VisibleReference struct {
	RefIndex      int
	Picture       Picture
	FrameStoreID  FrameStoreID
	MVBufferIndex [2]MVBufferIndex
	Surface       surface.Surface
	Concealed     bool
}

// FrameState is the hardware-facing result of a table update.
type FrameState struct {
	Picture       Picture
	IsSecondField bool

	MVBufferIndex MVBufferIndex
	MVBuffer      surface.Surface

	References []VisibleReference

	// Survived and FrameStoreIDs are indexed by the position in the
	// declared reference frame list.
	Survived      [MaxRefFrames]bool
	FrameStoreIDs [MaxRefFrames]FrameStoreID

	Duplicates            int
	Concealed             int
	Dropped               int
	FrameStoreIDExhausted bool
	MVBufferExhausted     bool
}

// Table is the arena of reference slots of a single decode session.
type Table struct {
	slots           []Slot
	prevPic         typing.Optional[Picture]
	prevSecondField bool
	frameStoreIDs   FrameStoreIDs
	mvBuffers       *MVBufferPool
	concealer       Concealer
}

// NewTable creates a table of numSlots slots. The concealer may be nil, then
// missing references of intra pictures are dropped as for inter pictures.
func NewTable(
	numSlots int,
	mvBuffers *MVBufferPool,
	concealer Concealer,
) (*Table, error) {
	if numSlots <= 0 || numSlots > MaxSlots {
		return nil, fmt.Errorf("the amount of slots should be in range [1, %d], but is %d", MaxSlots, numSlots)
	}
	if mvBuffers == nil {
		mvBuffers = NewMVBufferPool(nil)
	}
	t := &Table{
		slots:     make([]Slot, numSlots),
		mvBuffers: mvBuffers,
		concealer: concealer,
	}
	for idx := range t.slots {
		t.slots[idx] = newSlot(SlotIndex(idx))
	}
	return t, nil
}

func (t *Table) NumSlots() int {
	return len(t.slots)
}

// Slot returns a copy of the slot bookkeeping.
func (t *Table) Slot(idx SlotIndex) (Slot, bool) {
	if !t.isInRange(idx) {
		return Slot{}, false
	}
	return t.slots[idx].clone(), true
}

func (t *Table) FrameStoreIDs() *FrameStoreIDs {
	return &t.frameStoreIDs
}

func (t *Table) MVBuffers() *MVBufferPool {
	return t.mvBuffers
}

// PreviousPicture returns the last decoded picture, if it is still valid.
func (t *Table) PreviousPicture() (Picture, bool) {
	if !t.prevPic.IsSet() {
		return InvalidPicture(), false
	}
	return t.prevPic.Get(), true
}

// Invalidate forgets the previous picture (a scene cut or a seek): the next
// picture cannot rely on the continuity with the previous reference list.
func (t *Table) Invalidate(ctx context.Context) {
	logger.Debugf(ctx, "invalidating the previous picture")
	t.prevPic = typing.Optional[Picture]{}
	t.prevSecondField = false
}

func (t *Table) isInRange(idx SlotIndex) bool {
	return int(idx) < len(t.slots)
}

type refCandidate struct {
	RefIndex  int
	Picture   Picture
	Surface   surface.Surface
	Concealed bool
}

// Update accounts the picture that is about to be decoded. refSurfaces is
// indexed by SlotIndex; a slot beyond its length keeps its current surface.
//
// If the picture turned out undecodable, the returned error is
// ErrPictureUndecodable and the returned state is still non-nil.
func (t *Table) Update(
	ctx context.Context,
	params PictureParams,
	refSurfaces []surface.Surface,
) (_ret *FrameState, _err error) {
	cur := params.CurrPic
	ctx = belt.WithField(ctx, "pic_idx", cur.Index)
	ctx = belt.WithField(ctx, "pic_structure", cur.Structure)
	logger.Tracef(ctx, "Update")
	defer func() {
		if logger.FromCtx(ctx).Level() >= logger.LevelTrace {
			logger.Tracef(ctx, "/Update: %s %v", spew.Sdump(_ret), _err)
		}
	}()

	if !cur.IsValid() || !t.isInRange(cur.Index) {
		return nil, ErrInvalidPicture{Picture: cur, NumSlots: len(t.slots)}
	}
	if len(params.RefFrameList) > MaxRefFrames {
		return nil, ErrTooManyReferences{Count: len(params.RefFrameList)}
	}

	prev, hasPrev := t.PreviousPicture()
	isSecondField := hasPrev && !t.prevSecondField &&
		cur.IsField() && prev.IsField() &&
		prev.Index == cur.Index && prev.Structure != cur.Structure

	state := &FrameState{
		Picture:       cur,
		IsSecondField: isSecondField,
	}
	for i := range state.FrameStoreIDs {
		state.FrameStoreIDs[i] = FrameStoreIDUnassigned
	}

	// Nothing is mutated until every fallible step is done.
	candidates, needConcealment := t.collectReferences(ctx, params, refSurfaces, state)
	if needConcealment {
		placeholder, err := t.concealer.ConcealmentSurface(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to get the concealment surface: %w", err)
		}
		for i := range candidates {
			if candidates[i].Concealed {
				candidates[i].Surface = placeholder
			}
		}
	}

	curSlot := &t.slots[cur.Index]
	if isSecondField {
		state.MVBufferIndex = curSlot.MVBufferIndex[0]
	} else {
		referenced := func(owner SlotIndex) bool {
			for _, c := range candidates {
				if c.Picture.Index == owner {
					return true
				}
			}
			return false
		}
		exhaustedBefore := t.mvBuffers.ExhaustionCount()
		mvIdx, err := t.mvBuffers.Acquire(ctx, params.IsReference, cur.Index, referenced)
		if err != nil {
			return nil, err
		}
		state.MVBufferIndex = mvIdx
		state.MVBufferExhausted = t.mvBuffers.ExhaustionCount() != exhaustedBefore
	}
	state.MVBuffer = t.mvBuffers.Storage(state.MVBufferIndex)

	source, reuse := t.retireFrameStoreIDs(ctx, params, prev, hasPrev, isSecondField, candidates)

	curSlot.RefList = curSlot.RefList[:0]
	if !isSecondField {
		curSlot.FrameStoreID = FrameStoreIDUnassigned
		curSlot.UsedAsReference = false
		curSlot.FieldOrderCnt = [2]int32{}
	}
	curSlot.MVBufferIndex = [2]MVBufferIndex{state.MVBufferIndex, state.MVBufferIndex}

	var referenced [MaxSlots]bool
	for _, c := range candidates {
		slot := &t.slots[c.Picture.Index]
		referenced[c.Picture.Index] = true
		if !c.Concealed {
			slot.Surface = c.Surface
		}
		if c.RefIndex < len(params.FrameNumList) {
			slot.FrameNum = params.FrameNumList[c.RefIndex]
		}
		if c.RefIndex < len(params.FieldOrderCntList) {
			slot.FieldOrderCnt = params.FieldOrderCntList[c.RefIndex]
		}
		slot.Picture.LongTerm = c.Picture.LongTerm

		if reuse[c.Picture.Index] {
			t.frameStoreIDs.Mark(ctx, slot.FrameStoreID)
		} else {
			id, ok := t.frameStoreIDs.Assign(ctx)
			if !ok {
				state.FrameStoreIDExhausted = true
			}
			slot.FrameStoreID = id
		}

		curSlot.RefList = append(curSlot.RefList, c.Picture)
		state.Survived[c.RefIndex] = true
		state.FrameStoreIDs[c.RefIndex] = slot.FrameStoreID
		state.References = append(state.References, VisibleReference{
			RefIndex:      c.RefIndex,
			Picture:       c.Picture,
			FrameStoreID:  slot.FrameStoreID,
			MVBufferIndex: slot.MVBufferIndex,
			Surface:       c.Surface,
			Concealed:     c.Concealed,
		})
	}

	for idx, wasReferenced := range source {
		if !wasReferenced || referenced[idx] || SlotIndex(idx) == cur.Index {
			continue
		}
		slot := &t.slots[idx]
		logger.Tracef(ctx, "retiring slot %d (frame store id %s)", idx, slot.FrameStoreID)
		slot.UsedAsReference = false
		slot.FrameStoreID = FrameStoreIDUnassigned
	}

	t.updateCurrentSlot(curSlot, params, isSecondField)
	t.prevPic = typing.Opt(cur)
	t.prevSecondField = isSecondField

	if state.Dropped > 0 && len(state.References) == 0 {
		logger.Errorf(ctx, "all %d reference(s) of the picture are missing", state.Dropped)
		return state, ErrPictureUndecodable{Picture: cur, Dropped: state.Dropped}
	}
	return state, nil
}

// collectReferences deduplicates the declared reference list and resolves
// the surfaces, without touching the table.
func (t *Table) collectReferences(
	ctx context.Context,
	params PictureParams,
	refSurfaces []surface.Surface,
	state *FrameState,
) ([]refCandidate, bool) {
	var (
		seen            [MaxSlots]bool
		candidates      = make([]refCandidate, 0, len(params.RefFrameList))
		needConcealment bool
	)
	for refIdx, ref := range params.RefFrameList {
		if !ref.IsValid() {
			continue
		}
		if !t.isInRange(ref.Index) {
			logger.Warnf(ctx, "reference #%d points to slot %s, which is out of range", refIdx, ref.Index)
			state.Dropped++
			continue
		}
		if seen[ref.Index] {
			logger.Debugf(ctx, "reference #%d duplicates slot %s, ignoring", refIdx, ref.Index)
			state.Duplicates++
			continue
		}
		seen[ref.Index] = true

		s := t.slots[ref.Index].Surface
		if int(ref.Index) < len(refSurfaces) {
			s = refSurfaces[ref.Index]
		}
		c := refCandidate{
			RefIndex: refIdx,
			Picture:  ref,
			Surface:  s,
		}
		if surface.IsNull(s) {
			if !params.IntraOnly || t.concealer == nil {
				logger.Errorf(ctx, "reference #%d (slot %s) has no surface, dropping it", refIdx, ref.Index)
				state.Dropped++
				continue
			}
			logger.Warnf(ctx, "reference #%d (slot %s) has no surface, concealing it", refIdx, ref.Index)
			c.Concealed = true
			needConcealment = true
			state.Concealed++
		}
		candidates = append(candidates, c)
	}
	return candidates, needConcealment
}

// retireFrameStoreIDs frees every frame store id except the ones the
// current picture keeps using. It returns the slots of the continuity
// source and the slots whose id is kept.
//
// The continuity source is the reference list of the previous picture. If
// there is no valid previous picture, but the current picture is a
// reference one, the stale reference list left in the current slot is used
// instead; otherwise every id is freed. Either way an id is kept only if
// its slot is referenced by the current picture as well, so the ids of
// dropped references are free before the new ones are assigned.
func (t *Table) retireFrameStoreIDs(
	ctx context.Context,
	params PictureParams,
	prev Picture,
	hasPrev bool,
	isSecondField bool,
	candidates []refCandidate,
) (source, reuse [MaxSlots]bool) {
	var list []Picture
	switch {
	case hasPrev:
		list = t.slots[prev.Index].RefList
	case params.IsReference:
		logger.Debugf(ctx, "no previous picture, retiring frame store ids using the stale bookkeeping of the current slot")
		list = t.slots[params.CurrPic.Index].RefList
	}

	var referenced [MaxSlots]bool
	for _, c := range candidates {
		referenced[c.Picture.Index] = true
	}

	var (
		kept [MaxRefFrames]bool
		keep = make([]FrameStoreID, 0, len(list))
	)
	for _, ref := range list {
		if !ref.IsValid() || !t.isInRange(ref.Index) {
			continue
		}
		source[ref.Index] = true
		if !referenced[ref.Index] {
			continue
		}
		if ref.Index == params.CurrPic.Index && !isSecondField {
			// the current slot is reset below
			continue
		}
		id := t.slots[ref.Index].FrameStoreID
		if int(id) >= MaxRefFrames || kept[id] {
			// stale bookkeeping may carry an id another slot already holds
			continue
		}
		kept[id] = true
		reuse[ref.Index] = true
		keep = append(keep, id)
	}
	t.frameStoreIDs.Retain(ctx, keep)
	return source, reuse
}

func (t *Table) updateCurrentSlot(
	slot *Slot,
	params PictureParams,
	isSecondField bool,
) {
	cur := params.CurrPic
	slot.Picture = cur
	if isSecondField {
		slot.Picture.Structure = PictureStructureFrame
	}
	slot.FrameNum = params.FrameNum
	if !surface.IsNull(params.Destination) {
		slot.Surface = params.Destination
	}

	switch cur.Structure {
	case PictureStructureTopField:
		slot.FieldOrderCnt[0] = params.FieldOrderCnt[0]
	case PictureStructureBottomField:
		slot.FieldOrderCnt[1] = params.FieldOrderCnt[1]
	default:
		slot.FieldOrderCnt = params.FieldOrderCnt
	}

	if isSecondField {
		slot.UsedAsReference = slot.UsedAsReference || params.IsReference
	} else {
		slot.UsedAsReference = params.IsReference
	}
}
