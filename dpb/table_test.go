package dpb

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avcdpb/surface"
	"github.com/xaionaro-go/avcdpb/surface/memsurface"
)

type testConcealer struct {
	surface surface.Surface
	calls   int
	err     error
}

func (c *testConcealer) ConcealmentSurface(ctx context.Context) (surface.Surface, error) {
	c.calls++
	return c.surface, c.err
}

type tableFixture struct {
	t         *testing.T
	ctx       context.Context
	alloc     *memsurface.Allocator
	table     *Table
	concealer *testConcealer
	surfaces  []surface.Surface
}

func newTableFixture(t *testing.T, numSlots int) *tableFixture {
	ctx := context.Background()
	alloc := memsurface.NewAllocator()
	placeholder, err := alloc.Allocate(ctx, surface.Spec{Width: 16, Height: 16, Format: surface.FormatNV12, Name: "placeholder"})
	require.NoError(t, err)
	concealer := &testConcealer{surface: placeholder}
	table, err := NewTable(numSlots, NewMVBufferPool(nil), concealer)
	require.NoError(t, err)
	f := &tableFixture{
		t:         t,
		ctx:       ctx,
		alloc:     alloc,
		table:     table,
		concealer: concealer,
		surfaces:  make([]surface.Surface, numSlots),
	}
	for idx := range f.surfaces {
		f.surfaces[idx], err = alloc.Allocate(ctx, surface.Spec{Width: 16, Height: 16, Format: surface.FormatNV12, Name: "ref"})
		require.NoError(t, err)
	}
	return f
}

func frame(idx SlotIndex) Picture {
	return Picture{Index: idx, Structure: PictureStructureFrame}
}

func frames(idxs ...SlotIndex) []Picture {
	result := make([]Picture, 0, len(idxs))
	for _, idx := range idxs {
		result = append(result, frame(idx))
	}
	return result
}

func (f *tableFixture) decode(cur Picture, isRef bool, refs ...Picture) *FrameState {
	state, err := f.table.Update(f.ctx, PictureParams{
		CurrPic:      cur,
		Destination:  f.surfaces[cur.Index],
		RefFrameList: refs,
		IsReference:  isRef,
		IntraOnly:    len(refs) == 0,
	}, f.surfaces)
	require.NoError(f.t, err)
	return state
}

func (f *tableFixture) requireUniqueFrameStoreIDs(state *FrameState) {
	seen := map[FrameStoreID]SlotIndex{}
	for _, ref := range state.References {
		slot, ok := f.table.Slot(ref.Picture.Index)
		require.True(f.t, ok)
		require.Equal(f.t, ref.FrameStoreID, slot.FrameStoreID)
		require.Less(f.t, int(ref.FrameStoreID), MaxRefFrames)
		other, dup := seen[ref.FrameStoreID]
		require.False(f.t, dup, "frame store id %d is claimed by slots %d and %d", ref.FrameStoreID, other, ref.Picture.Index)
		seen[ref.FrameStoreID] = ref.Picture.Index
		require.True(f.t, f.table.FrameStoreIDs().InUse(ref.FrameStoreID))
	}
}

func TestTableFrameStoreIDContinuity(t *testing.T) {
	f := newTableFixture(t, 8)

	f.decode(frame(0), true)
	s := f.decode(frame(1), true, frame(0))
	require.Equal(t, FrameStoreID(0), s.FrameStoreIDs[0])

	s = f.decode(frame(2), true, frames(0, 1)...)
	require.Equal(t, FrameStoreID(0), s.FrameStoreIDs[0], "slot 0 keeps its id")
	require.Equal(t, FrameStoreID(1), s.FrameStoreIDs[1])

	// slot 0 leaves the list and is retired, so its id is free again by
	// the time slot 2 gets one
	s = f.decode(frame(3), true, frames(1, 2)...)
	require.Equal(t, FrameStoreID(1), s.FrameStoreIDs[0])
	require.Equal(t, FrameStoreID(0), s.FrameStoreIDs[1])
	slot0, _ := f.table.Slot(0)
	require.Equal(t, FrameStoreIDUnassigned, slot0.FrameStoreID)
	require.False(t, slot0.UsedAsReference)

	s = f.decode(frame(4), true, frames(2, 3)...)
	require.Equal(t, FrameStoreID(0), s.FrameStoreIDs[0])
	require.Equal(t, FrameStoreID(1), s.FrameStoreIDs[1])
	f.requireUniqueFrameStoreIDs(s)
}

func slotRange(from, to SlotIndex) []SlotIndex {
	result := make([]SlotIndex, 0, to-from)
	for idx := from; idx < to; idx++ {
		result = append(result, idx)
	}
	return result
}

func TestTableFrameStoreIDSlidingWindow(t *testing.T) {
	const numSlots = 20
	f := newTableFixture(t, numSlots)

	var window []SlotIndex
	for picNum := 0; picNum < 3*numSlots; picNum++ {
		cur := SlotIndex(picNum % numSlots)
		state := f.decode(frame(cur), true, frames(window...)...)
		require.False(t, state.FrameStoreIDExhausted, "picture #%d", picNum)
		require.Len(t, state.References, len(window))
		f.requireUniqueFrameStoreIDs(state)
		require.Equal(t, len(window), f.table.FrameStoreIDs().Occupied())

		window = append(window, cur)
		if len(window) > MaxRefFrames {
			window = window[1:]
		}
	}
}

func TestTableSceneCutDisjointReferences(t *testing.T) {
	f := newTableFixture(t, 24)
	for idx := SlotIndex(0); idx <= MaxRefFrames; idx++ {
		state := f.decode(frame(idx), true, frames(slotRange(0, idx)...)...)
		require.False(t, state.FrameStoreIDExhausted)
	}
	require.Equal(t, MaxRefFrames, f.table.FrameStoreIDs().Occupied())

	// half of the previous list is dropped for slots never seen before
	refs := append(slotRange(18, 24), slotRange(8, 16)...)
	state := f.decode(frame(17), true, frames(refs...)...)
	require.False(t, state.FrameStoreIDExhausted)
	require.Len(t, state.References, len(refs))
	f.requireUniqueFrameStoreIDs(state)
	for _, idx := range slotRange(0, 8) {
		slot, _ := f.table.Slot(idx)
		require.Equal(t, FrameStoreIDUnassigned, slot.FrameStoreID)
	}

	// with no previous picture the stale list of slot 17 is the source, and
	// its slots 8..15 are not referenced anymore
	f.table.Invalidate(f.ctx)
	refs = append(slotRange(0, 8), slotRange(18, 24)...)
	state = f.decode(frame(17), true, frames(refs...)...)
	require.False(t, state.FrameStoreIDExhausted)
	require.Len(t, state.References, len(refs))
	f.requireUniqueFrameStoreIDs(state)
	require.Equal(t, len(refs), f.table.FrameStoreIDs().Occupied())
}

func TestTableFrameStoreIDUniqueness(t *testing.T) {
	const numSlots = 24
	f := newTableFixture(t, numSlots)
	rng := rand.New(rand.NewSource(1))

	var decoded []SlotIndex
	next := SlotIndex(0)
	for picNum := 0; picNum < 500; picNum++ {
		cur := next
		next = (next + 1) % numSlots
		decoded = slices.DeleteFunc(decoded, func(idx SlotIndex) bool { return idx == cur })

		var refs []Picture
		if picNum%37 != 0 {
			window := 1 + rng.Intn(MaxRefFrames)
			for i := len(decoded) - 1; i >= 0 && len(refs) < window; i-- {
				refs = append(refs, frame(decoded[i]))
			}
			rng.Shuffle(len(refs), func(i, j int) { refs[i], refs[j] = refs[j], refs[i] })
		}

		isRef := rng.Intn(4) != 0
		state := f.decode(frame(cur), isRef, refs...)
		require.False(t, state.FrameStoreIDExhausted)
		require.False(t, state.MVBufferExhausted)
		require.Len(t, state.References, len(refs))
		f.requireUniqueFrameStoreIDs(state)
		require.LessOrEqual(t, f.table.MVBuffers().InUseCount(), NumMVBuffers-1)

		if isRef {
			decoded = append(decoded, cur)
			if len(decoded) > MaxRefFrames-1 {
				decoded = decoded[1:]
			}
		}
	}
}

func TestTableMVBufferInUseTracksReferences(t *testing.T) {
	f := newTableFixture(t, 8)

	s := f.decode(frame(0), true)
	require.Equal(t, MVBufferIndex(0), s.MVBufferIndex)
	s = f.decode(frame(1), true, frame(0))
	require.Equal(t, MVBufferIndex(1), s.MVBufferIndex)
	require.Equal(t, [2]MVBufferIndex{0, 0}, s.References[0].MVBufferIndex)

	s = f.decode(frame(2), false, frame(1))
	require.Equal(t, MVBufferIndexScratch, s.MVBufferIndex)
	pool := f.table.MVBuffers()
	require.False(t, pool.InUse(0), "slot 0 is not referenced anymore")
	require.True(t, pool.InUse(1))
	require.Equal(t, 1, pool.InUseCount())

	s = f.decode(frame(3), true, frame(1))
	require.Equal(t, MVBufferIndex(0), s.MVBufferIndex)
	require.Equal(t, SlotIndex(3), pool.Owner(0))
}

func TestTableDuplicateReferenceCollapse(t *testing.T) {
	f := newTableFixture(t, 8)
	f.decode(frame(0), true)
	f.decode(frame(1), true, frame(0))
	f.decode(frame(2), true, frames(0, 1)...)

	s := f.decode(frame(3), true, frames(0, 1, 0, 2)...)
	require.Len(t, s.References, 3)
	require.Equal(t, 1, s.Duplicates)
	require.Equal(t, []int{0, 1, 3}, []int{s.References[0].RefIndex, s.References[1].RefIndex, s.References[2].RefIndex})
	require.Equal(t, SlotIndex(0), s.References[0].Picture.Index)
	require.Equal(t, [MaxRefFrames]bool{true, true, false, true}, s.Survived)
	require.Equal(t, FrameStoreIDUnassigned, s.FrameStoreIDs[2])

	slot3, _ := f.table.Slot(3)
	require.Equal(t, frames(0, 1, 2), slot3.RefList)
}

func TestTableConcealmentForIntraPicture(t *testing.T) {
	f := newTableFixture(t, 8)
	f.decode(frame(0), true)
	f.surfaces[1] = nil

	for _, cur := range []SlotIndex{2, 3} {
		s, err := f.table.Update(f.ctx, PictureParams{
			CurrPic:      frame(cur),
			Destination:  f.surfaces[cur],
			RefFrameList: frames(0, 1),
			IsReference:  true,
			IntraOnly:    true,
		}, f.surfaces)
		require.NoError(t, err)
		require.Len(t, s.References, 2)
		require.False(t, s.References[0].Concealed)
		require.True(t, s.References[1].Concealed)
		require.Same(t, f.concealer.surface, s.References[1].Surface)
		require.Equal(t, 1, s.Concealed)
		f.requireUniqueFrameStoreIDs(s)
	}
	require.Equal(t, 2, f.concealer.calls)

	slot1, _ := f.table.Slot(1)
	require.True(t, surface.IsNull(slot1.Surface), "the placeholder does not become the slot's surface")
}

func TestTableMissingReferenceOfInterPicture(t *testing.T) {
	f := newTableFixture(t, 8)
	f.decode(frame(0), true)
	f.decode(frame(1), true, frame(0))
	f.surfaces[0] = nil

	s, err := f.table.Update(f.ctx, PictureParams{
		CurrPic:      frame(2),
		Destination:  f.surfaces[2],
		RefFrameList: frames(0, 1),
		IsReference:  true,
	}, f.surfaces)
	require.NoError(t, err)
	require.Len(t, s.References, 1)
	require.Equal(t, 1, s.Dropped)
	require.Equal(t, 0, f.concealer.calls)
	require.False(t, s.Survived[0])
	require.True(t, s.Survived[1])

	f.surfaces[1] = nil
	s, err = f.table.Update(f.ctx, PictureParams{
		CurrPic:      frame(3),
		Destination:  f.surfaces[3],
		RefFrameList: frames(0, 1),
		IsReference:  true,
	}, f.surfaces)
	require.Error(t, err)
	require.ErrorAs(t, err, &ErrPictureUndecodable{})
	require.NotNil(t, s)
	require.Empty(t, s.References)
	require.Equal(t, 2, s.Dropped)

	prev, ok := f.table.PreviousPicture()
	require.True(t, ok)
	require.Equal(t, frame(3), prev)

	f.surfaces[1] = f.surfaces[2]
	s = f.decode(frame(4), true, frame(2))
	require.Len(t, s.References, 1)
	f.requireUniqueFrameStoreIDs(s)
}

func TestTableConcealmentFailureLeavesTableIntact(t *testing.T) {
	f := newTableFixture(t, 8)
	f.decode(frame(0), true)
	f.concealer.err = errors.New("no memory")
	f.surfaces[0] = nil

	_, err := f.table.Update(f.ctx, PictureParams{
		CurrPic:      frame(1),
		RefFrameList: frames(0),
		IsReference:  true,
		IntraOnly:    true,
	}, f.surfaces)
	require.Error(t, err)

	prev, ok := f.table.PreviousPicture()
	require.True(t, ok)
	require.Equal(t, frame(0), prev)
	slot1, _ := f.table.Slot(1)
	require.Empty(t, slot1.RefList)
}

func TestTableFieldPair(t *testing.T) {
	f := newTableFixture(t, 8)
	f.decode(frame(0), true)

	top := Picture{Index: 1, Structure: PictureStructureTopField}
	bottom := Picture{Index: 1, Structure: PictureStructureBottomField}

	s, err := f.table.Update(f.ctx, PictureParams{
		CurrPic:       top,
		Destination:   f.surfaces[1],
		RefFrameList:  frames(0),
		FieldOrderCnt: [2]int32{10, 0},
		IsReference:   true,
	}, f.surfaces)
	require.NoError(t, err)
	require.False(t, s.IsSecondField)
	firstMV := s.MVBufferIndex

	s, err = f.table.Update(f.ctx, PictureParams{
		CurrPic:       bottom,
		Destination:   f.surfaces[1],
		RefFrameList:  frames(0),
		FieldOrderCnt: [2]int32{0, 11},
		IsReference:   true,
	}, f.surfaces)
	require.NoError(t, err)
	require.True(t, s.IsSecondField)
	require.Equal(t, firstMV, s.MVBufferIndex)
	require.Equal(t, s.References[0].FrameStoreID, FrameStoreID(0))

	slot, _ := f.table.Slot(1)
	require.Equal(t, [2]int32{10, 11}, slot.FieldOrderCnt)
	require.Equal(t, [2]MVBufferIndex{firstMV, firstMV}, slot.MVBufferIndex)
	require.True(t, slot.UsedAsReference)
	require.Equal(t, PictureStructureFrame, slot.Picture.Structure)

	// a third field with the same index is a new picture, not a second field
	s, err = f.table.Update(f.ctx, PictureParams{
		CurrPic:      top,
		Destination:  f.surfaces[1],
		RefFrameList: frames(0),
		IsReference:  false,
	}, f.surfaces)
	require.NoError(t, err)
	require.False(t, s.IsSecondField)
	require.Equal(t, MVBufferIndexScratch, s.MVBufferIndex)
}

func TestTableSelfRetirementAfterInvalidate(t *testing.T) {
	f := newTableFixture(t, 8)
	f.decode(frame(0), true)
	f.decode(frame(1), true, frame(0))
	f.decode(frame(2), true, frames(0, 1)...)
	f.decode(frame(3), true, frames(1, 2)...)
	slot1, _ := f.table.Slot(1)

	f.table.Invalidate(f.ctx)
	_, ok := f.table.PreviousPicture()
	require.False(t, ok)

	// slot 2 is decoded again; its stale list (0, 1) drives the retirement,
	// so slot 1 keeps the id it had.
	s := f.decode(frame(2), true, frames(1, 3)...)
	require.Equal(t, slot1.FrameStoreID, s.FrameStoreIDs[0])
	require.Equal(t, FrameStoreID(0), s.FrameStoreIDs[1])
	f.requireUniqueFrameStoreIDs(s)

	f.table.Invalidate(f.ctx)
	s = f.decode(frame(4), false, frames(2, 3)...)
	require.Equal(t, FrameStoreID(0), s.FrameStoreIDs[0])
	require.Equal(t, FrameStoreID(1), s.FrameStoreIDs[1])
	f.requireUniqueFrameStoreIDs(s)
}

func TestTableSelfRetirementFreesDroppedReferences(t *testing.T) {
	f := newTableFixture(t, 8)
	f.decode(frame(0), true)
	f.decode(frame(1), true, frame(0))
	f.decode(frame(2), true, frames(0, 1)...)
	s := f.decode(frame(3), true, frames(0, 1, 2)...)
	require.Equal(t, [3]FrameStoreID{0, 1, 2}, [3]FrameStoreID(s.FrameStoreIDs[:3]))

	f.table.Invalidate(f.ctx)

	// the stale list of slot 3 is (0, 1, 2), but only slot 2 stays
	s = f.decode(frame(3), true, frames(2, 4)...)
	require.Equal(t, FrameStoreID(2), s.FrameStoreIDs[0])
	require.Equal(t, FrameStoreID(0), s.FrameStoreIDs[1])
	require.Equal(t, 2, f.table.FrameStoreIDs().Occupied())
	for _, idx := range []SlotIndex{0, 1} {
		slot, _ := f.table.Slot(idx)
		require.Equal(t, FrameStoreIDUnassigned, slot.FrameStoreID)
		require.False(t, slot.UsedAsReference)
	}
	f.requireUniqueFrameStoreIDs(s)
}

func TestTableInvalidInput(t *testing.T) {
	f := newTableFixture(t, 4)

	_, err := f.table.Update(f.ctx, PictureParams{CurrPic: frame(4)}, nil)
	require.ErrorAs(t, err, &ErrInvalidPicture{})

	_, err = f.table.Update(f.ctx, PictureParams{CurrPic: InvalidPicture()}, nil)
	require.ErrorAs(t, err, &ErrInvalidPicture{})

	refs := make([]Picture, MaxRefFrames+1)
	_, err = f.table.Update(f.ctx, PictureParams{CurrPic: frame(0), RefFrameList: refs}, nil)
	require.ErrorAs(t, err, &ErrTooManyReferences{})

	_, err = NewTable(0, nil, nil)
	require.Error(t, err)
	_, err = NewTable(MaxSlots+1, nil, nil)
	require.Error(t, err)
}

func TestTableReferenceBookkeeping(t *testing.T) {
	f := newTableFixture(t, 8)
	f.decode(frame(0), true)

	_, err := f.table.Update(f.ctx, PictureParams{
		CurrPic:           frame(1),
		FrameNum:          1,
		Destination:       f.surfaces[1],
		RefFrameList:      []Picture{{Index: 0, LongTerm: true}, InvalidPicture()},
		FrameNumList:      []uint16{7},
		FieldOrderCntList: [][2]int32{{4, 5}},
		FieldOrderCnt:     [2]int32{8, 9},
		IsReference:       true,
	}, f.surfaces)
	require.NoError(t, err)

	slot0, _ := f.table.Slot(0)
	require.Equal(t, uint16(7), slot0.FrameNum)
	require.Equal(t, [2]int32{4, 5}, slot0.FieldOrderCnt)
	require.True(t, slot0.Picture.LongTerm)

	slot1, _ := f.table.Slot(1)
	require.Equal(t, uint16(1), slot1.FrameNum)
	require.Equal(t, [2]int32{8, 9}, slot1.FieldOrderCnt)
	require.True(t, slot1.UsedAsReference)
	require.Same(t, f.surfaces[1], slot1.Surface)
}
