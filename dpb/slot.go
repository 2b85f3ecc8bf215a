package dpb

import (
	"slices"

	"github.com/xaionaro-go/avcdpb/surface"
)

// Slot is the bookkeeping of a single decoded picture buffer entry.
type Slot struct {
	Picture  Picture
	FrameNum uint16

	// Surface is not owned by the slot, it is reassigned every time the
	// slot is (re)used.
	Surface surface.Surface

	FieldOrderCnt   [2]int32
	FrameStoreID    FrameStoreID
	MVBufferIndex   [2]MVBufferIndex
	UsedAsReference bool

	// RefList is the set of other pictures this picture referenced when
	// it was decoded.
	RefList []Picture
}

func newSlot(idx SlotIndex) Slot {
	return Slot{
		Picture:       Picture{Index: idx},
		FrameStoreID:  FrameStoreIDUnassigned,
		MVBufferIndex: [2]MVBufferIndex{MVBufferIndexScratch, MVBufferIndexScratch},
		RefList:       make([]Picture, 0, MaxRefFrames),
	}
}

func (s *Slot) clone() Slot {
	c := *s
	c.RefList = slices.Clone(s.RefList)
	return c
}
