package dpb

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/avcdpb/internal"
	"github.com/xaionaro-go/avcdpb/logger"
)

// FrameStoreID is the small integer the decode engine uses to locate a
// reference picture.
type FrameStoreID uint8

const FrameStoreIDUnassigned = FrameStoreID(0x7F)

func (id FrameStoreID) String() string {
	if id == FrameStoreIDUnassigned {
		return "<unassigned>"
	}
	return fmt.Sprintf("%d", uint8(id))
}

// FrameStoreIDs is the occupancy vector of the frame-store id space.
type FrameStoreIDs struct {
	inUse [MaxRefFrames]bool
}

// Retain frees every id except the given ones.
func (a *FrameStoreIDs) Retain(ctx context.Context, keep []FrameStoreID) {
	a.inUse = [MaxRefFrames]bool{}
	for _, id := range keep {
		a.Mark(ctx, id)
	}
}

func (a *FrameStoreIDs) Mark(ctx context.Context, id FrameStoreID) {
	if !internal.Assert(ctx, int(id) < MaxRefFrames, "frame store id out of range", id) {
		return
	}
	a.inUse[id] = true
}

func (a *FrameStoreIDs) InUse(id FrameStoreID) bool {
	if int(id) >= MaxRefFrames {
		return false
	}
	return a.inUse[id]
}

// Assign returns the smallest free id and marks it occupied. If the id
// space is exhausted it returns 0 and false.
func (a *FrameStoreIDs) Assign(ctx context.Context) (FrameStoreID, bool) {
	for id := range a.inUse {
		if a.inUse[id] {
			continue
		}
		a.inUse[id] = true
		logger.Tracef(ctx, "assigned frame store id %d", id)
		return FrameStoreID(id), true
	}
	internal.Assert(ctx, false, "no free frame store id left, falling back to 0")
	return 0, false
}

func (a *FrameStoreIDs) Occupied() int {
	count := 0
	for _, inUse := range a.inUse {
		if inUse {
			count++
		}
	}
	return count
}
