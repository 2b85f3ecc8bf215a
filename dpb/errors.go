package dpb

import (
	"fmt"
)

// ErrPictureUndecodable is returned when none of the declared references of
// an inter picture could be resolved. The table stays consistent and the
// caller is expected to skip the hardware submission of this picture.
type ErrPictureUndecodable struct {
	Picture Picture
	Dropped int
}

func (e ErrPictureUndecodable) Error() string {
	return fmt.Sprintf("picture %s is undecodable: all %d reference(s) are missing", e.Picture, e.Dropped)
}

type ErrInvalidPicture struct {
	Picture  Picture
	NumSlots int
}

func (e ErrInvalidPicture) Error() string {
	return fmt.Sprintf("invalid current picture %s (the table has %d slots)", e.Picture, e.NumSlots)
}

type ErrTooManyReferences struct {
	Count int
}

func (e ErrTooManyReferences) Error() string {
	return fmt.Sprintf("too many entries in the reference frame list: %d > %d", e.Count, MaxRefFrames)
}

// ErrAllocation wraps a failure of the external surface allocator.
type ErrAllocation struct {
	What string
	Err  error
}

func (e ErrAllocation) Error() string {
	return fmt.Sprintf("unable to allocate %s: %v", e.What, e.Err)
}

func (e ErrAllocation) Unwrap() error {
	return e.Err
}
