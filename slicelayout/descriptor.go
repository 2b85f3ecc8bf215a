package slicelayout

import (
	"fmt"
)

// Descriptor is a coded slice as declared by the bitstream parser.
type Descriptor struct {
	// FirstMB is the first_mb_in_slice syntax element. In MBAFF pictures
	// it addresses macroblock pairs.
	FirstMB uint32 `yaml:"first_mb"`

	// MBCount is the amount of macroblocks in the slice. Zero means
	// "up to the next slice".
	MBCount uint32 `yaml:"mb_count"`

	ByteOffset uint32 `yaml:"byte_offset"`
	ByteLength uint32 `yaml:"byte_length"`

	// HeaderBitOffset is the offset of the slice data (the end of the
	// slice header) from ByteOffset, in bits.
	HeaderBitOffset uint32 `yaml:"header_bit_offset"`
}

type SkipReason int

const (
	SkipReasonNone SkipReason = iota
	SkipReasonOutOfBounds
	SkipReasonCorruptedHeader
	SkipReasonInvalidFirstMB
	SkipReasonOutOfOrder
	EndOfSkipReason
)

func (r SkipReason) String() string {
	switch r {
	case SkipReasonNone:
		return "none"
	case SkipReasonOutOfBounds:
		return "out_of_bounds"
	case SkipReasonCorruptedHeader:
		return "corrupted_header"
	case SkipReasonInvalidFirstMB:
		return "invalid_first_mb"
	case SkipReasonOutOfOrder:
		return "out_of_order"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(r))
	}
}

// Record is the validation result of a Descriptor.
type Record struct {
	Skip       bool
	SkipReason SkipReason

	// FirstMB and MBCount are in macroblock addresses (not pairs).
	FirstMB uint32
	MBCount uint32

	// Offset and Length is the byte range the hardware starts reading
	// the slice data from.
	Offset    uint32
	Length    uint32
	BitOffset uint8

	// TotalBytesConsumed is the sum of declared slice lengths up to and
	// including this slice, skipped slices included.
	TotalBytesConsumed uint64
}

// Range is a slice as handed to the command emission layer.
type Range struct {
	// SliceIndex is the index of the source Descriptor, or -1 for
	// a phantom slice.
	SliceIndex int
	Phantom    bool

	FirstMB   uint32
	MBCount   uint32
	Offset    uint32
	Length    uint32
	BitOffset uint8
}

func (r Range) String() string {
	if r.Phantom {
		return fmt.Sprintf("phantom[mb %d+%d]", r.FirstMB, r.MBCount)
	}
	return fmt.Sprintf("slice#%d[mb %d+%d; bytes %d+%d:%d]", r.SliceIndex, r.FirstMB, r.MBCount, r.Offset, r.Length, r.BitOffset)
}
