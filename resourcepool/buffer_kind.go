package resourcepool

import (
	"fmt"
)

type BufferKind int

const (
	UndefinedBufferKind BufferKind = iota
	BufferKindDeblockingFilterRowStore
	BufferKindEntropyDecodeRowStore
	BufferKindIntraPredictionRowStore
	BufferKindMotionPredictionRowStore
	EndOfBufferKind
)

func (k BufferKind) String() string {
	switch k {
	case UndefinedBufferKind:
		return "<undefined>"
	case BufferKindDeblockingFilterRowStore:
		return "deblocking_filter_row_store"
	case BufferKindEntropyDecodeRowStore:
		return "entropy_decode_row_store"
	case BufferKindIntraPredictionRowStore:
		return "intra_prediction_row_store"
	case BufferKindMotionPredictionRowStore:
		return "motion_prediction_row_store"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(k))
	}
}

const cachelineSize = 64

// bytesPerWidthMB is the row store size per macroblock column. The values
// are hardware constants.
var bytesPerWidthMB = [EndOfBufferKind]uint64{
	BufferKindDeblockingFilterRowStore: 4 * cachelineSize,
	BufferKindEntropyDecodeRowStore:    2 * cachelineSize,
	BufferKindIntraPredictionRowStore:  cachelineSize,
	BufferKindMotionPredictionRowStore: cachelineSize,
}

// mvBytesPerMB is the size of the temporal motion data of a macroblock.
const mvBytesPerMB = cachelineSize

// RequiredSize returns the size of the buffer for a picture of the given
// width (in macroblocks).
func (k BufferKind) RequiredSize(widthMB uint32) uint64 {
	if k <= UndefinedBufferKind || k >= EndOfBufferKind {
		return 0
	}
	return bytesPerWidthMB[k] * uint64(widthMB)
}

// MVStorageSize returns the size of a motion-vector buffer for a frame of
// the given size (in macroblocks).
func MVStorageSize(widthMB, heightMB uint32) uint64 {
	return mvBytesPerMB * uint64(widthMB) * uint64(heightMB)
}
