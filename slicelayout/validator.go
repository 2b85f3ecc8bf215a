// Package slicelayout validates the slice layout of a coded picture before
// it is handed to the hardware.
//
// Malformed slices are never fatal: they are skipped, and the rest of the
// picture is still decoded.
package slicelayout

import (
	"context"
	"fmt"
	"iter"

	"github.com/facebookincubator/go-belt"
	"github.com/xaionaro-go/avcdpb/logger"
)

type Validator struct {
	// HeaderByteAdjustment is added to the byte part of the header bit
	// offset when computing where the slice data starts.
	HeaderByteAdjustment uint32 `yaml:"header_byte_adjustment"`
}

type Input struct {
	Slices           []Descriptor
	PictureSizeInMBs uint32
	MBAFF            bool
	BitstreamSize    uint32

	// Records is an optional storage for the result. It is used if it
	// is large enough to hold a record per slice.
	Records []Record
}

type Layout struct {
	Records []Record

	// Phantom is set if the first valid slice does not start at
	// macroblock zero.
	Phantom *Range
}

func (l *Layout) TotalBytesConsumed() uint64 {
	if len(l.Records) == 0 {
		return 0
	}
	return l.Records[len(l.Records)-1].TotalBytesConsumed
}

func (l *Layout) SkippedCount() int {
	count := 0
	for _, rec := range l.Records {
		if rec.Skip {
			count++
		}
	}
	return count
}

// Ranges yields the hardware ranges in submission order: the phantom
// slice first (if any), then every non-skipped slice.
func (l *Layout) Ranges() iter.Seq[Range] {
	return func(yield func(Range) bool) {
		if l.Phantom != nil {
			if !yield(*l.Phantom) {
				return
			}
		}
		for idx, rec := range l.Records {
			if rec.Skip {
				continue
			}
			if !yield(Range{
				SliceIndex: idx,
				FirstMB:    rec.FirstMB,
				MBCount:    rec.MBCount,
				Offset:     rec.Offset,
				Length:     rec.Length,
				BitOffset:  rec.BitOffset,
			}) {
				return
			}
		}
	}
}

func (v Validator) Validate(
	ctx context.Context,
	in Input,
) (_ret *Layout, _err error) {
	logger.Tracef(ctx, "Validate(ctx, %d slices)", len(in.Slices))
	defer func() { logger.Tracef(ctx, "/Validate(ctx, %d slices): %v", len(in.Slices), _err) }()

	if in.PictureSizeInMBs == 0 {
		return nil, fmt.Errorf("the picture has no macroblocks")
	}

	records := in.Records
	if len(records) < len(in.Slices) {
		records = make([]Record, len(in.Slices))
	}
	records = records[:len(in.Slices)]

	mbAddrShift := uint32(0)
	if in.MBAFF {
		mbAddrShift = 1
	}
	firstMBLimit := in.PictureSizeInMBs >> mbAddrShift

	layout := &Layout{
		Records: records,
	}
	var (
		consumed    uint64
		cutoff      bool
		foundValid  bool
		skipReasons [EndOfSkipReason]int
	)
	for idx, slice := range in.Slices {
		rec := &records[idx]
		consumed += uint64(slice.ByteLength)
		*rec = Record{TotalBytesConsumed: consumed}

		skip := func(reason SkipReason) {
			rec.Skip = true
			rec.SkipReason = reason
			skipReasons[reason]++
			logger.Debugf(belt.WithField(ctx, "slice_idx", idx), "skipping the slice: %s: %#+v", reason, slice)
		}

		if cutoff {
			skip(SkipReasonOutOfOrder)
			continue
		}
		if uint64(slice.ByteOffset)+uint64(slice.ByteLength) > uint64(in.BitstreamSize) {
			skip(SkipReasonOutOfBounds)
			continue
		}
		dataStart := slice.HeaderBitOffset>>3 + v.HeaderByteAdjustment
		if dataStart > slice.ByteLength {
			skip(SkipReasonCorruptedHeader)
			continue
		}
		if slice.FirstMB >= firstMBLimit {
			skip(SkipReasonInvalidFirstMB)
			continue
		}

		mbAddr := slice.FirstMB << mbAddrShift
		var nextMBAddr uint32
		hasNext := idx+1 < len(in.Slices)
		if hasNext {
			next := in.Slices[idx+1]
			if next.FirstMB <= slice.FirstMB {
				cutoff = true
			}
			nextMBAddr = next.FirstMB << mbAddrShift
		}

		mbCount := slice.MBCount
		if mbCount == 0 {
			switch {
			case hasNext && !cutoff && nextMBAddr < in.PictureSizeInMBs:
				mbCount = nextMBAddr - mbAddr
			default:
				mbCount = in.PictureSizeInMBs - mbAddr
			}
		}
		if uint64(mbAddr)+uint64(mbCount) > uint64(in.PictureSizeInMBs) {
			logger.Debugf(ctx, "slice #%d covers [%d, %d) of %d macroblocks; dropping the rest of the picture", idx, mbAddr, uint64(mbAddr)+uint64(mbCount), in.PictureSizeInMBs)
			mbCount = in.PictureSizeInMBs - mbAddr
			cutoff = true
		}

		rec.FirstMB = mbAddr
		rec.MBCount = mbCount
		rec.Offset = slice.ByteOffset + dataStart
		rec.Length = slice.ByteLength - dataStart
		rec.BitOffset = uint8(slice.HeaderBitOffset & 0x7)

		if !foundValid {
			foundValid = true
			if mbAddr != 0 {
				layout.Phantom = &Range{
					SliceIndex: -1,
					Phantom:    true,
					FirstMB:    0,
					MBCount:    mbAddr,
				}
			}
		}
	}

	if skipped := layout.SkippedCount(); skipped > 0 {
		logger.Warnf(ctx, "skipped %d of %d slices: out of bounds: %d; corrupted header: %d; invalid first_mb: %d; out of order: %d",
			skipped, len(in.Slices),
			skipReasons[SkipReasonOutOfBounds],
			skipReasons[SkipReasonCorruptedHeader],
			skipReasons[SkipReasonInvalidFirstMB],
			skipReasons[SkipReasonOutOfOrder],
		)
	}
	return layout, nil
}
