// picture.go defines picture identities and the per-picture parameter block.

// Package dpb manages the decoded picture buffer of a hardware AVC decoder:
// the table of reference slots, the hardware-visible frame-store ids and the
// pool of motion-vector (direct) buffers.
package dpb

import (
	"fmt"

	"github.com/xaionaro-go/avcdpb/surface"
)

// SlotIndex addresses a slot in the reference table (the decoder-assigned
// frame index).
type SlotIndex uint8

const (
	// SlotIndexInvalid marks an unused picture entry.
	SlotIndexInvalid = SlotIndex(0x7F)

	// MaxSlots is the largest supported amount of slots in a table.
	MaxSlots = int(SlotIndexInvalid)

	// MaxRefFrames is the maximal amount of reference pictures of a
	// single picture, and thus the size of the frame-store id space.
	MaxRefFrames = 16
)

func (idx SlotIndex) String() string {
	if idx == SlotIndexInvalid {
		return "<invalid>"
	}
	return fmt.Sprintf("%d", uint8(idx))
}

type PictureStructure int

const (
	PictureStructureFrame PictureStructure = iota
	PictureStructureTopField
	PictureStructureBottomField
	EndOfPictureStructure
)

func (s PictureStructure) String() string {
	switch s {
	case PictureStructureFrame:
		return "frame"
	case PictureStructureTopField:
		return "top"
	case PictureStructureBottomField:
		return "bottom"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(s))
	}
}

func (s PictureStructure) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PictureStructure) UnmarshalText(b []byte) error {
	for candidate := range EndOfPictureStructure {
		if candidate.String() == string(b) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown picture structure: '%s'", b)
}

// Picture identifies a coded picture: the slot it is decoded into and its parity.
type Picture struct {
	Index     SlotIndex        `yaml:"index"`
	Structure PictureStructure `yaml:"structure"`
	LongTerm  bool             `yaml:"long_term"`
}

func InvalidPicture() Picture {
	return Picture{Index: SlotIndexInvalid}
}

func (p Picture) IsValid() bool {
	return p.Index < SlotIndexInvalid
}

func (p Picture) IsField() bool {
	return p.Structure == PictureStructureTopField || p.Structure == PictureStructureBottomField
}

func (p Picture) String() string {
	if !p.IsValid() {
		return "<invalid>"
	}
	if p.LongTerm {
		return fmt.Sprintf("%s/%s/lt", p.Index, p.Structure)
	}
	return fmt.Sprintf("%s/%s", p.Index, p.Structure)
}

type ChromaFormat int

const (
	ChromaFormatMonochrome ChromaFormat = iota
	ChromaFormat420
	EndOfChromaFormat
)

func (f ChromaFormat) String() string {
	switch f {
	case ChromaFormatMonochrome:
		return "monochrome"
	case ChromaFormat420:
		return "420"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(f))
	}
}

func (f ChromaFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *ChromaFormat) UnmarshalText(b []byte) error {
	for candidate := range EndOfChromaFormat {
		if candidate.String() == string(b) {
			*f = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown chroma format: '%s'", b)
}

// PictureParams is everything the decode session learns about the picture
// that is about to be decoded.
type PictureParams struct {
	CurrPic     Picture
	FrameNum    uint16
	Destination surface.Surface

	// RefFrameList is the declared reference-frame list (invalid entries
	// are allowed and ignored). FrameNumList and FieldOrderCntList, if set,
	// are indexed the same way.
	RefFrameList      []Picture
	FrameNumList      []uint16
	FieldOrderCntList [][2]int32

	FieldOrderCnt [2]int32
	IsReference   bool
	IntraOnly     bool

	WidthInMBs   uint16
	HeightInMBs  uint16
	MBAFF        bool
	ChromaFormat ChromaFormat
}

// FrameSizeInMBs is the amount of macroblocks in a full frame.
func (p *PictureParams) FrameSizeInMBs() uint32 {
	return uint32(p.WidthInMBs) * uint32(p.HeightInMBs)
}

// PictureSizeInMBs is the amount of macroblocks in the picture (a field
// has half of the frame's macroblocks).
func (p *PictureParams) PictureSizeInMBs() uint32 {
	if p.CurrPic.IsField() {
		return p.FrameSizeInMBs() / 2
	}
	return p.FrameSizeInMBs()
}
