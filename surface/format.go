package surface

import (
	"fmt"
	"strings"
)

type Format int

const (
	UndefinedFormat Format = iota
	FormatNV12
	FormatP010
	FormatBuffer
	EndOfFormat
)

func (f Format) String() string {
	switch f {
	case UndefinedFormat:
		return "<undefined>"
	case FormatNV12:
		return "nv12"
	case FormatP010:
		return "p010"
	case FormatBuffer:
		return "buffer"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(f))
	}
}

func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Format) UnmarshalText(b []byte) error {
	s := strings.Trim(strings.ToLower(string(b)), " \"\n\t\r")
	for candidate := UndefinedFormat + 1; candidate < EndOfFormat; candidate++ {
		if candidate.String() == s {
			*f = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown surface format: '%s'", s)
}

// BytesPerSample is the storage size of a single luma/chroma sample.
func (f Format) BytesPerSample() uint64 {
	switch f {
	case FormatP010:
		return 2
	default:
		return 1
	}
}

// NeutralValue is the byte that makes a picture of this format mid-gray
// (both luma and chroma at the middle of their range).
func (f Format) NeutralValue() byte {
	return 0x80
}

// LumaSize is the size of the luma plane of a width x height picture.
func (f Format) LumaSize(width, height uint32) uint64 {
	if f == FormatBuffer {
		return uint64(width) * uint64(height)
	}
	return uint64(width) * uint64(height) * f.BytesPerSample()
}

// FrameSize is the size of the whole picture (luma + 4:2:0 chroma).
func (f Format) FrameSize(width, height uint32) uint64 {
	if f == FormatBuffer {
		return uint64(width) * uint64(height)
	}
	luma := f.LumaSize(width, height)
	return luma + luma/2
}
