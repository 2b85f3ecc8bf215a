package main

import (
	"fmt"
	"os"

	"github.com/xaionaro-go/avcdpb/dpb"
	"github.com/xaionaro-go/avcdpb/session"
	"github.com/xaionaro-go/avcdpb/slicelayout"
	"gopkg.in/yaml.v3"
)

// Trace is a recorded sequence of pictures in decode order.
type Trace struct {
	Config       session.Config   `yaml:"config"`
	WidthInMBs   uint16           `yaml:"width_mbs"`
	HeightInMBs  uint16           `yaml:"height_mbs"`
	ChromaFormat dpb.ChromaFormat `yaml:"chroma_format"`
	Pictures     []TracePicture   `yaml:"pictures"`
}

type TracePicture struct {
	Picture       dpb.Picture              `yaml:"picture"`
	FrameNum      uint16                   `yaml:"frame_num"`
	FieldOrderCnt [2]int32                 `yaml:"field_order_cnt"`
	Reference     bool                     `yaml:"reference"`
	Intra         bool                     `yaml:"intra"`
	MBAFF         bool                     `yaml:"mbaff"`
	References    []dpb.Picture            `yaml:"references"`
	FrameNums     []uint16                 `yaml:"frame_nums"`
	Missing       []uint8                  `yaml:"missing"`
	SceneCut      bool                     `yaml:"scene_cut"`
	BitstreamSize uint32                   `yaml:"bitstream_size"`
	Slices        []slicelayout.Descriptor `yaml:"slices"`

	// WidthInMBs and HeightInMBs override the trace-wide picture size.
	WidthInMBs  uint16 `yaml:"width_mbs"`
	HeightInMBs uint16 `yaml:"height_mbs"`
}

func ReadTrace(path string) (*Trace, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read '%s': %w", path, err)
	}
	trace := &Trace{
		ChromaFormat: dpb.ChromaFormat420,
	}
	if err := yaml.Unmarshal(b, trace); err != nil {
		return nil, fmt.Errorf("unable to parse '%s': %w", path, err)
	}
	return trace, nil
}

func (p TracePicture) Params(trace *Trace) dpb.PictureParams {
	params := dpb.PictureParams{
		CurrPic:       p.Picture,
		FrameNum:      p.FrameNum,
		FieldOrderCnt: p.FieldOrderCnt,
		FrameNumList:  p.FrameNums,
		RefFrameList:  p.References,
		IsReference:   p.Reference,
		IntraOnly:     p.Intra,
		WidthInMBs:    trace.WidthInMBs,
		HeightInMBs:   trace.HeightInMBs,
		MBAFF:         p.MBAFF,
		ChromaFormat:  trace.ChromaFormat,
	}
	if p.WidthInMBs != 0 {
		params.WidthInMBs = p.WidthInMBs
	}
	if p.HeightInMBs != 0 {
		params.HeightInMBs = p.HeightInMBs
	}
	return params
}
