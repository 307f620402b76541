package iface

import (
	"image"
	"time"

	"gocv.io/x/gocv"
)

// NamesConf selects class names either from a file (Data is the path) or inline (Data is []string).
type NamesConf struct {
	IsFile bool
	Data   any
}

type EngineConfig struct {
	Name      string   `json:"name"`
	UseGPU    bool     `json:"useGPU"`
	ModelPath string   `json:"modelPath"`
	Names     []string `json:"names"`
	Conf      float32  `json:"conf"`
	Iou       float32  `json:"iou"`
	InputSize int      `json:"inputSize"`
	State     int      `json:"state"`
}

// Detection is one raw model output, box in pixel coordinates of the input frame.
type Detection struct {
	ClassID int             `json:"classId"`
	Conf    float32         `json:"conf"`
	Box     image.Rectangle `json:"box"`
}

// FramePair holds one colour and one depth frame captured together.
// A nil or empty Mat means that half of the pair was not delivered this cycle.
type FramePair struct {
	Color    *gocv.Mat
	Depth    *gocv.Mat
	Seq      uint64
	Captured time.Time
}

func (p FramePair) HasColor() bool {
	return p.Color != nil && !p.Color.Empty()
}

func (p FramePair) HasDepth() bool {
	return p.Depth != nil && !p.Depth.Empty()
}

// Clone deep-copies the frames that are present. The clone must be closed separately.
func (p FramePair) Clone() FramePair {
	out := FramePair{Seq: p.Seq, Captured: p.Captured}
	if p.HasColor() {
		c := p.Color.Clone()
		out.Color = &c
	}
	if p.HasDepth() {
		d := p.Depth.Clone()
		out.Depth = &d
	}
	return out
}

func (p *FramePair) Close() {
	if p.Color != nil {
		_ = p.Color.Close()
		p.Color = nil
	}
	if p.Depth != nil {
		_ = p.Depth.Close()
		p.Depth = nil
	}
}
