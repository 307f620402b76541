package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"time"

	iface "DepthDetStream/interface"

	"gocv.io/x/gocv"
)

var barColors = []color.RGBA{
	{R: 255, G: 255, B: 255},
	{R: 255, G: 255, B: 0},
	{R: 0, G: 255, B: 255},
	{R: 0, G: 255, B: 0},
	{R: 255, G: 0, B: 255},
	{R: 255, G: 0, B: 0},
	{R: 0, G: 0, B: 255},
	{R: 0, G: 0, B: 0},
}

// Synthetic produces colour bars and a sliding depth ramp, paced at a fixed rate.
// It stands in for a camera during development and in tests.
type Synthetic struct {
	width, height int
	interval      time.Duration
	frame         uint64
	last          time.Time
}

func NewSynthetic(width, height, fps int) *Synthetic {
	if fps <= 0 {
		fps = 30
	}
	return &Synthetic{width: width, height: height, interval: time.Second / time.Duration(fps)}
}

func (s *Synthetic) NextFramePair(ctx context.Context) (iface.FramePair, error) {
	if wait := s.interval - time.Since(s.last); wait > 0 && !s.last.IsZero() {
		if !sleepCtx(ctx, wait) {
			return iface.FramePair{}, ctx.Err()
		}
	}
	s.last = time.Now()
	s.frame++

	col := gocv.NewMatWithSize(s.height, s.width, gocv.MatTypeCV8UC3)
	barWidth := s.width / len(barColors)
	for i, c := range barColors {
		r := image.Rect(i*barWidth, 0, (i+1)*barWidth, s.height)
		gocv.Rectangle(&col, r, c, -1)
	}
	gocv.PutText(&col, fmt.Sprintf("Frame: %d", s.frame), image.Pt(10, 30),
		gocv.FontHersheyPlain, 1.5, color.RGBA{R: 255, G: 255, B: 255}, 2)

	dep, err := gocv.NewMatFromBytes(s.height, s.width, gocv.MatTypeCV16UC1, s.depthRamp())
	if err != nil {
		_ = col.Close()
		return iface.FramePair{}, err
	}
	return iface.FramePair{Color: &col, Depth: &dep, Captured: s.last}, nil
}

// depthRamp spans 0..8500 raw units across the width, which covers the full 8-bit range after scaling.
func (s *Synthetic) depthRamp() []byte {
	buf := make([]byte, s.width*s.height*2)
	shift := int(s.frame) * 4
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			v := uint16(((x + shift) % s.width) * 8500 / s.width)
			binary.LittleEndian.PutUint16(buf[(y*s.width+x)*2:], v)
		}
	}
	return buf
}

func (s *Synthetic) Close() error {
	return nil
}
