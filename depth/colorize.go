package depth

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// DepthScale maps raw Z16 units onto the 8-bit range before the palette lookup.
const DepthScale = 0.03

var ErrNotDepth = errors.New("depth frame must be single channel 16-bit")

// Colorize converts a raw 16-bit depth frame into a jet-coloured BGR frame written to dst.
func Colorize(depth gocv.Mat, dst *gocv.Mat) error {
	if depth.Empty() {
		return errors.New("empty depth frame")
	}
	if depth.Type() != gocv.MatTypeCV16UC1 && depth.Type() != gocv.MatTypeCV16SC1 {
		return fmt.Errorf("%w: got type %v", ErrNotDepth, depth.Type())
	}
	scaled := gocv.NewMat()
	defer scaled.Close()
	gocv.ConvertScaleAbs(depth, &scaled, DepthScale, 0)
	gocv.ApplyColorMap(scaled, dst, gocv.ColormapJet)
	return nil
}
