package iface

import (
	"context"

	"gocv.io/x/gocv"
)

// Detector runs an object-detection model over a BGR frame.
type Detector interface {
	Detect(img gocv.Mat) ([]Detection, error)
	ClassName(id int) string
	CheckConfig() EngineConfig
	Close() error
}

// FrameSource blocks until the next frame pair is ready or the device fails.
// A missing colour or depth frame is reported as an empty Mat, not an error.
type FrameSource interface {
	NextFramePair(ctx context.Context) (FramePair, error)
	Close() error
}
