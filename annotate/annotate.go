// Package annotate draws detection boxes with a pinhole-camera distance estimate onto colour frames.
package annotate

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"

	iface "DepthDetStream/interface"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const (
	DefaultRealWidthM      = 0.06
	DefaultFocalLengthPx   = 480.0
	DefaultConfThreshold   = float32(0.5)
	DefaultCloseDistanceCm = 40.0

	BoxThickness  = 2
	TextThickness = 2
	TextScale     = 1.0
	LabelOffsetY  = 15
)

var (
	// CloseColor marks objects nearer than CloseDistanceCm, FarColor everything else.
	CloseColor = color.RGBA{R: 0, G: 0, B: 255, A: 0}
	FarColor   = color.RGBA{R: 255, G: 0, B: 0, A: 0}
	TextColor  = color.RGBA{R: 255, G: 255, B: 255, A: 0}
)

var (
	ErrDegenerateDetection = errors.New("degenerate detection: bounding box has no width")
	ErrEmptyFrame          = errors.New("empty frame")
)

type Config struct {
	RealWidthM      float64
	FocalLengthPx   float64
	ConfThreshold   float32
	CloseDistanceCm float64
}

func DefaultConfig() Config {
	return Config{
		RealWidthM:      DefaultRealWidthM,
		FocalLengthPx:   DefaultFocalLengthPx,
		ConfThreshold:   DefaultConfThreshold,
		CloseDistanceCm: DefaultCloseDistanceCm,
	}
}

// Annotation is a detection that survived filtering and was drawn.
type Annotation struct {
	iface.Detection
	ClassName  string  `json:"className"`
	DistanceCm float64 `json:"distanceCm"`
	Close      bool    `json:"close"`
	Label      string  `json:"label"`
}

// Stats counts what happened to the detections of one frame.
type Stats struct {
	Detected   int
	LowConf    int
	Degenerate int
	Drawn      int
}

type Annotator struct {
	cfg      Config
	detector iface.Detector
	log      *zap.Logger
}

func New(cfg Config, detector iface.Detector, log *zap.Logger) *Annotator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Annotator{cfg: cfg, detector: detector, log: log}
}

func (a *Annotator) Config() Config {
	return a.cfg
}

func (a *Annotator) Detector() iface.Detector {
	return a.detector
}

// Annotate runs the detector on frame and draws every confident, non-degenerate detection onto it.
// The frame is modified in place and left untouched when nothing is drawn.
func (a *Annotator) Annotate(frame *gocv.Mat) ([]Annotation, Stats, error) {
	var st Stats
	if frame == nil || frame.Empty() {
		return nil, st, ErrEmptyFrame
	}
	detections, err := a.detector.Detect(*frame)
	if err != nil {
		return nil, st, fmt.Errorf("detect: %w", err)
	}
	st.Detected = len(detections)

	var out []Annotation
	for _, det := range detections {
		if det.Conf < a.cfg.ConfThreshold {
			st.LowConf++
			continue
		}
		ann, err := a.evaluate(det)
		if err != nil {
			st.Degenerate++
			a.log.Warn("dropping detection",
				zap.Error(err),
				zap.Int("classId", det.ClassID),
				zap.Float32("conf", det.Conf),
				zap.Stringer("box", det.Box))
			continue
		}
		Draw(frame, ann)
		out = append(out, ann)
		st.Drawn++
	}
	return out, st, nil
}

func (a *Annotator) evaluate(det iface.Detection) (Annotation, error) {
	dist, err := EstimateDistanceCm(a.cfg.RealWidthM, a.cfg.FocalLengthPx, det.Box.Dx())
	if err != nil {
		return Annotation{}, err
	}
	name := a.detector.ClassName(det.ClassID)
	return Annotation{
		Detection:  det,
		ClassName:  name,
		DistanceCm: dist,
		Close:      dist < a.cfg.CloseDistanceCm,
		Label:      FormatLabel(name, det.Conf, dist),
	}, nil
}

// Draw paints the box and label of ann onto frame.
func Draw(frame *gocv.Mat, ann Annotation) {
	c := FarColor
	if ann.Close {
		c = CloseColor
	}
	gocv.Rectangle(frame, ann.Box, c, BoxThickness)
	org := image.Pt(ann.Box.Min.X, ann.Box.Min.Y-LabelOffsetY)
	gocv.PutText(frame, ann.Label, org, gocv.FontHersheyPlain, TextScale, TextColor, TextThickness)
}

// EstimateDistanceCm applies the pinhole model: distance = realWidth * focalLength / pixelWidth.
func EstimateDistanceCm(realWidthM, focalLengthPx float64, bboxWidthPx int) (float64, error) {
	if bboxWidthPx <= 0 {
		return 0, ErrDegenerateDetection
	}
	return (realWidthM * focalLengthPx / float64(bboxWidthPx)) * 100, nil
}

// FormatLabel renders "name: conf, Dist: distcm" with conf rounded to 4 and distance to 2 decimals.
func FormatLabel(className string, conf float32, distanceCm float64) string {
	return fmt.Sprintf("%s: %s, Dist: %scm",
		className, formatRounded(float64(conf), 4), formatRounded(distanceCm, 2))
}

func RoundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// formatRounded prints the shortest decimal form of the rounded value, always with a fractional part.
func formatRounded(v float64, places int) string {
	s := strconv.FormatFloat(RoundTo(v, places), 'f', -1, 64)
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s
		}
	}
	return s + ".0"
}
