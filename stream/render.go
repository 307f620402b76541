package stream

import (
	"errors"
	"time"

	"DepthDetStream/annotate"
	"DepthDetStream/depth"
	iface "DepthDetStream/interface"

	"gocv.io/x/gocv"
)

// ErrSkip means the pair lacks the frame a renderer needs; the feed moves on to the next pair.
var ErrSkip = errors.New("frame not available")

// Renderer turns one frame pair into a JPEG. It owns the pair's Mats for the duration of the call
// and may draw on them.
type Renderer interface {
	Render(pair iface.FramePair) ([]byte, error)
}

type RGB struct {
	Quality int
}

func (r RGB) Render(pair iface.FramePair) ([]byte, error) {
	if !pair.HasColor() {
		return nil, ErrSkip
	}
	return EncodeJPEG(*pair.Color, r.Quality)
}

type Depth struct {
	Quality int
}

func (r Depth) Render(pair iface.FramePair) ([]byte, error) {
	if !pair.HasDepth() {
		return nil, ErrSkip
	}
	out := gocv.NewMat()
	defer out.Close()
	if err := depth.Colorize(*pair.Depth, &out); err != nil {
		return nil, err
	}
	return EncodeJPEG(out, r.Quality)
}

// Event reports what was drawn on one annotated frame.
type Event struct {
	Feed        string                `json:"feed"`
	Seq         uint64                `json:"seq"`
	Time        time.Time             `json:"time"`
	Annotations []annotate.Annotation `json:"annotations"`
}

// Detect annotates the colour frame in place and encodes the result.
type Detect struct {
	Feed      string
	Annotator *annotate.Annotator
	Quality   int
	Events    *Events
	Observer  Observer
}

func (r *Detect) Render(pair iface.FramePair) ([]byte, error) {
	if !pair.HasColor() {
		return nil, ErrSkip
	}
	anns, st, err := r.Annotator.Annotate(pair.Color)
	if errors.Is(err, annotate.ErrEmptyFrame) {
		return nil, ErrSkip
	}
	if err != nil {
		return nil, err
	}
	if r.Observer != nil {
		r.Observer.Annotated(r.Feed, st)
	}
	if r.Events != nil && len(anns) > 0 {
		r.Events.Publish(Event{Feed: r.Feed, Seq: pair.Seq, Time: pair.Captured, Annotations: anns})
	}
	return EncodeJPEG(*pair.Color, r.Quality)
}
