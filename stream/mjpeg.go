package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"time"

	"gocv.io/x/gocv"
)

const (
	Boundary    = "frame"
	ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

	DefaultKeepAlive = 5 * time.Second
)

var partHeader = []byte("--" + Boundary + "\r\nContent-Type: image/jpeg\r\n\r\n")

// EncodeJPEG compresses img at the given quality (1-100).
func EncodeJPEG(img gocv.Mat, quality int) ([]byte, error) {
	if img.Empty() {
		return nil, errors.New("encode: empty image")
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

// WritePart writes one multipart JPEG part: boundary, header, payload, CRLF.
func WritePart(w io.Writer, jpeg []byte) error {
	if _, err := w.Write(partHeader); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// WriteMJPEG copies frames to w until the channel closes, ctx ends or a write fails.
// When no frame arrives within keepAlive the placeholder is sent so proxies keep the connection.
func WriteMJPEG(ctx context.Context, w io.Writer, flush func(), frames <-chan []byte, keepAlive time.Duration, placeholder []byte) error {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	timer := time.NewTimer(keepAlive)
	defer timer.Stop()
	for {
		var data []byte
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			data = f
		case <-timer.C:
			data = placeholder
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(keepAlive)
		if len(data) == 0 {
			continue
		}
		if err := WritePart(w, data); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
	}
}

// Placeholder renders a dark frame with a caption, shown while a feed has nothing to send.
func Placeholder(width, height int, caption string) ([]byte, error) {
	img := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	defer img.Close()
	gocv.PutText(&img, caption, image.Pt(20, height/2), gocv.FontHersheyPlain, 2,
		color.RGBA{R: 200, G: 200, B: 200}, 2)
	return EncodeJPEG(img, 75)
}
