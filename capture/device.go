package capture

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	iface "DepthDetStream/interface"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var (
	ErrDeviceClosed = errors.New("capture device closed")
	ErrNoFrames     = errors.New("capture device stopped delivering frames")
)

// MaxFailedReads is how many empty reads in a row are tolerated before the device is reported failed.
const MaxFailedReads = 30

// readFailures counts consecutive reads that produced no frame at all.
type readFailures struct {
	limit int
	n     int
}

// observe records one read and returns ErrNoFrames while the run of failures is at or past the limit.
func (r *readFailures) observe(got bool) error {
	if got {
		r.n = 0
		return nil
	}
	r.n++
	if r.n >= r.limit {
		return fmt.Errorf("%w: %d empty reads in a row", ErrNoFrames, r.n)
	}
	return nil
}

type DeviceConfig struct {
	ColorDevice string
	DepthDevice string
	Width       int
	Height      int
	FPS         int
}

// Device reads colour and depth from two OpenCV capture handles. Depth cameras such as the
// RealSense expose the Z16 plane as its own video node, read here without RGB conversion.
type Device struct {
	cfg   DeviceConfig
	color  *gocv.VideoCapture
	depth  *gocv.VideoCapture
	log    *zap.Logger
	failed readFailures
}

func openCapture(dev string) (*gocv.VideoCapture, error) {
	if idx, err := strconv.Atoi(dev); err == nil {
		return gocv.OpenVideoCapture(idx)
	}
	return gocv.OpenVideoCapture(dev)
}

func OpenDevice(cfg DeviceConfig, log *zap.Logger) (*Device, error) {
	if log == nil {
		log = zap.NewNop()
	}
	colorCap, err := openCapture(cfg.ColorDevice)
	if err != nil {
		return nil, fmt.Errorf("open colour device %q: %w", cfg.ColorDevice, err)
	}
	applyFormat(colorCap, cfg)
	d := &Device{cfg: cfg, color: colorCap, log: log, failed: readFailures{limit: MaxFailedReads}}

	if cfg.DepthDevice != "" {
		depthCap, err := openCapture(cfg.DepthDevice)
		if err != nil {
			_ = colorCap.Close()
			return nil, fmt.Errorf("open depth device %q: %w", cfg.DepthDevice, err)
		}
		applyFormat(depthCap, cfg)
		depthCap.Set(gocv.VideoCaptureFOURCC, depthCap.ToCodec("Z16 "))
		depthCap.Set(gocv.VideoCaptureConvertRGB, 0)
		d.depth = depthCap
	} else {
		log.Warn("no depth device configured, depth feed will stay empty")
	}
	log.Info("capture device opened",
		zap.String("color", cfg.ColorDevice),
		zap.String("depth", cfg.DepthDevice),
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
		zap.Int("fps", cfg.FPS))
	return d, nil
}

func applyFormat(c *gocv.VideoCapture, cfg DeviceConfig) {
	if cfg.Width > 0 {
		c.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	}
	if cfg.Height > 0 {
		c.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.FPS > 0 {
		c.Set(gocv.VideoCaptureFPS, float64(cfg.FPS))
	}
}

// NextFramePair blocks on the colour read, then the depth read. Reads are not interruptible;
// ctx is only checked between them.
func (d *Device) NextFramePair(ctx context.Context) (iface.FramePair, error) {
	if err := ctx.Err(); err != nil {
		return iface.FramePair{}, err
	}
	if !d.color.IsOpened() {
		return iface.FramePair{}, ErrDeviceClosed
	}
	pair := iface.FramePair{Captured: time.Now()}

	col := gocv.NewMat()
	if d.color.Read(&col) && !col.Empty() {
		pair.Color = &col
	} else {
		_ = col.Close()
	}

	if d.depth != nil && ctx.Err() == nil {
		raw := gocv.NewMat()
		if d.depth.Read(&raw) && !raw.Empty() {
			dep, err := toDepth16(raw, d.cfg.Width, d.cfg.Height)
			if err != nil {
				_ = dep.Close()
				d.log.Debug("unusable depth frame", zap.Error(err))
			} else {
				pair.Depth = &dep
			}
		}
		_ = raw.Close()
	}
	if err := d.failed.observe(pair.HasColor() || pair.HasDepth()); err != nil {
		pair.Close()
		return iface.FramePair{}, err
	}
	return pair, nil
}

// toDepth16 returns a 16UC1 copy of raw, reinterpreting an unconverted byte buffer when needed.
func toDepth16(raw gocv.Mat, width, height int) (gocv.Mat, error) {
	if raw.Type() == gocv.MatTypeCV16UC1 {
		return raw.Clone(), nil
	}
	data := raw.ToBytes()
	if width <= 0 || height <= 0 || len(data) != width*height*2 {
		return gocv.NewMat(), fmt.Errorf("depth buffer of %d bytes does not match %dx%d Z16", len(data), width, height)
	}
	return gocv.NewMatFromBytes(height, width, gocv.MatTypeCV16UC1, data)
}

func (d *Device) Close() error {
	var errs []error
	if d.color != nil {
		errs = append(errs, d.color.Close())
	}
	if d.depth != nil {
		errs = append(errs, d.depth.Close())
	}
	return errors.Join(errs...)
}
