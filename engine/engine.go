package engine

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	iface "DepthDetStream/interface"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const (
	UNREGISTERED = 0x0001
	REGISTERED   = 0x0002
	IDLE         = 0x0003
	BUSY         = 0x0004
)

const DefaultInputSize = 640

var (
	ErrNotRegistered  = errors.New("detector not registered")
	ErrModelNotLoaded = errors.New("model not loaded")
	ErrBusy           = errors.New("detector is busy")
	ErrBadOutput      = errors.New("unexpected model output shape")
)

// ReadLines returns the non-empty lines of a class-names file, accepting CRLF endings.
func ReadLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := strings.Split(string(b), "\n")
	var lines []string
	for _, l := range raw {
		l = strings.TrimSpace(strings.TrimRight(l, "\r"))
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// Detector is a YOLOv8 model run through the OpenCV DNN module.
type Detector struct {
	mu        sync.Mutex
	Name      string
	ModelPath string
	Names     []string
	Conf      float32
	Iou       float32
	UseGPU    bool
	InputSize int
	State     int
	net       gocv.Net
	log       *zap.Logger
}

func NewDetector(name string, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{
		Name:      name,
		InputSize: DefaultInputSize,
		State:     REGISTERED,
		log:       log.With(zap.String("model", name)),
	}
}

func resolveNames(names iface.NamesConf) ([]string, error) {
	if names.IsFile {
		path, ok := names.Data.(string)
		if !ok {
			return nil, errors.New("names file must be a path")
		}
		return ReadLines(path)
	}
	if names.Data == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(names.Data)
	if rv.Kind() != reflect.Slice {
		return nil, errors.New("names must be a slice or a file path")
	}
	out := make([]string, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		s, ok := rv.Index(i).Interface().(string)
		if !ok {
			return nil, fmt.Errorf("names[%d] is not a string", i)
		}
		out[i] = s
	}
	return out, nil
}

func (d *Detector) LoadModel(modelPath string, names iface.NamesConf, conf float32, iou float32, useGPU bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == UNREGISTERED {
		return ErrNotRegistered
	}
	if strings.ToLower(filepath.Ext(modelPath)) != ".onnx" {
		return fmt.Errorf("LoadModel only supports .onnx, got %s", modelPath)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("model file: %w", err)
	}
	resolved, err := resolveNames(names)
	if err != nil {
		return err
	}
	if len(resolved) == 0 {
		resolved = COCOClasses
	}
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return fmt.Errorf("failed to load model from %s", modelPath)
	}
	if useGPU {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}
	d.net = net
	d.Names = resolved
	d.ModelPath = modelPath
	d.Conf = conf
	d.Iou = iou
	d.UseGPU = useGPU
	d.State = IDLE
	d.log.Info("model loaded",
		zap.String("path", modelPath),
		zap.Int("classes", len(resolved)),
		zap.Bool("gpu", useGPU))
	return nil
}

func (d *Detector) SetInputSize(size int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size > 0 {
		d.InputSize = size
	}
}

func (d *Detector) CheckConfig() iface.EngineConfig {
	d.mu.Lock()
	state := d.State
	d.mu.Unlock()
	return iface.EngineConfig{
		Name:      d.Name,
		ModelPath: d.ModelPath,
		Names:     d.Names,
		Conf:      d.Conf,
		Iou:       d.Iou,
		UseGPU:    d.UseGPU,
		InputSize: d.InputSize,
		State:     state,
	}
}

func (d *Detector) ClassName(id int) string {
	if id >= 0 && id < len(d.Names) {
		return d.Names[id]
	}
	return fmt.Sprintf("class%d", id)
}

// Detect runs one forward pass. A detector serves one caller at a time; overlapping calls get ErrBusy.
func (d *Detector) Detect(img gocv.Mat) ([]iface.Detection, error) {
	d.mu.Lock()
	switch d.State {
	case UNREGISTERED:
		d.mu.Unlock()
		return nil, ErrNotRegistered
	case REGISTERED:
		d.mu.Unlock()
		return nil, ErrModelNotLoaded
	case BUSY:
		d.mu.Unlock()
		return nil, ErrBusy
	}
	d.State = BUSY
	net, inputSize, conf, iou := d.net, d.InputSize, d.Conf, d.Iou
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.State == BUSY {
			d.State = IDLE
		}
		d.mu.Unlock()
	}()
	if img.Empty() {
		return nil, errors.New("empty image")
	}

	size := image.Pt(inputSize, inputSize)
	blob := gocv.BlobFromImage(img, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	net.SetInput(blob, "")
	output := net.Forward("")
	defer output.Close()

	dims := output.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("%w: %v", ErrBadOutput, dims)
	}
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	scaleX := float32(img.Cols()) / float32(inputSize)
	scaleY := float32(img.Rows()) / float32(inputSize)
	cands, err := ParseOutput(data, dims[1], dims[2], scaleX, scaleY, conf)
	if err != nil {
		return nil, err
	}
	return suppress(cands, conf, iou, img.Cols(), img.Rows()), nil
}

func suppress(cands []iface.Detection, conf, iou float32, width, height int) []iface.Detection {
	if len(cands) == 0 {
		return nil
	}
	boxes := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		boxes[i] = c.Box
		scores[i] = c.Conf
	}
	indices := gocv.NMSBoxes(boxes, scores, conf, iou)
	bounds := image.Rect(0, 0, width, height)
	out := make([]iface.Detection, 0, len(indices))
	for _, idx := range indices {
		det := cands[idx]
		det.Box = det.Box.Intersect(bounds)
		out = append(out, det)
	}
	return out
}

// ParseOutput decodes a YOLOv8 head laid out as [attrs][count] where attrs = 4 box values
// (cx, cy, w, h in input pixels) followed by one score per class.
func ParseOutput(data []float32, attrs, count int, scaleX, scaleY, conf float32) ([]iface.Detection, error) {
	if attrs < 5 || count < 0 || len(data) < attrs*count {
		return nil, fmt.Errorf("%w: attrs=%d count=%d len=%d", ErrBadOutput, attrs, count, len(data))
	}
	var out []iface.Detection
	for i := 0; i < count; i++ {
		best := float32(0)
		bestID := 0
		for c := 4; c < attrs; c++ {
			if s := data[c*count+i]; s > best {
				best = s
				bestID = c - 4
			}
		}
		if best < conf {
			continue
		}
		cx := data[0*count+i]
		cy := data[1*count+i]
		w := data[2*count+i]
		h := data[3*count+i]
		out = append(out, iface.Detection{
			ClassID: bestID,
			Conf:    best,
			Box: image.Rect(
				int((cx-w/2)*scaleX),
				int((cy-h/2)*scaleY),
				int((cx+w/2)*scaleX),
				int((cy+h/2)*scaleY),
			),
		})
	}
	return out, nil
}

// Warmup runs n inferences on a small black image. GPU backends compile kernels on the first pass.
func (d *Detector) Warmup(n int) error {
	warmMat := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC3)
	defer warmMat.Close()
	for i := 0; i < n; i++ {
		if _, err := d.Detect(warmMat); err != nil {
			return fmt.Errorf("warmup: %w", err)
		}
	}
	return nil
}

func (d *Detector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == IDLE || d.State == BUSY {
		_ = d.net.Close()
		d.net = gocv.Net{}
	}
	d.ModelPath = ""
	d.Conf = 0
	d.Iou = 0
	d.UseGPU = false
	d.State = UNREGISTERED
}

func (d *Detector) Close() error {
	d.Destroy()
	return nil
}
