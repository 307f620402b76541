package capture

import (
	"context"
	"fmt"
	"net/http"
	"time"

	iface "DepthDetStream/interface"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const httpTimeout = 5 * time.Second

// HTTPSource polls a camera bridge that serves the latest colour frame as an encoded image and the
// latest depth frame as raw little-endian Z16 of Width x Height.
type HTTPSource struct {
	client   *resty.Client
	ColorURL string
	DepthURL string
	Width    int
	Height   int
	log      *zap.Logger
}

func NewHTTPSource(colorURL, depthURL string, width, height int, log *zap.Logger) *HTTPSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPSource{
		client:   resty.New().SetTimeout(httpTimeout),
		ColorURL: colorURL,
		DepthURL: depthURL,
		Width:    width,
		Height:   height,
		log:      log,
	}
}

// fetch returns nil data, without error, when the bridge has no frame ready (204 or 404).
func (hs *HTTPSource) fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := hs.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("couldn't read %s: %w", url, err)
	}
	switch resp.StatusCode() {
	case http.StatusNoContent, http.StatusNotFound:
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("couldn't read %s: %s", url, resp.Status())
	}
	return resp.Body(), nil
}

func (hs *HTTPSource) NextFramePair(ctx context.Context) (iface.FramePair, error) {
	pair := iface.FramePair{Captured: time.Now()}

	colorData, err := hs.fetch(ctx, hs.ColorURL)
	if err != nil {
		return pair, err
	}
	if len(colorData) > 0 {
		img, err := gocv.IMDecode(colorData, gocv.IMReadColor)
		if err != nil || img.Empty() {
			_ = img.Close()
			hs.log.Debug("undecodable colour frame", zap.Int("bytes", len(colorData)))
		} else {
			pair.Color = &img
		}
	}

	if hs.DepthURL == "" {
		return pair, nil
	}
	depthData, err := hs.fetch(ctx, hs.DepthURL)
	if err != nil {
		pair.Close()
		return iface.FramePair{}, err
	}
	if len(depthData) == 0 {
		return pair, nil
	}
	if len(depthData) != hs.Width*hs.Height*2 {
		hs.log.Debug("depth frame size mismatch", zap.Int("bytes", len(depthData)))
		return pair, nil
	}
	dep, err := gocv.NewMatFromBytes(hs.Height, hs.Width, gocv.MatTypeCV16UC1, depthData)
	if err != nil {
		pair.Close()
		return iface.FramePair{}, err
	}
	pair.Depth = &dep
	return pair, nil
}

func (hs *HTTPSource) Close() error {
	return nil
}
