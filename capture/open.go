package capture

import (
	"fmt"

	"DepthDetStream/config"
	iface "DepthDetStream/interface"

	"go.uber.org/zap"
)

// Open builds the frame source selected by cfg.Kind.
func Open(cfg config.CameraConfig, log *zap.Logger) (iface.FrameSource, error) {
	switch cfg.Kind {
	case config.CameraDevice, "":
		return OpenDevice(DeviceConfig{
			ColorDevice: cfg.ColorDevice,
			DepthDevice: cfg.DepthDevice,
			Width:       cfg.Width,
			Height:      cfg.Height,
			FPS:         cfg.FPS,
		}, log)
	case config.CameraHTTP:
		return NewHTTPSource(cfg.ColorURL, cfg.DepthURL, cfg.Width, cfg.Height, log), nil
	case config.CameraSynthetic:
		return NewSynthetic(cfg.Width, cfg.Height, cfg.FPS), nil
	}
	return nil, fmt.Errorf("unknown camera kind %q", cfg.Kind)
}
