package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	CameraDevice    = "device"
	CameraHTTP      = "http"
	CameraSynthetic = "synthetic"
)

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metricsPort"`
	RPCPort     int    `yaml:"RPCPort"`
	JPEGQuality int    `yaml:"jpegQuality"`
}

type CameraConfig struct {
	Kind        string `yaml:"kind"`
	ColorDevice string `yaml:"colorDevice"`
	DepthDevice string `yaml:"depthDevice"`
	ColorURL    string `yaml:"colorURL"`
	DepthURL    string `yaml:"depthURL"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FPS         int    `yaml:"fps"`
}

type ModelConfig struct {
	Name      string   `yaml:"name"`
	Path      string   `yaml:"path"`
	URL       string   `yaml:"url"`
	Names     []string `yaml:"names"`
	NamesFile string   `yaml:"namesFile"`
	Conf      float32  `yaml:"conf"`
	Iou       float32  `yaml:"iou"`
	UseGPU    bool     `yaml:"useGPU"`
	InputSize int      `yaml:"inputSize"`
}

// AnnotateConfig carries the calibration pair and the two thresholds of the overlay.
type AnnotateConfig struct {
	RealWidthM      float64 `yaml:"realWidthM"`
	FocalLengthPx   float64 `yaml:"focalLengthPx"`
	ConfThreshold   float32 `yaml:"confThreshold"`
	CloseDistanceCm float64 `yaml:"closeDistanceCm"`
}

type RegistryConfig struct {
	Enabled bool   `yaml:"UseRegServer"`
	Host    string `yaml:"RegServerHost"`
	Port    int    `yaml:"RegServerPort"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Camera   CameraConfig   `yaml:"camera"`
	Models   []ModelConfig  `yaml:"models"`
	Annotate AnnotateConfig `yaml:"annotate"`
	Registry RegistryConfig `yaml:"registry"`
	Log      LogConfig      `yaml:"log"`
}

// Default is a single-model RealSense streamer on port 5000.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        5000,
			MetricsPort: 5001,
			RPCPort:     0,
			JPEGQuality: 95,
		},
		Camera: CameraConfig{
			Kind:        CameraDevice,
			ColorDevice: "0",
			Width:       640,
			Height:      480,
			FPS:         30,
		},
		Models: []ModelConfig{DefaultModel("yolo", "train_model/train2/weights/best.onnx")},
		Annotate: AnnotateConfig{
			RealWidthM:      0.06,
			FocalLengthPx:   480,
			ConfThreshold:   0.5,
			CloseDistanceCm: 40,
		},
		Log: LogConfig{Level: "info"},
	}
}

// ModelName is the name given to the i-th model when the file leaves it out: yolo, yolo2, yolo3...
func ModelName(i int) string {
	if i == 0 {
		return "yolo"
	}
	return fmt.Sprintf("yolo%d", i+1)
}

func DefaultModel(name, path string) ModelConfig {
	return ModelConfig{
		Name:      name,
		Path:      path,
		Conf:      0.25,
		Iou:       0.45,
		InputSize: 640,
	}
}

// ErrNoConfigFile is returned (together with the defaults) when the file does not exist.
var ErrNoConfigFile = errors.New("config file not found")

// Load reads path on top of Default(). A missing file yields the defaults and ErrNoConfigFile.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, ErrNoConfigFile
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func Parse(data []byte, cfg *Config) error {
	models := cfg.Models
	cfg.Models = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg.Models = models
		return fmt.Errorf("parse config: %w", err)
	}
	if cfg.Models == nil {
		cfg.Models = models
	}
	for i := range cfg.Models {
		m := &cfg.Models[i]
		def := DefaultModel(m.Name, m.Path)
		if m.Name == "" {
			m.Name = ModelName(i)
		}
		if m.Conf == 0 {
			m.Conf = def.Conf
		}
		if m.Iou == 0 {
			m.Iou = def.Iou
		}
		if m.InputSize == 0 {
			m.InputSize = def.InputSize
		}
	}
	return cfg.Validate()
}

func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.JPEGQuality < 1 || c.Server.JPEGQuality > 100 {
		return fmt.Errorf("jpegQuality must be between 1 and 100, got %d", c.Server.JPEGQuality)
	}
	switch c.Camera.Kind {
	case CameraDevice, CameraHTTP, CameraSynthetic:
	default:
		return fmt.Errorf("unknown camera kind %q", c.Camera.Kind)
	}
	if c.Camera.Kind == CameraHTTP && c.Camera.ColorURL == "" {
		return errors.New("camera kind http needs colorURL")
	}
	if c.Annotate.FocalLengthPx <= 0 || c.Annotate.RealWidthM <= 0 {
		return errors.New("annotate calibration must be positive")
	}
	if c.Annotate.ConfThreshold < 0 || c.Annotate.ConfThreshold > 1 {
		return fmt.Errorf("confThreshold must be between 0.0 and 1.0, got %f", c.Annotate.ConfThreshold)
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if seen[m.Name] {
			return fmt.Errorf("duplicate model name %q", m.Name)
		}
		seen[m.Name] = true
		if m.Path == "" {
			return fmt.Errorf("model %q: path cannot be empty", m.Name)
		}
		if m.Iou > 1.0 || m.Iou < 0.0 {
			return fmt.Errorf("model %q: IoU must be between 0.0 and 1.0, got %f", m.Name, m.Iou)
		}
	}
	return nil
}
