package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, 0.06, cfg.Annotate.RealWidthM)
	assert.Equal(t, 480.0, cfg.Annotate.FocalLengthPx)
	assert.Equal(t, float32(0.5), cfg.Annotate.ConfThreshold)
	assert.Equal(t, 40.0, cfg.Annotate.CloseDistanceCm)
	assert.Len(t, cfg.Models, 1)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Run("Test Missing File", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, ErrNoConfigFile)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("Test Override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := `
server:
  port: 8080
camera:
  kind: synthetic
  fps: 10
models:
  - path: models/a.onnx
  - name: second
    path: models/b.onnx
    conf: 0.4
annotate:
  closeDistanceCm: 25
registry:
  UseRegServer: true
  RegServerHost: 10.0.0.2
  RegServerPort: 9000
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, CameraSynthetic, cfg.Camera.Kind)
		assert.Equal(t, 10, cfg.Camera.FPS)
		assert.Equal(t, 640, cfg.Camera.Width)
		if assert.Len(t, cfg.Models, 2) {
			assert.Equal(t, "yolo", cfg.Models[0].Name)
			assert.Equal(t, float32(0.25), cfg.Models[0].Conf)
			assert.Equal(t, "second", cfg.Models[1].Name)
			assert.Equal(t, float32(0.4), cfg.Models[1].Conf)
			assert.Equal(t, 640, cfg.Models[1].InputSize)
		}
		assert.Equal(t, 25.0, cfg.Annotate.CloseDistanceCm)
		assert.Equal(t, 0.06, cfg.Annotate.RealWidthM)
		assert.True(t, cfg.Registry.Enabled)
		assert.Equal(t, 9000, cfg.Registry.Port)
	})

	t.Run("Test Invalid", func(t *testing.T) {
		cfg := Default()
		err := Parse([]byte("camera:\n  kind: kinect\n"), &cfg)
		assert.Error(t, err)

		cfg = Default()
		err = Parse([]byte("camera:\n  kind: http\n"), &cfg)
		assert.Error(t, err)

		cfg = Default()
		err = Parse([]byte("models:\n  - path: a.onnx\n  - name: yolo\n    path: b.onnx\n"), &cfg)
		assert.ErrorContains(t, err, "duplicate model name")

		cfg = Default()
		err = Parse([]byte("server: [1, 2"), &cfg)
		assert.Error(t, err)
		assert.Len(t, cfg.Models, 1)
	})
}

func TestModelName(t *testing.T) {
	assert.Equal(t, "yolo", ModelName(0))
	assert.Equal(t, "yolo2", ModelName(1))
	assert.Equal(t, "yolo3", ModelName(2))
}
