package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const DownloadTimeout = 5 * time.Minute

var ErrModelMissing = errors.New("model artifact missing")

// EnsureModel makes sure the model file at path exists, downloading it from url when it does not.
// Runs synchronously; startup waits for the download.
func EnsureModel(ctx context.Context, path, url string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if url == "" {
		return fmt.Errorf("%w: %s (no download url configured)", ErrModelMissing, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	log.Info("downloading model", zap.String("url", url), zap.String("path", path))
	start := time.Now()
	tmp := path + ".part"
	client := resty.New().SetTimeout(DownloadTimeout)
	resp, err := client.R().
		SetContext(ctx).
		SetOutput(tmp).
		Get(url)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("download %s: %w", url, err)
	}
	if resp.IsError() {
		_ = os.Remove(tmp)
		return fmt.Errorf("download %s: server returned %s", url, resp.Status())
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	log.Info("model downloaded", zap.Duration("took", time.Since(start)), zap.Int64("bytes", resp.Size()))
	return nil
}
