package web

import (
	"bufio"
	"context"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"DepthDetStream/annotate"
	"DepthDetStream/capture"
	iface "DepthDetStream/interface"
	"DepthDetStream/stream"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

type MockDetector struct{}

func (MockDetector) Detect(img gocv.Mat) ([]iface.Detection, error) {
	return []iface.Detection{{ClassID: 0, Conf: 0.9, Box: image.Rect(4, 20, 34, 40)}}, nil
}
func (MockDetector) ClassName(id int) string { return "stop sign" }
func (MockDetector) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{Name: "mock", ModelPath: "mock.onnx", Conf: 0.25, Iou: 0.45, InputSize: 640}
}
func (MockDetector) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *stream.Set) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := capture.NewHub(capture.NewSynthetic(64, 48, 50), nil)
	hub.Start(ctx)

	set := stream.NewSet()
	t.Cleanup(set.Close)
	det := MockDetector{}
	require.NoError(t, set.Add(stream.NewFeed(ctx, "rgb", stream.PathRGB, "RGB Stream", hub, stream.RGB{Quality: 80}, nil, nil)))
	require.NoError(t, set.Add(stream.NewFeed(ctx, "depth", stream.PathDepth, "Depth Stream", hub, stream.Depth{Quality: 80}, nil, nil)))
	require.NoError(t, set.Add(stream.NewFeed(ctx, "yolo", stream.YoloPath(0), "YOLO Model 1", hub, &stream.Detect{
		Feed:      "yolo",
		Annotator: annotate.New(annotate.DefaultConfig(), det, nil),
		Quality:   80,
		Events:    set.Events,
	}, nil, nil)))

	return New(set, hub, []iface.Detector{det}, Options{KeepAlive: time.Second}, nil), set
}

func TestRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	t.Run("Test Ping", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"message":"pong"}`, rec.Body.String())
	})

	t.Run("Test Index Lists Feeds", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
		body := rec.Body.String()
		assert.Contains(t, body, "<title>Intel RealSense Streaming</title>")
		assert.Contains(t, body, `<img src="/video_feed_rgb" width="640" height="480">`)
		assert.Contains(t, body, `<img src="/video_feed_depth"`)
		assert.Contains(t, body, `<img src="/video_feed_yolo"`)
		assert.Contains(t, body, "<h2>YOLO Model 1</h2>")
	})

	t.Run("Test Unknown Feed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video_feed_yolo3", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	})

	t.Run("Test Models", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Data []iface.EngineConfig `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Data, 1)
		assert.Equal(t, "mock", resp.Data[0].Name)
	})

	t.Run("Test Status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Data struct {
				Feeds []stream.FeedStats `json:"feeds"`
				Hub   capture.HubStats   `json:"hub"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Data.Feeds, 3)
		assert.Equal(t, "/video_feed_rgb", resp.Data.Feeds[0].Path)
		assert.False(t, resp.Data.Feeds[0].Running)
	})
}

func readPart(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "--frame\r\n", line)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "Content-Type: image/jpeg\r\n", line)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "\r\n", line)
	soi := make([]byte, 2)
	_, err = io.ReadFull(r, soi)
	require.NoError(t, err)
	return soi
}

func TestMJPEG(t *testing.T) {
	s, set := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	for _, path := range []string{stream.PathRGB, stream.PathDepth, stream.PathYolo} {
		t.Run("Test "+path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + path)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, stream.ContentType, resp.Header.Get("Content-Type"))

			soi := readPart(t, bufio.NewReader(resp.Body))
			assert.Equal(t, []byte{0xFF, 0xD8}, soi)

			feed, ok := set.ByPath(path)
			require.True(t, ok)
			assert.True(t, feed.Stats().Running)
			resp.Body.Close()
			assert.Eventually(t, func() bool { return !feed.Stats().Running }, 3*time.Second, 10*time.Millisecond)
		})
	}
}

func TestDetectionEvents(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/detections"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp, err := http.Get(srv.URL + stream.PathYolo)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev stream.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "yolo", ev.Feed)
	require.Len(t, ev.Annotations, 1)
	assert.Equal(t, "stop sign", ev.Annotations[0].ClassName)
	assert.InDelta(t, 96.0, ev.Annotations[0].DistanceCm, 1e-9)
	assert.Equal(t, "stop sign: 0.9, Dist: 96.0cm", ev.Annotations[0].Label)
}
