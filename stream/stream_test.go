package stream

import (
	"bytes"
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"DepthDetStream/annotate"
	iface "DepthDetStream/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestBroadcaster(t *testing.T) {
	b := newBroadcaster[int](1)
	idA, a, n := b.subscribe()
	assert.Equal(t, 1, n)
	_, c, n := b.subscribe()
	assert.Equal(t, 2, n)

	assert.Equal(t, 0, b.publish(1))
	assert.Equal(t, 1, <-a)
	assert.Equal(t, 1, b.publish(2)) // c still holds 1
	assert.Equal(t, 1, <-c)

	left, ok := b.unsubscribe(idA)
	assert.True(t, ok)
	assert.Equal(t, 1, left)
	_, ok = b.unsubscribe(idA)
	assert.False(t, ok)

	b.close()
	_, open := <-c
	assert.False(t, open)
	_, late, _ := b.subscribe()
	_, open = <-late
	assert.False(t, open)
}

func TestWritePart(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePart(&buf, []byte("JPEG")))
	assert.Equal(t, "--frame\r\nContent-Type: image/jpeg\r\n\r\nJPEG\r\n", buf.String())
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", ContentType)
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("client gone") }

func TestWriteMJPEG(t *testing.T) {
	t.Run("Test Until Closed", func(t *testing.T) {
		frames := make(chan []byte, 2)
		frames <- []byte("A")
		frames <- []byte("B")
		close(frames)
		var buf bytes.Buffer
		flushes := 0
		err := WriteMJPEG(context.Background(), &buf, func() { flushes++ }, frames, time.Second, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, flushes)
		assert.Equal(t, "--frame\r\nContent-Type: image/jpeg\r\n\r\nA\r\n--frame\r\nContent-Type: image/jpeg\r\n\r\nB\r\n", buf.String())
	})

	t.Run("Test Keep Alive", func(t *testing.T) {
		frames := make(chan []byte)
		ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
		defer cancel()
		var buf bytes.Buffer
		err := WriteMJPEG(ctx, &buf, nil, frames, 20*time.Millisecond, []byte("IDLE"))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Contains(t, buf.String(), "IDLE")
	})

	t.Run("Test Client Gone", func(t *testing.T) {
		frames := make(chan []byte, 1)
		frames <- []byte("A")
		err := WriteMJPEG(context.Background(), failingWriter{}, nil, frames, time.Second, nil)
		assert.Error(t, err)
	})
}

func TestEncodeJPEG(t *testing.T) {
	img := gocv.NewMatWithSize(24, 32, gocv.MatTypeCV8UC3)
	defer img.Close()
	data, err := EncodeJPEG(img, 90)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])

	empty := gocv.NewMat()
	defer empty.Close()
	_, err = EncodeJPEG(empty, 90)
	assert.Error(t, err)

	ph, err := Placeholder(64, 48, "waiting")
	require.NoError(t, err)
	assert.NotEmpty(t, ph)
}

// MockHub hands out a single channel the test writes pairs into.
type MockHub struct {
	mu       sync.Mutex
	pairs    chan iface.FramePair
	subs     int
	unsubbed int
}

func (m *MockHub) Subscribe() (string, <-chan iface.FramePair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs++
	return "hub", m.pairs
}

func (m *MockHub) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubbed++
}

func (m *MockHub) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs, m.unsubbed
}

type MockObserver struct {
	mu        sync.Mutex
	rendered  int
	skipped   int
	clients   int
	annotated []annotate.Stats
}

func (m *MockObserver) FrameRendered(feed string, took time.Duration, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rendered++
}
func (m *MockObserver) FrameSkipped(feed string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped++
}
func (m *MockObserver) RenderFailed(feed string) {}
func (m *MockObserver) ClientsChanged(feed string, clients int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients = clients
}
func (m *MockObserver) Annotated(feed string, st annotate.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.annotated = append(m.annotated, st)
}

func colorPair() iface.FramePair {
	c := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	return iface.FramePair{Color: &c, Seq: 7, Captured: time.Now()}
}

func TestFeedLifecycle(t *testing.T) {
	hub := &MockHub{pairs: make(chan iface.FramePair, 4)}
	obs := &MockObserver{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := NewFeed(ctx, "rgb", PathRGB, "RGB Stream", hub, RGB{Quality: 80}, obs, nil)

	assert.False(t, feed.Stats().Running)
	id, ch := feed.Subscribe()
	assert.True(t, feed.Stats().Running)

	hub.pairs <- iface.FramePair{}
	hub.pairs <- colorPair()
	select {
	case data := <-ch:
		assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from feed")
	}
	st := feed.Stats()
	assert.Equal(t, uint64(1), st.Rendered)
	assert.Equal(t, uint64(1), st.Skipped)
	assert.Equal(t, 1, st.Clients)

	feed.Unsubscribe(id)
	assert.False(t, feed.Stats().Running)
	assert.Eventually(t, func() bool {
		subs, unsubbed := hub.counts()
		return subs == 1 && unsubbed == 1
	}, time.Second, 5*time.Millisecond)
	obs.mu.Lock()
	assert.Equal(t, 0, obs.clients)
	assert.Equal(t, 1, obs.rendered)
	assert.Equal(t, 1, obs.skipped)
	obs.mu.Unlock()

	_, ch2 := feed.Subscribe()
	feed.Close()
	_, open := <-ch2
	assert.False(t, open)
}

// blockingRenderer holds every Render call until release is closed and tracks overlap.
type blockingRenderer struct {
	entered   chan struct{}
	release   chan struct{}
	active    atomic.Int32
	maxActive atomic.Int32
}

func (r *blockingRenderer) Render(pair iface.FramePair) ([]byte, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		m := r.maxActive.Load()
		if n <= m || r.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	select {
	case r.entered <- struct{}{}:
	default:
	}
	<-r.release
	return []byte{0xFF, 0xD8}, nil
}

func TestFeedResubscribeWaitsForProducer(t *testing.T) {
	hub := &MockHub{pairs: make(chan iface.FramePair, 4)}
	r := &blockingRenderer{entered: make(chan struct{}, 1), release: make(chan struct{})}
	feed := NewFeed(context.Background(), "yolo", PathYolo, "YOLO", hub, r, nil, nil)
	defer feed.Close()

	id, _ := feed.Subscribe()
	hub.pairs <- colorPair()
	select {
	case <-r.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("renderer never called")
	}
	feed.Unsubscribe(id)

	resubscribed := make(chan struct{})
	go func() {
		feed.Subscribe()
		close(resubscribed)
	}()
	assert.Never(t, func() bool {
		select {
		case <-resubscribed:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	close(r.release)
	select {
	case <-resubscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return after the old producer finished")
	}
	hub.pairs <- colorPair()
	assert.Eventually(t, func() bool {
		subs, unsubbed := hub.counts()
		return subs == 2 && unsubbed == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), r.maxActive.Load())
}

type MockDetector struct{}

func (MockDetector) Detect(img gocv.Mat) ([]iface.Detection, error) {
	return []iface.Detection{
		{ClassID: 0, Conf: 0.9, Box: image.Rect(10, 20, 30, 40)},
		{ClassID: 0, Conf: 0.1, Box: image.Rect(10, 20, 30, 40)},
	}, nil
}
func (MockDetector) ClassName(id int) string         { return "stop sign" }
func (MockDetector) CheckConfig() iface.EngineConfig { return iface.EngineConfig{} }
func (MockDetector) Close() error                     { return nil }

func TestDetectRenderer(t *testing.T) {
	events := NewEvents()
	defer events.Close()
	_, evs := events.Subscribe()
	obs := &MockObserver{}
	r := &Detect{
		Feed:      "yolo",
		Annotator: annotate.New(annotate.DefaultConfig(), MockDetector{}, nil),
		Quality:   80,
		Events:    events,
		Observer:  obs,
	}

	pair := colorPair()
	defer pair.Close()
	data, err := r.Render(pair)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	select {
	case ev := <-evs:
		assert.Equal(t, "yolo", ev.Feed)
		assert.Equal(t, uint64(7), ev.Seq)
		if assert.Len(t, ev.Annotations, 1) {
			assert.InDelta(t, 144.0, ev.Annotations[0].DistanceCm, 1e-9)
		}
	default:
		t.Fatal("no detection event")
	}
	obs.mu.Lock()
	assert.Equal(t, []annotate.Stats{{Detected: 2, LowConf: 1, Drawn: 1}}, obs.annotated)
	obs.mu.Unlock()

	_, err = r.Render(iface.FramePair{})
	assert.ErrorIs(t, err, ErrSkip)
	_, err = Depth{Quality: 80}.Render(pair)
	assert.ErrorIs(t, err, ErrSkip)
}

func TestSet(t *testing.T) {
	assert.Equal(t, "/video_feed_yolo", YoloPath(0))
	assert.Equal(t, "/video_feed_yolo2", YoloPath(1))

	s := NewSet()
	hub := &MockHub{pairs: make(chan iface.FramePair)}
	ctx := context.Background()
	require.NoError(t, s.Add(NewFeed(ctx, "rgb", PathRGB, "RGB", hub, RGB{}, nil, nil)))
	require.NoError(t, s.Add(NewFeed(ctx, "depth", PathDepth, "Depth", hub, Depth{}, nil, nil)))
	assert.Error(t, s.Add(NewFeed(ctx, "again", PathRGB, "RGB", hub, RGB{}, nil, nil)))

	f, ok := s.ByPath(PathDepth)
	assert.True(t, ok)
	assert.Equal(t, "depth", f.Name)
	_, ok = s.ByPath("/video_feed_ir")
	assert.False(t, ok)
	assert.Len(t, s.Stats(), 2)
	s.Close()
}
