package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"DepthDetStream/annotate"
	iface "DepthDetStream/interface"

	"go.uber.org/zap"
)

const clientBuffer = 2

// FrameHub is the part of capture.Hub a feed needs.
type FrameHub interface {
	Subscribe() (string, <-chan iface.FramePair)
	Unsubscribe(id string)
}

// Observer receives per-feed measurements; the monitor implements it.
type Observer interface {
	FrameRendered(feed string, took time.Duration, size int)
	FrameSkipped(feed string)
	RenderFailed(feed string)
	ClientsChanged(feed string, clients int)
	Annotated(feed string, st annotate.Stats)
}

type FeedStats struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Title    string `json:"title"`
	Clients  int    `json:"clients"`
	Running  bool   `json:"running"`
	Rendered uint64 `json:"rendered"`
	Skipped  uint64 `json:"skipped"`
	Failed   uint64 `json:"failed"`
	Lagging  uint64 `json:"lagging"`
}

// Feed renders hub frames once and shares the JPEG with every connected client.
// It only pulls from the hub while at least one client is attached.
type Feed struct {
	Name  string
	Path  string
	Title string

	hub      FrameHub
	renderer Renderer
	observer Observer
	log      *zap.Logger
	clients  *broadcaster[[]byte]

	mu     sync.Mutex
	base   context.Context
	cancel context.CancelFunc
	done   chan struct{}

	rendered atomic.Uint64
	skipped  atomic.Uint64
	failed   atomic.Uint64
	lagging  atomic.Uint64
}

func NewFeed(base context.Context, name, path, title string, hub FrameHub, renderer Renderer, observer Observer, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		Name:     name,
		Path:     path,
		Title:    title,
		hub:      hub,
		renderer: renderer,
		observer: observer,
		log:      log.With(zap.String("feed", name)),
		clients:  newBroadcaster[[]byte](clientBuffer),
		base:     base,
	}
}

// Subscribe attaches a client; the first client starts the producer. A producer stopped by an
// earlier Unsubscribe is waited for first, so at most one producer renders at a time.
func (f *Feed) Subscribe() (string, <-chan []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ch, n := f.clients.subscribe()
	if f.observer != nil {
		f.observer.ClientsChanged(f.Name, n)
	}
	if f.cancel == nil && f.base.Err() == nil {
		if f.done != nil {
			<-f.done
		}
		ctx, cancel := context.WithCancel(f.base)
		f.cancel = cancel
		f.done = make(chan struct{})
		go f.produce(ctx, f.done)
		f.log.Info("feed started")
	}
	return id, ch
}

// Unsubscribe detaches a client; the last client stops the producer.
func (f *Feed) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.clients.unsubscribe(id)
	if !ok {
		return
	}
	if f.observer != nil {
		f.observer.ClientsChanged(f.Name, n)
	}
	if n == 0 && f.cancel != nil {
		f.cancel()
		f.cancel = nil
		f.log.Info("feed stopped, no clients")
	}
}

func (f *Feed) produce(ctx context.Context, done chan struct{}) {
	defer close(done)
	id, pairs := f.hub.Subscribe()
	defer f.hub.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case pair, ok := <-pairs:
			if !ok {
				return
			}
			f.renderOne(pair)
		}
	}
}

func (f *Feed) renderOne(pair iface.FramePair) {
	defer pair.Close()
	start := time.Now()
	data, err := f.renderer.Render(pair)
	switch {
	case errors.Is(err, ErrSkip):
		f.skipped.Add(1)
		if f.observer != nil {
			f.observer.FrameSkipped(f.Name)
		}
		return
	case err != nil:
		f.failed.Add(1)
		if f.observer != nil {
			f.observer.RenderFailed(f.Name)
		}
		f.log.Warn("render failed", zap.Uint64("seq", pair.Seq), zap.Error(err))
		return
	}
	f.rendered.Add(1)
	if f.observer != nil {
		f.observer.FrameRendered(f.Name, time.Since(start), len(data))
	}
	if lag := f.clients.publish(data); lag > 0 {
		f.lagging.Add(uint64(lag))
	}
}

func (f *Feed) Stats() FeedStats {
	f.mu.Lock()
	running := f.cancel != nil
	f.mu.Unlock()
	return FeedStats{
		Name:     f.Name,
		Path:     f.Path,
		Title:    f.Title,
		Clients:  f.clients.count(),
		Running:  running,
		Rendered: f.rendered.Load(),
		Skipped:  f.skipped.Load(),
		Failed:   f.failed.Load(),
		Lagging:  f.lagging.Load(),
	}
}

// Close stops the producer and disconnects every client.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	done := f.done
	f.mu.Unlock()
	f.clients.close()
	if done != nil {
		<-done
	}
}

// Events fans detection events out to websocket listeners.
type Events struct {
	b *broadcaster[Event]
}

func NewEvents() *Events {
	return &Events{b: newBroadcaster[Event](16)}
}

func (e *Events) Subscribe() (string, <-chan Event) {
	id, ch, _ := e.b.subscribe()
	return id, ch
}

func (e *Events) Unsubscribe(id string) {
	e.b.unsubscribe(id)
}

func (e *Events) Publish(ev Event) {
	e.b.publish(ev)
}

func (e *Events) Listeners() int {
	return e.b.count()
}

func (e *Events) Close() {
	e.b.close()
}
