package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	iface "DepthDetStream/interface"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	subscriberBuffer = 2
	idleSleep        = 100 * time.Millisecond
	errorBackoff     = 500 * time.Millisecond
	absentRetry      = 10 * time.Millisecond
)

// HubStats are cumulative counters since the hub was created.
type HubStats struct {
	Captured    uint64 `json:"captured"`
	Absent      uint64 `json:"absent"`
	Partial     uint64 `json:"partial"`
	Errors      uint64 `json:"errors"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Hub is the only reader of a FrameSource. It pulls pairs while anybody is subscribed
// and hands each subscriber its own copy; subscribers that fall behind miss pairs.
type Hub struct {
	src iface.FrameSource
	log *zap.Logger

	mu      sync.Mutex
	clients map[string]chan iface.FramePair

	seq      atomic.Uint64
	captured atomic.Uint64
	absent   atomic.Uint64
	partial  atomic.Uint64
	errors   atomic.Uint64
	dropped  atomic.Uint64

	idle    time.Duration
	backoff time.Duration
	retry   time.Duration
	done    chan struct{}
}

func NewHub(src iface.FrameSource, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		src:     src,
		log:     log,
		clients: make(map[string]chan iface.FramePair),
		idle:    idleSleep,
		backoff: errorBackoff,
		retry:   absentRetry,
		done:    make(chan struct{}),
	}
}

func (h *Hub) Subscribe() (string, <-chan iface.FramePair) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := uuid.NewString()
	ch := make(chan iface.FramePair, subscriberBuffer)
	h.clients[id] = ch
	h.log.Debug("subscriber added", zap.String("id", id), zap.Int("total", len(h.clients)))
	return id, ch
}

// Unsubscribe closes the subscriber's channel and releases any pairs still queued on it.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	ch, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(ch)
	}
	remaining := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	for p := range ch {
		p.Close()
	}
	h.log.Debug("subscriber removed", zap.String("id", id), zap.Int("total", remaining))
	if remaining == 0 {
		h.log.Info("no subscribers left, acquisition paused")
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Stats() HubStats {
	return HubStats{
		Captured:    h.captured.Load(),
		Absent:      h.absent.Load(),
		Partial:     h.partial.Load(),
		Errors:      h.errors.Load(),
		Dropped:     h.dropped.Load(),
		Subscribers: h.Subscribers(),
	}
}

// Start runs the acquisition loop until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	go h.run(ctx)
}

// Done is closed once the acquisition loop has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if h.Subscribers() == 0 {
			if !sleepCtx(ctx, h.idle) {
				return
			}
			continue
		}

		pair, err := h.src.NextFramePair(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.errors.Add(1)
			h.log.Warn("frame source error", zap.Error(err))
			if !sleepCtx(ctx, h.backoff) {
				return
			}
			continue
		}
		if !pair.HasColor() && !pair.HasDepth() {
			h.absent.Add(1)
			pair.Close()
			// sources that poll (HTTP bridge, a device mid-reset) return absent pairs without blocking
			if !sleepCtx(ctx, h.retry) {
				return
			}
			continue
		}
		if !pair.HasColor() || !pair.HasDepth() {
			h.partial.Add(1)
		}
		pair.Seq = h.seq.Add(1)
		if pair.Captured.IsZero() {
			pair.Captured = time.Now()
		}
		h.captured.Add(1)
		h.publish(pair)
		pair.Close()
	}
}

func (h *Hub) publish(pair iface.FramePair) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		// the hub is the only sender, so a free slot cannot disappear before the send
		if len(ch) == cap(ch) {
			h.dropped.Add(1)
			continue
		}
		ch <- pair.Clone()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
