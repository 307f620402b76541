package stream

import (
	"sync"

	"github.com/google/uuid"
)

// broadcaster fans values out to subscribers, skipping any subscriber whose buffer is full.
type broadcaster[T any] struct {
	mu      sync.Mutex
	clients map[string]chan T
	buffer  int
	closed  bool
}

func newBroadcaster[T any](buffer int) *broadcaster[T] {
	return &broadcaster[T]{clients: make(map[string]chan T), buffer: buffer}
}

// subscribe returns the new client count alongside the id and channel.
func (b *broadcaster[T]) subscribe() (string, <-chan T, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return id, ch, len(b.clients)
	}
	b.clients[id] = ch
	return id, ch, len(b.clients)
}

// unsubscribe returns the remaining client count and whether id was known.
func (b *broadcaster[T]) unsubscribe(id string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
		close(ch)
	}
	return len(b.clients), ok
}

// publish returns how many subscribers were skipped because they were behind.
func (b *broadcaster[T]) publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	skipped := 0
	for _, ch := range b.clients {
		select {
		case ch <- v:
		default:
			skipped++
		}
	}
	return skipped
}

func (b *broadcaster[T]) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *broadcaster[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}
