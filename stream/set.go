package stream

import (
	"fmt"
	"sync"
)

const (
	PathRGB   = "/video_feed_rgb"
	PathDepth = "/video_feed_depth"
	PathYolo  = "/video_feed_yolo"
)

// YoloPath numbers detection feeds the way the dual-model page did: yolo, yolo2, yolo3...
func YoloPath(i int) string {
	if i == 0 {
		return PathYolo
	}
	return fmt.Sprintf("%s%d", PathYolo, i+1)
}

// Set is the ordered collection of feeds served by the process.
type Set struct {
	mu     sync.RWMutex
	feeds  []*Feed
	byPath map[string]*Feed
	Events *Events
}

func NewSet() *Set {
	return &Set{byPath: make(map[string]*Feed), Events: NewEvents()}
}

func (s *Set) Add(f *Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byPath[f.Path]; dup {
		return fmt.Errorf("duplicate feed path %s", f.Path)
	}
	s.feeds = append(s.feeds, f)
	s.byPath[f.Path] = f
	return nil
}

func (s *Set) Feeds() []*Feed {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Feed(nil), s.feeds...)
}

func (s *Set) ByPath(path string) (*Feed, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.byPath[path]
	return f, ok
}

func (s *Set) Stats() []FeedStats {
	feeds := s.Feeds()
	out := make([]FeedStats, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, f.Stats())
	}
	return out
}

func (s *Set) Close() {
	for _, f := range s.Feeds() {
		f.Close()
	}
	s.Events.Close()
}
