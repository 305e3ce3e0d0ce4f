package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/anstrom/camwatch/internal/errors"
)

// StreamInfo describes an open MJPEG stream.
type StreamInfo struct {
	URL     string    `json:"url"`
	Started time.Time `json:"started"`
}

// streamSlots caps the number of MJPEG streams open at once. Streams are
// long-lived and would otherwise starve the scan workers of sockets.
type streamSlots struct {
	capacity  int
	semaphore chan struct{}
	active    map[string]StreamInfo
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

func newStreamSlots(capacity int) *streamSlots {
	if capacity <= 0 {
		capacity = 1
	}
	return &streamSlots{
		capacity:  capacity,
		semaphore: make(chan struct{}, capacity),
		active:    make(map[string]StreamInfo),
		done:      make(chan struct{}),
	}
}

// acquire blocks until a slot is free, the context ends or the slots close.
func (s *streamSlots) acquire(ctx context.Context, key, url string) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return errors.ErrPoolClosed("stream slots")
	}

	select {
	case s.semaphore <- struct{}{}:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			<-s.semaphore
			return errors.ErrPoolClosed("stream slots")
		}
		s.active[key] = StreamInfo{URL: url, Started: time.Now()}
		return nil
	case <-s.done:
		return errors.ErrPoolClosed("stream slots")
	case <-ctx.Done():
		return errors.WrapWithTarget(errors.CodeCanceled, "waiting for a stream slot", url, ctx.Err())
	}
}

func (s *streamSlots) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[key]; !ok {
		return
	}
	delete(s.active, key)
	select {
	case <-s.semaphore:
	default:
	}
}

// snapshot returns the open streams.
func (s *streamSlots) snapshot() []StreamInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StreamInfo, 0, len(s.active))
	for _, v := range s.active {
		out = append(out, v)
	}
	return out
}

func (s *streamSlots) available() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capacity - len(s.active)
}

// close fails pending and future acquires. Open streams keep their slots.
func (s *streamSlots) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}
