package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	count       int
	windowStart time.Time
}

// MemoryStore is the default in-process RateStore: a mutex-guarded map with
// a periodic sweep so idle keys do not grow memory without bound.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go s.sweep(time.Minute)
	return s
}

// newMemoryStoreAt is the test constructor; no janitor, injected clock.
func newMemoryStoreAt(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*bucket),
		now:     now,
		done:    make(chan struct{}),
	}
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || now.Sub(b.windowStart) >= window {
		b = &bucket{windowStart: now}
		s.buckets[key] = b
	}
	b.count++
	return b.count, b.windowStart, nil
}

func (s *MemoryStore) Forgive(_ context.Context, key string, window time.Duration) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || now.Sub(b.windowStart) >= window {
		return nil
	}
	if b.count > 0 {
		b.count--
	}
	return nil
}

// Close stops the background sweep.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryStore) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := s.now()
			s.mu.Lock()
			for key, b := range s.buckets {
				// Any bucket idle for an hour is long past every window we
				// configure.
				if now.Sub(b.windowStart) > time.Hour {
					delete(s.buckets, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
