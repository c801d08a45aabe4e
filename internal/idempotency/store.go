package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Response is a completed API response kept for replay.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	CachedAt   time.Time
}

// Store keeps completed responses and tracks keys whose request is still running.
type Store interface {
	Get(ctx context.Context, key string) (*Response, bool)
	Set(ctx context.Context, key string, response *Response, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Reserve claims key for an in-flight request. It returns false when the
	// key is already claimed.
	Reserve(ctx context.Context, key string, ttl time.Duration) bool
	// Release drops a claim made by Reserve.
	Release(ctx context.Context, key string)
}

// MemoryStore is an in-process Store with TTL expiry and LRU eviction.
type MemoryStore struct {
	mu       sync.Mutex
	cache    map[string]*cacheEntry
	lru      *list.List
	inflight map[string]time.Time
	maxSize  int
	now      func() time.Time

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	stopOnce    sync.Once
}

type cacheEntry struct {
	key      string
	response *Response
	expires  time.Time
	element  *list.Element
}

// NewMemoryStore holds up to 10,000 responses.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSize(10000)
}

// NewMemoryStoreWithSize holds up to maxSize responses.
func NewMemoryStoreWithSize(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	s := &MemoryStore{
		cache:       make(map[string]*cacheEntry),
		lru:         list.New(),
		inflight:    make(map[string]time.Time),
		maxSize:     maxSize,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go s.cleanup(5 * time.Minute)
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Response, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	if now.After(entry.expires) {
		s.removeLocked(entry)
		return nil, false
	}
	s.lru.MoveToFront(entry.element)
	return entry.response, true
}

func (s *MemoryStore) Set(_ context.Context, key string, response *Response, ttl time.Duration) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.cache[key]; ok {
		entry.response = response
		entry.expires = now.Add(ttl)
		s.lru.MoveToFront(entry.element)
		return nil
	}
	// Evict under the same lock as the insert so the cap holds under concurrency.
	if len(s.cache) >= s.maxSize {
		if back := s.lru.Back(); back != nil {
			s.removeLocked(back.Value.(*cacheEntry))
		}
	}
	entry := &cacheEntry{key: key, response: response, expires: now.Add(ttl)}
	entry.element = s.lru.PushFront(entry)
	s.cache[key] = entry
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.cache[key]; ok {
		s.removeLocked(entry)
	}
	return nil
}

func (s *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if until, ok := s.inflight[key]; ok && now.Before(until) {
		return false
	}
	s.inflight[key] = now.Add(ttl)
	return true
}

func (s *MemoryStore) Release(_ context.Context, key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

// Len returns the number of cached responses, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// removeLocked must be called with mu held.
func (s *MemoryStore) removeLocked(entry *cacheEntry) {
	s.lru.Remove(entry.element)
	delete(s.cache, entry.key)
}

func (s *MemoryStore) purgeExpired() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.cache {
		if now.After(entry.expires) {
			s.removeLocked(entry)
		}
	}
	for key, until := range s.inflight {
		if now.After(until) {
			delete(s.inflight, key)
		}
	}
}

func (s *MemoryStore) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.purgeExpired()
		}
	}
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	<-s.cleanupDone
	return nil
}
