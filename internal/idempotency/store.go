// Package idempotency replays cached responses for requests that repeat an
// Idempotency-Key, so retried registrations and pings do not double-apply.
package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Response is a captured response eligible for replay.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	CachedAt   time.Time
}

// Store caches responses by idempotency key.
type Store interface {
	Get(ctx context.Context, key string) (*Response, bool)
	Set(ctx context.Context, key string, response *Response, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an LRU-bounded in-memory Store with background expiry.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	maxSize int

	stop chan struct{}
	done chan struct{}
}

type entry struct {
	key       string
	response  *Response
	expiresAt time.Time
}

const defaultMaxEntries = 10000

// NewMemoryStore creates a store bounded at 10,000 entries.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSize(defaultMaxEntries)
}

// NewMemoryStoreWithSize creates a store with a custom entry bound.
func NewMemoryStoreWithSize(maxSize int) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Response, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*entry)
	if now.After(e.expiresAt) {
		s.remove(elem)
		return nil, false
	}
	s.order.MoveToFront(elem)
	return e.response, true
}

func (s *MemoryStore) Set(ctx context.Context, key string, response *Response, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		e := elem.Value.(*entry)
		e.response = response
		e.expiresAt = expiresAt
		s.order.MoveToFront(elem)
		return nil
	}

	// Evict before inserting so the bound holds even under concurrent Sets.
	if len(s.entries) >= s.maxSize {
		if oldest := s.order.Back(); oldest != nil {
			s.remove(oldest)
		}
	}

	s.entries[key] = s.order.PushFront(&entry{key: key, response: response, expiresAt: expiresAt})
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.entries[key]; ok {
		s.remove(elem)
	}
	return nil
}

// remove drops an element from both the map and the LRU list. Caller holds
// the lock.
func (s *MemoryStore) remove(elem *list.Element) {
	e := elem.Value.(*entry)
	s.order.Remove(elem)
	delete(s.entries, e.key)
}

func (s *MemoryStore) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*list.Element
	for elem := s.order.Back(); elem != nil; elem = elem.Prev() {
		if now.After(elem.Value.(*entry).expiresAt) {
			expired = append(expired, elem)
		}
	}
	for _, elem := range expired {
		s.remove(elem)
	}
}

// Stop terminates the sweep goroutine and waits for it to exit.
func (s *MemoryStore) Stop() {
	close(s.stop)
	<-s.done
}
