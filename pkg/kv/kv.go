// Package kv is the in-memory state every replica of a group holds: a
// key/value map with absolute expiry times and LRU eviction by bytes.
//
// Replicas apply the same operations in the same order, so writes carry the
// expiry computed by the writer instead of a TTL relative to local time.
package kv

import (
	"container/list"
	"sort"
	"sync"
	"time"
)

type entry struct {
	key      string
	value    []byte
	expireAt time.Time
}

// Entry is one key of a snapshot. A zero ExpireAt never expires.
type Entry struct {
	Key      string
	Value    []byte
	ExpireAt time.Time
}

// Store is a KV with expiry and LRU eviction by bytes capacity.
type Store struct {
	mu   sync.Mutex
	data map[string]*list.Element
	ll   *list.List
	used int
	cap  int
	now  func() time.Time
}

func NewStore(capacityBytes int) *Store {
	return &Store{
		data: make(map[string]*list.Element),
		ll:   list.New(),
		cap:  capacityBytes,
		now:  time.Now,
	}
}

// Put stores val for ttl from now; ttl <= 0 means no expiry.
func (s *Store) Put(key string, val []byte, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.PutUntil(key, val, exp)
}

// PutUntil stores val until expireAt.
func (s *Store) PutUntil(key string, val []byte, expireAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, val, expireAt)
	s.evictIfNeeded()
}

func (s *Store) put(key string, val []byte, expireAt time.Time) {
	if el, ok := s.data[key]; ok {
		old := el.Value.(*entry)
		s.used -= len(old.value)
		old.value = append([]byte(nil), val...)
		old.expireAt = expireAt
		s.used += len(old.value)
		s.ll.MoveToFront(el)
		return
	}
	e := &entry{key: key, value: append([]byte(nil), val...), expireAt: expireAt}
	s.data[key] = s.ll.PushFront(e)
	s.used += len(e.value)
}

func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.data[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if s.expired(e) {
		s.removeElement(el)
		return nil, false
	}
	s.ll.MoveToFront(el)
	return append([]byte(nil), e.value...), true
}

// Delete removes key and reports whether it was present and unexpired.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.data[key]
	if !ok {
		return false
	}
	live := !s.expired(el.Value.(*entry))
	s.removeElement(el)
	return live
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Used is the number of value bytes held.
func (s *Store) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Snapshot returns the unexpired entries, least recently used first, so
// that restoring them in order rebuilds the same recency.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.data))
	for el := s.ll.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if s.expired(e) {
			continue
		}
		out = append(out, Entry{Key: e.key, Value: append([]byte(nil), e.value...), ExpireAt: e.expireAt})
	}
	return out
}

// Restore replaces the whole content with entries.
func (s *Store) Restore(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*list.Element, len(entries))
	s.ll.Init()
	s.used = 0
	for _, e := range entries {
		s.put(e.Key, e.Value, e.ExpireAt)
	}
	s.evictIfNeeded()
}

// Keys returns the unexpired keys, sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k, el := range s.data {
		if !s.expired(el.Value.(*entry)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) expired(e *entry) bool {
	return !e.expireAt.IsZero() && s.now().After(e.expireAt)
}

func (s *Store) evictIfNeeded() {
	for s.used > s.cap && s.ll.Back() != nil {
		s.removeElement(s.ll.Back())
	}
}

func (s *Store) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(s.data, e.key)
	s.used -= len(e.value)
	s.ll.Remove(el)
}
