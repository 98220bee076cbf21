package statestore

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const shardCount = 64

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type shard struct {
	mu    sync.Mutex
	items map[string]entry
}

// MemoryStore keeps state in process. Keys are spread over fixed shards, each
// with its own lock, so requests on unrelated keys do not contend.
type MemoryStore struct {
	shards [shardCount]shard
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i].items = make(map[string]entry)
	}
	return s
}

// WithClock replaces the expiry clock, for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (s *MemoryStore) shard(key string) *shard {
	return &s.shards[shardIndex(key)]
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// lookup must be called with the shard locked.
func (sh *shard) lookup(key string, now time.Time) ([]byte, bool) {
	e, ok := sh.items[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		delete(sh.items, key)
		return nil, false
	}
	return e.value, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	v, ok := sh.lookup(key, s.now())
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.items[key] = entry{value: append([]byte(nil), value...), expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.lookup(key, s.now()); ok {
		return false, nil
	}
	sh.items[key] = entry{value: append([]byte(nil), value...), expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.items, key)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, exists := sh.lookup(key, s.now())
	next, err := fn(append([]byte(nil), current...), exists)
	if errors.Is(err, ErrAbort) {
		return current, nil
	}
	if err != nil {
		return nil, err
	}
	if next == nil {
		delete(sh.items, key)
		return nil, nil
	}
	sh.items[key] = entry{value: append([]byte(nil), next...), expiresAt: s.expiry(ttl)}
	return next, nil
}

func (s *MemoryStore) Throttle(ctx context.Context, keys []string, now time.Time, gap, ttl time.Duration) (time.Duration, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	// Lock every shard involved in ascending order so two requests sharing
	// any key serialize without deadlocking.
	idx := make([]int, 0, len(keys))
	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		i := shardIndex(k)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		s.shards[i].mu.Lock()
	}
	defer func() {
		for _, i := range idx {
			s.shards[i].mu.Unlock()
		}
	}()

	clock := s.now()
	var wait time.Duration
	for _, k := range keys {
		raw, ok := s.shard(k).lookup(k, clock)
		if !ok {
			continue
		}
		last, err := decodeMillis(raw)
		if err != nil {
			continue
		}
		if remaining := last.Add(gap).Sub(now); remaining > wait {
			wait = remaining
		}
	}
	if wait > 0 {
		return wait, nil
	}

	stamp := encodeMillis(now)
	for _, k := range keys {
		s.shard(k).items[k] = entry{value: stamp, expiresAt: s.expiry(ttl)}
	}
	return 0, nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context) (int, error) {
	removed := 0
	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh := &s.shards[i]
		now := s.now()
		sh.mu.Lock()
		for k, e := range sh.items {
			if e.expired(now) {
				delete(sh.items, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len counts live entries.
func (s *MemoryStore) Len() int {
	n := 0
	now := s.now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, e := range sh.items {
			if !e.expired(now) {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func (s *MemoryStore) Close() error { return nil }
