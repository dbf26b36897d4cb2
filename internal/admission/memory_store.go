package admission

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const defaultShardCount = 32

// MemoryOptions tunes the in-process store.
type MemoryOptions struct {
	Shards int
	Now    func() time.Time
}

// MemoryStore keeps sliding-window logs in process memory. Keys are spread
// across shards, each with its own lock, so unrelated clients never contend.
type MemoryStore struct {
	shards []*memoryShard
	now    func() time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	stamps []time.Time
	period time.Duration
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	count := opts.Shards
	if count <= 0 {
		count = defaultShardCount
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	shards := make([]*memoryShard, count)
	for i := range shards {
		shards[i] = &memoryShard{windows: make(map[string]*window)}
	}
	return &MemoryStore{shards: shards, now: now}
}

func (s *MemoryStore) shardFor(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Allow implements Store.
func (s *MemoryStore) Allow(_ context.Context, key string, limit int, period time.Duration) (Decision, error) {
	shard := s.shardFor(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()
	// Read the clock under the lock so stamps stay ordered per key.
	now := s.now()

	w, ok := shard.windows[key]
	if !ok {
		w = &window{}
		shard.windows[key] = w
	}
	w.period = period
	w.purge(now)

	if len(w.stamps) < limit {
		w.stamps = append(w.stamps, now)
		return Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - len(w.stamps),
			ResetAt:   w.stamps[0].Add(period),
		}, nil
	}

	resetAt := w.stamps[0].Add(period)
	return Decision{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		RetryAfter: resetAt.Sub(now),
		ResetAt:    resetAt,
	}, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Sweep removes keys whose windows hold no live timestamps.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, w := range shard.windows {
			w.purge(now)
			if len(w.stamps) == 0 {
				delete(shard.windows, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len reports the number of tracked keys.
func (s *MemoryStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		total += len(shard.windows)
		shard.mu.Unlock()
	}
	return total
}

// purge drops timestamps at or beyond the window edge. Timestamps are
// appended in order so the expired ones form a prefix.
func (w *window) purge(now time.Time) {
	cutoff := now.Add(-w.period)
	drop := 0
	for drop < len(w.stamps) && !w.stamps[drop].After(cutoff) {
		drop++
	}
	if drop == 0 {
		return
	}
	w.stamps = append(w.stamps[:0], w.stamps[drop:]...)
}
