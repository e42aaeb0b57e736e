package auth

import (
	"hash/fnv"
	"sync"
	"time"
)

const nonceShards = 16

// NonceStore tracks consumed nonces inside a sliding window. It is a
// replay-protection backstop: the elicitation state machine already rejects
// second responses on terminal elicitations, the store catches everything
// else. The window must be at least the longest elicitation timeout, after
// which the terminal state alone is authoritative.
type NonceStore struct {
	window time.Duration
	now    func() time.Time
	shards [nonceShards]nonceShard
}

type nonceShard struct {
	mu      sync.Mutex
	entries map[string]time.Time // nonce -> consumed at
	sweepAt time.Time
}

// NewNonceStore creates a store with the given replay window.
func NewNonceStore(window time.Duration) *NonceStore {
	s := &NonceStore{window: window, now: time.Now}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]time.Time)
	}
	return s
}

// Consume marks the nonce used. It returns false when the nonce was already
// consumed inside the window — a replay.
func (s *NonceStore) Consume(nonce string) bool {
	sh := s.shard(nonce)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.sweepLocked(now, s.window)

	if at, ok := sh.entries[nonce]; ok && now.Sub(at) < s.window {
		return false
	}
	sh.entries[nonce] = now
	return true
}

// Seen reports whether the nonce was consumed inside the window, without
// consuming it.
func (s *NonceStore) Seen(nonce string) bool {
	sh := s.shard(nonce)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	at, ok := sh.entries[nonce]
	return ok && now.Sub(at) < s.window
}

// Len counts tracked nonces across shards, stale entries included until
// their shard next sweeps.
func (s *NonceStore) Len() int {
	n := 0
	for i := range s.shards {
		s.shards[i].mu.Lock()
		n += len(s.shards[i].entries)
		s.shards[i].mu.Unlock()
	}
	return n
}

func (s *NonceStore) shard(nonce string) *nonceShard {
	h := fnv.New32a()
	h.Write([]byte(nonce))
	return &s.shards[h.Sum32()%nonceShards]
}

// sweepLocked evicts expired entries at most once per window per shard, so
// eviction cost amortizes over consumes instead of needing a goroutine.
func (sh *nonceShard) sweepLocked(now time.Time, window time.Duration) {
	if now.Before(sh.sweepAt) {
		return
	}
	sh.sweepAt = now.Add(window)
	for nonce, at := range sh.entries {
		if now.Sub(at) >= window {
			delete(sh.entries, nonce)
		}
	}
}
