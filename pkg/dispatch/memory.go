package dispatch

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheEntry is one cached decision. Entries carry the tool and agent they
// decided for so invalidation can target them without re-deriving anything
// from the fingerprint.
type cacheEntry struct {
	decision string
	risk     string
	reason   string
	tier     string
	agentID  string
	tool     string
	storedAt time.Time
}

// memoryTier caches decided fingerprints behind a bloom filter, so the
// common miss costs one filter probe instead of an LRU lookup. The filter
// only accumulates, which is safe: a stale positive falls through to the
// cache and misses there.
type memoryTier struct {
	size int
	ttl  time.Duration
	now  func() time.Time

	mu    sync.Mutex
	cache *lru.Cache[string, cacheEntry]
	bloom *bloom.BloomFilter
}

func newMemoryTier(size int, ttl time.Duration) (*memoryTier, error) {
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &memoryTier{
		size:  size,
		ttl:   ttl,
		now:   time.Now,
		cache: cache,
		bloom: newDecisionBloom(size),
	}, nil
}

// Sized well past the cache capacity because the filter also remembers
// evicted and invalidated entries until the next full flush resets it.
func newDecisionBloom(size int) *bloom.BloomFilter {
	return bloom.NewWithEstimates(uint(size)*8, 0.01)
}

func (m *memoryTier) get(fingerprint string) (cacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.bloom.TestString(fingerprint) {
		return cacheEntry{}, false
	}
	ent, ok := m.cache.Get(fingerprint)
	if !ok {
		return cacheEntry{}, false
	}
	if m.now().Sub(ent.storedAt) > m.ttl {
		m.cache.Remove(fingerprint)
		return cacheEntry{}, false
	}
	return ent, true
}

func (m *memoryTier) put(fingerprint string, ent cacheEntry) {
	ent.storedAt = m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bloom.AddString(fingerprint)
	m.cache.Add(fingerprint, ent)
}

func (m *memoryTier) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

// invalidateAll drops every entry and resets the bloom filter.
func (m *memoryTier) invalidateAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.cache.Len()
	m.cache.Purge()
	m.bloom = newDecisionBloom(m.size)
	return n
}

// invalidateTool removes entries whose tool matches the glob.
func (m *memoryTier) invalidateTool(pattern string) int {
	return m.invalidate(func(ent cacheEntry) bool {
		return globMatch(pattern, ent.tool)
	})
}

// invalidateAgent removes entries decided for one agent.
func (m *memoryTier) invalidateAgent(agentID string) int {
	return m.invalidate(func(ent cacheEntry) bool {
		return ent.agentID == agentID
	})
}

func (m *memoryTier) invalidate(drop func(cacheEntry) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, key := range m.cache.Keys() {
		ent, ok := m.cache.Peek(key)
		if ok && drop(ent) {
			m.cache.Remove(key)
			n++
		}
	}
	return n
}
