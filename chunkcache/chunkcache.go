// Package chunkcache keeps a bounded number of decompressed catalog chunks
// in memory.
//
// The cache hands out the record slices themselves: once returned, a slice
// stays valid for as long as the caller holds it, even if the cache evicts
// the chunk meanwhile. Eviction only drops the cache's own reference.
// Concurrent misses for the same chunk are coalesced so the loader runs
// once per chunk at a time.
package chunkcache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/manvalan/gaialib/gaiav2"
	"github.com/manvalan/gaialib/metrics"
)

// DefaultCapacity is the number of resident chunks kept when no capacity
// is given. At the standard chunk size a resident chunk is ~80 MB.
const DefaultCapacity = 10

// Loader reads and decompresses one chunk from the backing store.
type Loader func(chunkID uint64) ([]gaiav2.Record, error)

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits           uint64
	Misses         uint64
	Evictions      uint64
	ResidentChunks int
	ResidentBytes  int64
}

// Cache is a capacity-bounded LRU of decompressed chunks. Safe for
// concurrent use.
type Cache struct {
	capacity int
	loader   Loader

	mu       sync.RWMutex
	entries  map[uint64][]gaiav2.Record
	lruList  *list.List // front is MRU; element values are chunk ids
	lruMap   map[uint64]*list.Element
	inflight map[uint64]*sync.Cond // loads in progress, conds use mu
	resident int64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a cache holding at most capacity chunks. A non-positive
// capacity selects DefaultCapacity. loader must not be nil.
func New(capacity int, loader Loader) *Cache {
	if loader == nil {
		panic("chunkcache: loader must not be nil")
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		loader:   loader,
		entries:  make(map[uint64][]gaiav2.Record),
		lruList:  list.New(),
		lruMap:   make(map[uint64]*list.Element),
		inflight: make(map[uint64]*sync.Cond),
	}
}

// Capacity returns the maximum number of resident chunks.
func (c *Cache) Capacity() int { return c.capacity }

// Get returns the records of the given chunk, loading it on a miss. The
// returned slice must be treated as read-only; it remains valid after the
// chunk is evicted.
func (c *Cache) Get(chunkID uint64) ([]gaiav2.Record, error) {
	c.mu.RLock()
	records, ok := c.entries[chunkID]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		metrics.CacheHits.Inc()
		c.mu.Lock()
		c.touch(chunkID)
		c.mu.Unlock()
		return records, nil
	}

	c.mu.Lock()
	for {
		if records, ok := c.entries[chunkID]; ok {
			c.touch(chunkID)
			c.mu.Unlock()
			c.hits.Add(1)
			metrics.CacheHits.Inc()
			return records, nil
		}
		cond, loading := c.inflight[chunkID]
		if !loading {
			break
		}
		// Another goroutine is loading this chunk; wait for it, then
		// re-check. If its load failed we become the loader ourselves.
		cond.Wait()
	}
	cond := sync.NewCond(&c.mu)
	c.inflight[chunkID] = cond
	c.misses.Add(1)
	metrics.CacheMisses.Inc()
	c.mu.Unlock()

	records, err := c.loader(chunkID)

	c.mu.Lock()
	delete(c.inflight, chunkID)
	cond.Broadcast()
	if err != nil {
		c.mu.Unlock()
		metrics.ChunkLoadFailures.Inc()
		klog.Errorf("chunk %d load failed: %v", chunkID, err)
		return nil, err
	}
	if len(c.entries) >= c.capacity {
		c.evictOldest()
	}
	c.entries[chunkID] = records
	c.lruMap[chunkID] = c.lruList.PushFront(chunkID)
	c.resident += int64(len(records)) * gaiav2.RecordSize
	metrics.CacheResidentBytes.Set(float64(c.resident))
	c.mu.Unlock()
	return records, nil
}

// Preload loads the given chunks into the cache, ignoring individual load
// failures (they are logged by Get).
func (c *Cache) Preload(chunkIDs []uint64) {
	for _, id := range chunkIDs {
		_, _ = c.Get(id)
	}
}

// Clear drops every resident chunk. In-flight loads are unaffected.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64][]gaiav2.Record)
	c.lruList.Init()
	c.lruMap = make(map[uint64]*list.Element)
	c.resident = 0
	metrics.CacheResidentBytes.Set(0)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	resident := len(c.entries)
	bytes := c.resident
	c.mu.RUnlock()
	return Stats{
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		Evictions:      c.evictions.Load(),
		ResidentChunks: resident,
		ResidentBytes:  bytes,
	}
}

// touch moves a resident chunk to the MRU position. Callers hold mu.
func (c *Cache) touch(chunkID uint64) {
	if elem, ok := c.lruMap[chunkID]; ok {
		c.lruList.MoveToFront(elem)
	}
}

// evictOldest removes the least recently used quarter of resident chunks
// (at least one) to make room for an insertion. Callers hold mu. Chunks
// being loaded are never in the LRU structures, so a load in progress can
// not be evicted.
func (c *Cache) evictOldest() {
	toRemove := c.capacity / 4
	if toRemove == 0 {
		toRemove = 1
	}
	for i := 0; i < toRemove && c.lruList.Len() > 0; i++ {
		elem := c.lruList.Back()
		id := elem.Value.(uint64)
		c.lruList.Remove(elem)
		delete(c.lruMap, id)
		if records, ok := c.entries[id]; ok {
			c.resident -= int64(len(records)) * gaiav2.RecordSize
			delete(c.entries, id)
		}
		c.evictions.Add(1)
		metrics.CacheEvictions.Inc()
		klog.V(5).Infof("evicted chunk %d, %d resident", id, c.lruList.Len())
	}
	metrics.CacheResidentBytes.Set(float64(c.resident))
}
