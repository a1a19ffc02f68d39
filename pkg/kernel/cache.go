package kernel

import (
	"container/list"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"
)

// Cache is a thread-safe LRU cache of computed weight matrices.
//
// Weight matrices depend only on (coordinates, family, parameters), so runs
// that build several views over the same coordinates, or resume after a
// partial run, can reuse them. Keys are blake2b-256 digests over the exact
// parameter tuple and coordinate bytes: same inputs, same key, same matrix.
//
// Example:
//
//	cache := kernel.NewCache(64)
//	w, err := cache.Compute(coords, params) // computed
//	w2, err := cache.Compute(coords, params) // cache hit, same *Weights
type Cache struct {
	mu      sync.Mutex
	maxSize int
	list    *list.List
	items   map[[32]byte]*list.Element

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	key     [32]byte
	weights *Weights
}

// NewCache creates a weight-matrix cache holding at most maxSize matrices.
// maxSize ≤ 0 defaults to 16.
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 16
	}
	return &Cache{
		maxSize: maxSize,
		list:    list.New(),
		items:   make(map[[32]byte]*list.Element, maxSize),
	}
}

// Compute returns the cached weight matrix for (coords, p), computing and
// inserting it on a miss. Parameter errors are returned without caching.
//
// Custom kernels always compute: their weight function is not part of the
// key, so two different functions with equal parameters would otherwise
// share an entry.
func (c *Cache) Compute(coords [][]float64, p Params) (*Weights, error) {
	if p.Family == FamilyCustom || p.WeightFunc != nil {
		return Compute(coords, p)
	}

	key := Key(coords, p)

	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		c.list.MoveToFront(elem)
		c.mu.Unlock()
		atomic.AddUint64(&c.hits, 1)
		return elem.Value.(*cacheEntry).weights, nil
	}
	c.mu.Unlock()
	atomic.AddUint64(&c.misses, 1)

	w, err := Compute(coords, p)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have raced the computation; keep the first.
	if elem, ok := c.items[key]; ok {
		c.list.MoveToFront(elem)
		return elem.Value.(*cacheEntry).weights, nil
	}
	elem := c.list.PushFront(&cacheEntry{key: key, weights: w})
	c.items[key] = elem
	for c.list.Len() > c.maxSize {
		oldest := c.list.Back()
		c.list.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
	return w, nil
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses)
}

// Len returns the number of cached matrices.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Key computes the blake2b-256 cache key for a (coordinates, parameters)
// pair. Exported so callers can correlate cache entries with run manifests.
func Key(coords [][]float64, p Params) [32]byte {
	h, _ := blake2b.New256(nil)

	h.Write([]byte(p.Family))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(p.K))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(p.Radius))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(p.CutoffFactor))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(p.CustomCutoff))
	h.Write(buf[:])
	if p.Normalize {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	// Custom weight functions are not comparable; salt the key so a custom
	// kernel never collides with a built-in one. Cache.Compute does not
	// cache custom kernels at all for the same reason.
	if p.WeightFunc != nil {
		h.Write([]byte("custom-fn"))
	}

	for _, row := range coords {
		for _, v := range row {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			h.Write(buf[:])
		}
	}

	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}
