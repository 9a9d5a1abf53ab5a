package search

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// VectorCache is a bounded LRU over decoded fingerprint vectors so
// repeated queries against the same files skip the blob decode. Keys
// combine file ID and model version; a model switch naturally ages the
// old generation out.
type VectorCache struct {
	inner *lru.Cache[string, []float32]
}

// NewVectorCache creates a cache holding at most size vectors.
func NewVectorCache(size int) (*VectorCache, error) {
	if size <= 0 {
		size = 1024
	}
	inner, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("create vector cache: %w", err)
	}
	return &VectorCache{inner: inner}, nil
}

func cacheKey(fileID, modelVersion string) string {
	return modelVersion + "\x00" + fileID
}

// Get returns the cached vector for a file under a model version.
func (c *VectorCache) Get(fileID, modelVersion string) ([]float32, bool) {
	return c.inner.Get(cacheKey(fileID, modelVersion))
}

// Put stores a vector, evicting the least recently used entry when full.
func (c *VectorCache) Put(fileID, modelVersion string, vec []float32) {
	c.inner.Add(cacheKey(fileID, modelVersion), vec)
}

// Remove drops a file's entry, used when its fingerprint is deleted.
func (c *VectorCache) Remove(fileID, modelVersion string) {
	c.inner.Remove(cacheKey(fileID, modelVersion))
}

// Purge empties the cache entirely.
func (c *VectorCache) Purge() {
	c.inner.Purge()
}

// Len reports the current number of cached vectors.
func (c *VectorCache) Len() int {
	return c.inner.Len()
}
