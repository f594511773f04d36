package cache

import (
	"sync"
	"time"
)

// ToolStatus is the outcome of a scanner tool availability check.
type ToolStatus struct {
	Available bool
	Path      string
	Version   string
	Message   string
	CheckedAt time.Time
}

// Cache stores tool availability results for the lifetime of a run.
type Cache interface {
	Set(key CacheKey, value ToolStatus)
	Get(key CacheKey) (ToolStatus, bool)
	Delete(key CacheKey)
	Len() int
}

// memoryCache implements the Cache interface using sync.Map.
type memoryCache struct {
	store sync.Map
}

// CacheKey is keyed by tool name (PK) and resolved binary path (SK).
type CacheKey struct {
	PK string
	SK string
}

func (ck CacheKey) String() string {
	return ck.PK + "||" + ck.SK
}

// NewCache creates a new instance of a Cache using memoryCache.
func NewCache() Cache {
	return &memoryCache{}
}

func (c *memoryCache) Set(key CacheKey, value ToolStatus) {
	c.store.Store(key.String(), value)
}

func (c *memoryCache) Get(key CacheKey) (ToolStatus, bool) {
	result, exists := c.store.Load(key.String())
	if !exists {
		return ToolStatus{}, false
	}
	return result.(ToolStatus), true
}

func (c *memoryCache) Delete(key CacheKey) {
	c.store.Delete(key.String())
}

func (c *memoryCache) Len() int {
	n := 0
	c.store.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
