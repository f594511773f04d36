package cache

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheSetAndGet(t *testing.T) {
	assertion := assert.New(t)
	c := NewCache()
	status := ToolStatus{
		Available: true,
		Path:      "/usr/local/bin/bandit",
		Version:   "1.7.5",
		CheckedAt: time.Now(),
	}

	testKey := CacheKey{
		PK: "bandit",
		SK: "/usr/local/bin/bandit",
	}
	c.Set(testKey, status)
	got, exists := c.Get(testKey)

	assertion.True(exists)
	assertion.Equal(status, got)
	assertion.Equal(1, c.Len())

	c.Delete(testKey)
	_, exists = c.Get(testKey)
	assertion.False(exists)
	assertion.Equal(0, c.Len())
}

func TestCacheGetNonExistingKey(t *testing.T) {
	assertion := assert.New(t)
	c := NewCache()
	_, exists := c.Get(CacheKey{PK: "semgrep", SK: "/missing"})
	assertion.False(exists)
}

func TestCacheKeysDifferBySK(t *testing.T) {
	assertion := assert.New(t)
	c := NewCache()
	c.Set(CacheKey{PK: "grype", SK: "/a/grype"}, ToolStatus{Version: "0.70.0"})
	c.Set(CacheKey{PK: "grype", SK: "/b/grype"}, ToolStatus{Version: "0.74.0"})

	a, _ := c.Get(CacheKey{PK: "grype", SK: "/a/grype"})
	b, _ := c.Get(CacheKey{PK: "grype", SK: "/b/grype"})
	assertion.Equal("0.70.0", a.Version)
	assertion.Equal("0.74.0", b.Version)
}

func TestCacheConcurrentAccess(t *testing.T) {
	assertion := assert.New(t)
	c := NewCache()
	wg := sync.WaitGroup{}

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(val int) {
			defer wg.Done()
			key := CacheKey{PK: "tool" + strconv.Itoa(val)}
			status := ToolStatus{Available: val%2 == 0, Version: strconv.Itoa(val)}
			c.Set(key, status)
			got, _ := c.Get(key)
			assertion.Equal(status, got)
		}(i)
	}

	wg.Wait()
	assertion.Equal(100, c.Len())
}
