package atr

import (
	"fmt"
	"sync"
	"time"

	"github.com/trueasset/alluse-core/pkg/types"
)

// cacheKey identifies a single compute() call's parameters.
type cacheKey struct {
	symbol     string
	period     int
	method     types.ATRMethod
	windowDays int
	asOf       time.Time
}

func (k cacheKey) string() string {
	return fmt.Sprintf("%s|%d|%s|%d|%s", k.symbol, k.period, k.method, k.windowDays, k.asOf.Format("2006-01-02"))
}

// cacheEntry pairs a computed ATRValue with the time it was cached, so
// TTL freshness can be checked without re-deriving it from ComputedAt
// (which may legitimately be older than the cache TTL window if the
// value was itself a held-over fallback).
type cacheEntry struct {
	value    types.ATRValue
	cachedAt time.Time
}

// cache is the ATR Service's TTL cache. A single RWMutex over a map is
// enough at this scale; readers never block writers for long.
type cache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]cacheEntry
}

func newCache(ttl time.Duration) *cache {
	return &cache{ttl: ttl, m: make(map[string]cacheEntry)}
}

func (c *cache) get(key cacheKey, now time.Time) (types.ATRValue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.m[key.string()]
	if !ok {
		return types.ATRValue{}, false
	}
	if now.Sub(entry.cachedAt) > c.ttl {
		return types.ATRValue{}, false
	}
	v := entry.value
	v.FromCache = true
	return v, true
}

func (c *cache) put(key cacheKey, value types.ATRValue, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key.string()] = cacheEntry{value: value, cachedAt: now}
}
