/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package muscle

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultCacheLifespan = 10 * time.Second
	defaultCacheLimit    = 1024 * 1024 // 1 MiB of body bytes
)

// CachedResponse is one cache entry: a framed-ready response plus its
// insertion time and lifespan.
type CachedResponse struct {
	At       time.Time
	Lifespan time.Duration
	Response Response
}

// Expired reports whether the entry has outlived its lifespan.
func (c *CachedResponse) Expired(now time.Time) bool {
	return now.Sub(c.At) > c.Lifespan
}

// ResponseCache is a bounded TTL map from request fingerprint to response.
// One cache exists per tenant. Get takes a shared read lock and never
// evicts; eviction is lazy, on insert overflow and through the periodic
// sweep. The tracked size is always the sum of held body lengths and never
// exceeds the limit after a successful Put.
type ResponseCache struct {
	mu       sync.RWMutex
	entries  map[string]*CachedResponse
	size     int
	limit    int
	lifespan time.Duration
	logger   zerolog.Logger
}

// NewResponseCache creates a cache with the given entry lifespan and total
// body-size limit. Non-positive arguments select the defaults (10s, 1 MiB).
func NewResponseCache(lifespan time.Duration, limit int, logger zerolog.Logger) *ResponseCache {
	if lifespan <= 0 {
		lifespan = defaultCacheLifespan
	}
	if limit <= 0 {
		limit = defaultCacheLimit
	}
	return &ResponseCache{
		entries:  make(map[string]*CachedResponse),
		limit:    limit,
		lifespan: lifespan,
		logger:   logger,
	}
}

// Get returns the cached response for the fingerprint, or nil. Expired
// entries count as absent but stay in the map so that Get needs only a read
// lock; the sweep or the next overflowing Put reclaims them.
func (c *ResponseCache) Get(key string) *Response {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.Expired(time.Now()) {
		return nil
	}
	r := e.Response
	return &r
}

// Put inserts a response under the fingerprint. Duplicate keys are a no-op.
// If the new body would push the cache over its limit, expired entries are
// purged first; if that is not enough the insert is skipped.
func (c *ResponseCache) Put(key string, r *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return
	}
	if c.size+len(r.Body) > c.limit {
		c.logger.Debug().Int("limit", c.limit).Msg("cache size limit reached, purging expired entries")
		c.purgeExpiredLocked()
	}
	if c.size+len(r.Body) > c.limit {
		c.logger.Info().Str("key", key).Msg("cache limit still exceeded after purge, not caching")
		return
	}
	c.entries[key] = &CachedResponse{At: time.Now(), Lifespan: c.lifespan, Response: *r}
	c.size += len(r.Body)
}

// Drop removes one entry.
func (c *ResponseCache) Drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.size -= len(e.Response.Body)
	}
}

// PurgeExpired removes every expired entry.
func (c *ResponseCache) PurgeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpiredLocked()
}

func (c *ResponseCache) purgeExpiredLocked() {
	now := time.Now()
	for key, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, key)
			c.size -= len(e.Response.Body)
		}
	}
}

// Size returns the tracked sum of cached body lengths.
func (c *ResponseCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}
