// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package auth

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"
)

// DefaultCacheTTL bounds how long a cached key store entry is trusted.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	value   []byte
	expires time.Time
}

// CachedKeyStore layers a read-through TTL cache over a KeyStore.
// Writes update the cache and pass through.
type CachedKeyStore struct {
	base KeyStore
	log  *logging.Logger
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCachedKeyStore wraps base. A zero ttl selects DefaultCacheTTL.
func NewCachedKeyStore(base KeyStore, ttl time.Duration, l *logging.Logger) *CachedKeyStore {
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedKeyStore{
		base:    base,
		log:     l,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(category, id string) string {
	return category + "." + id
}

func (c *CachedKeyStore) Get(category string, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	var missing []string

	now := time.Now()
	c.mu.Lock()
	for _, id := range ids {
		e, ok := c.entries[cacheKey(category, id)]
		if !ok {
			missing = append(missing, id)
			continue
		}
		if now.After(e.expires) {
			delete(c.entries, cacheKey(category, id))
			missing = append(missing, id)
			continue
		}
		if e.value != nil {
			out[id] = e.value
		}
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return out, nil
	}
	c.log.Debugf("Loading %d %s entries from store", len(missing), category)

	fetched, err := c.base.Get(category, missing)
	if err != nil {
		return nil, err
	}
	expires := now.Add(c.ttl)
	c.mu.Lock()
	for _, id := range missing {
		v, ok := fetched[id]
		if !ok {
			continue
		}
		out[id] = v
		c.entries[cacheKey(category, id)] = cacheEntry{value: v, expires: expires}
	}
	c.mu.Unlock()
	return out, nil
}

func (c *CachedKeyStore) Set(data DataSet) error {
	expires := time.Now().Add(c.ttl)
	c.mu.Lock()
	for category, m := range data {
		for id, v := range m {
			if v == nil {
				delete(c.entries, cacheKey(category, id))
				continue
			}
			c.entries[cacheKey(category, id)] = cacheEntry{value: v, expires: expires}
		}
	}
	c.mu.Unlock()
	return c.base.Set(data)
}

func (c *CachedKeyStore) Clear() error {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
	return c.base.Clear()
}
