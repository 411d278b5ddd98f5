package storage

import (
	"encoding/json"
	"sync"
	"time"
)

type cachedView struct {
	data      json.RawMessage
	fetchedAt time.Time
}

// ViewCache holds dashboard panels fetched from the backend until a saved
// mapping invalidates them. Each key carries a generation that Evict bumps, so
// a fetch started before an eviction cannot store its result afterwards.
type ViewCache struct {
	mu        sync.RWMutex
	views     map[string]cachedView
	gens      map[string]uint64
	lastFetch time.Time
}

func NewViewCache() *ViewCache {
	return &ViewCache{
		views: make(map[string]cachedView),
		gens:  make(map[string]uint64),
	}
}

func viewKey(campaignID, view string) string {
	return campaignID + "/" + view
}

// Generation returns the current generation of a view. Read it before
// fetching and pass it to StoreView.
func (c *ViewCache) Generation(campaignID, view string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[viewKey(campaignID, view)]
}

// StoreView caches data fetched at generation gen. It reports false and stores
// nothing when the view was evicted since gen was read.
func (c *ViewCache) StoreView(campaignID, view string, gen uint64, data json.RawMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.lastFetch = now
	key := viewKey(campaignID, view)
	if c.gens[key] != gen {
		return false
	}
	c.views[key] = cachedView{
		data:      append(json.RawMessage(nil), data...),
		fetchedAt: now,
	}
	return true
}

func (c *ViewCache) GetView(campaignID, view string) (json.RawMessage, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.views[viewKey(campaignID, view)]
	if !ok {
		return nil, time.Time{}, false
	}
	return append(json.RawMessage(nil), v.data...), v.fetchedAt, true
}

// Evict drops one cached view, bumps its generation and reports whether it
// was present.
func (c *ViewCache) Evict(campaignID, view string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := viewKey(campaignID, view)
	_, ok := c.views[key]
	delete(c.views, key)
	c.gens[key]++
	return ok
}

func (c *ViewCache) GetLastFetchTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFetch
}

func (c *ViewCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.views)
}
