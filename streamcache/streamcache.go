// Package streamcache caches the first and last data timestamp of each
// stream, keyed by collection. The query server consults it to skip
// streams that cannot have rows inside a query window, without hitting
// the store for every request.
//
// The cache is a weak projection: a miss is always answerable by
// reconsulting the store, and entries older than the configured cache
// time are refetched.
package streamcache

import (
	"sync"
	"time"

	"github.com/wanduow/nntsc/metrics"
)

// FetchFunc loads the first and last data timestamp for one stream from
// the store. Both zero means the stream has no rows yet.
type FetchFunc func(streamID int) (first, last int64, err error)

type entry struct {
	first   int64
	last    int64
	fetched time.Time
}

type tableCache struct {
	mu      sync.Mutex
	entries map[int]*entry
}

// Cache holds per-table timestamp maps. Safe for concurrent use; each
// table locks independently.
type Cache struct {
	mu       sync.Mutex
	tables   map[string]*tableCache
	lifetime time.Duration

	now func() time.Time
}

// New returns a cache whose fetched entries expire after lifetime. Zero
// lifetime means entries never expire; ingestion keeps them fresh via
// SetFirst and AdvanceLast.
func New(lifetime time.Duration) *Cache {
	return &Cache{
		tables:   make(map[string]*tableCache),
		lifetime: lifetime,
		now:      time.Now,
	}
}

func (c *Cache) table(name string) *tableCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tables[name]
	if t == nil {
		t = &tableCache{entries: make(map[int]*entry)}
		c.tables[name] = t
	}
	return t
}

// SetFirst records the first timestamp of a stream. Once set it never
// changes.
func (c *Cache) SetFirst(table string, streamID int, ts int64) {
	t := c.table(table)
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[streamID]
	if e == nil {
		t.entries[streamID] = &entry{first: ts, last: ts}
		return
	}
	if e.first == 0 {
		e.first = ts
	}
}

// AdvanceLast moves the last timestamp of a stream forward. Stale
// updates are ignored, last only ever increases. Updates for streams
// the cache has never seen are dropped: inventing an entry here would
// record the current timestamp as the stream's first, excluding older
// history from window filters. The next lookup fetches the real span.
func (c *Cache) AdvanceLast(table string, streamID int, ts int64) {
	t := c.table(table)
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[streamID]
	if e == nil {
		return
	}
	if ts > e.last {
		e.last = ts
	}
}

// FilterActiveStreams returns, for every label, the sublist of stream
// ids whose [first, last] window intersects [start, end]. Unknown or
// expired streams are loaded through fetch and cached. Labels with no
// active streams come back with an empty list so callers can still
// answer them.
func (c *Cache) FilterActiveStreams(table string, labels map[string][]int, start, end int64, fetch FetchFunc) (map[string][]int, error) {
	t := c.table(table)
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string][]int, len(labels))
	for name, ids := range labels {
		active := []int{}
		for _, id := range ids {
			e, err := c.lookup(t, id, fetch)
			if err != nil {
				return nil, err
			}
			if e == nil {
				continue
			}
			if e.first <= end && e.last >= start {
				active = append(active, id)
			}
		}
		out[name] = active
	}
	return out, nil
}

// lookup returns the entry for one stream, fetching on miss or expiry.
// Streams with no data yet are not cached so they are rechecked next
// time. Caller holds t.mu.
func (c *Cache) lookup(t *tableCache, streamID int, fetch FetchFunc) (*entry, error) {
	e := t.entries[streamID]
	if e != nil && (e.fetched.IsZero() || c.lifetime == 0 || c.now().Sub(e.fetched) < c.lifetime) {
		metrics.CacheRequestCount.WithLabelValues("hit").Inc()
		return e, nil
	}
	metrics.CacheRequestCount.WithLabelValues("miss").Inc()

	first, last, err := fetch(streamID)
	if err != nil {
		return nil, err
	}
	if first == 0 && last == 0 {
		delete(t.entries, streamID)
		return nil, nil
	}
	e = &entry{first: first, last: last, fetched: c.now()}
	t.entries[streamID] = e
	return e, nil
}
