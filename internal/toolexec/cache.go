package toolexec

import (
	"strings"
	"time"
)

// cacheTTL is how long a retrieval result stays reusable.
const cacheTTL = 5 * time.Minute

// cacheEntry is one cached confident retrieval: the rendered context plus
// the source ids it was built from.
type cacheEntry struct {
	context    string
	sources    []string
	insertedAt time.Time
}

// ragCache memoizes confident retrievals per session, keyed by normalized
// query. It is not locked; the owning Executor serializes access.
type ragCache struct {
	entries map[string]cacheEntry
}

func newRagCache() *ragCache {
	return &ragCache{entries: make(map[string]cacheEntry)}
}

// get returns a fresh entry for key, evicting it when expired.
func (c *ragCache) get(key string, now time.Time) (cacheEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return cacheEntry{}, false
	}
	if now.Sub(e.insertedAt) >= cacheTTL {
		delete(c.entries, key)
		return cacheEntry{}, false
	}
	return e, true
}

func (c *ragCache) put(key, context string, sources []string, now time.Time) {
	c.entries[key] = cacheEntry{context: context, sources: sources, insertedAt: now}
}

// normalizeQuery collapses whitespace and lowercases so trivially restated
// queries share a cache slot.
func normalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}
