package resource

import "sync"

// StringCache interns string values shared across many items (resource kind
// names, suffix atoms, repeated attribute strings) so that observable
// equality is by content while storage for long, repeated strings is by a
// single shared handle (invariant I6). Short strings are simply stored
// inline by Item and never touch the cache.
type StringCache struct {
	mu    sync.RWMutex
	atoms map[string]string
}

// NewStringCache returns an empty cache.
func NewStringCache() *StringCache {
	return &StringCache{atoms: make(map[string]string)}
}

// Intern returns the canonical shared copy of s, inserting it on first use.
func (c *StringCache) Intern(s string) string {
	c.mu.RLock()
	if v, ok := c.atoms[s]; ok {
		c.mu.RUnlock()
		return v
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.atoms[s]; ok {
		return v
	}
	c.atoms[s] = s
	return s
}

// Len reports the number of distinct interned strings.
func (c *StringCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.atoms)
}
