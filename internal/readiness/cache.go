package readiness

import "sync"

// Cache keeps the last signal each provider returned per company. Values
// are advisory and are served as stale when a provider call fails.
type Cache struct {
	mu      sync.RWMutex
	signals map[cacheKey]Signal
}

type cacheKey struct {
	component Component
	companyID string
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{signals: make(map[cacheKey]Signal)}
}

// Put records the latest signal.
func (c *Cache) Put(component Component, companyID string, sig Signal) {
	c.mu.Lock()
	c.signals[cacheKey{component, companyID}] = sig
	c.mu.Unlock()
}

// Get returns the last signal, if any.
func (c *Cache) Get(component Component, companyID string) (Signal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sig, ok := c.signals[cacheKey{component, companyID}]
	return sig, ok
}

// Len returns the number of cached signals.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.signals)
}
