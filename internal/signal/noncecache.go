package signal

import "sync"

// NonceCacheCapacity bounds the replay cache; oldest entries are evicted
// FIFO once the cap is reached.
const NonceCacheCapacity = 100

// NonceCache is a bounded FIFO set of recently seen envelope nonces.
// It provides replay defense within each long-lived signaling handler.
type NonceCache struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
}

// NewNonceCache creates a cache with the default capacity.
func NewNonceCache() *NonceCache {
	return &NonceCache{seen: make(map[string]struct{}), cap: NonceCacheCapacity}
}

// CheckAndAdd tests and inserts in one step under the lock: it returns true
// if the nonce was fresh (and is now recorded), false on replay.
func (c *NonceCache) CheckAndAdd(nonce []byte) bool {
	key := string(nonce)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[key]; dup {
		return false
	}
	if len(c.order) >= c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	c.seen[key] = struct{}{}
	c.order = append(c.order, key)
	return true
}

// Clear drops all cached nonces.
func (c *NonceCache) Clear() {
	c.mu.Lock()
	c.seen = make(map[string]struct{})
	c.order = nil
	c.mu.Unlock()
}

// Len returns the number of cached nonces.
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
