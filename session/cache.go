package session

import (
	"sync"

	"github.com/ruteri/fhevm-session/interfaces"
)

// InstanceCache owns at most one instance per network id. Entries are never
// evicted.
type InstanceCache struct {
	mu        sync.RWMutex
	instances map[interfaces.NetworkID]interfaces.Instance
}

// NewInstanceCache creates an empty cache.
func NewInstanceCache() *InstanceCache {
	return &InstanceCache{instances: make(map[interfaces.NetworkID]interfaces.Instance)}
}

// Get returns the instance cached for id.
func (c *InstanceCache) Get(id interfaces.NetworkID) (interfaces.Instance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.instances[id]
	return inst, ok
}

// Set caches inst under id, replacing any previous entry.
func (c *InstanceCache) Set(id interfaces.NetworkID, inst interfaces.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[id] = inst
}

// Has reports whether an instance is cached for id.
func (c *InstanceCache) Has(id interfaces.NetworkID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.instances[id]
	return ok
}

// Len returns the number of cached instances.
func (c *InstanceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.instances)
}
