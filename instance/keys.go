package instance

import (
	"context"
	"strings"
	"sync"

	"github.com/ruteri/fhevm-session/interfaces"
	"github.com/ruteri/fhevm-session/metrics"
	"github.com/ruteri/fhevm-session/storage"
)

// PublicKeyStorageKey is the logical storage key prefix of cached public keys.
const PublicKeyStorageKey = "public-key"

// PublicKeyCache keeps network public keys in memory and in storage, keyed by
// ACL address.
type PublicKeyCache struct {
	mu      sync.RWMutex
	keys    map[interfaces.ContractAddress]*interfaces.PublicKeyParams
	adapter *storage.Adapter
	metrics *metrics.SessionMetrics
}

// NewPublicKeyCache creates a cache persisting through adapter. A nil adapter
// keeps keys in memory only.
func NewPublicKeyCache(adapter *storage.Adapter, m *metrics.SessionMetrics) *PublicKeyCache {
	if adapter == nil {
		adapter = storage.NewAdapter(nil, "", nil)
	}
	return &PublicKeyCache{
		keys:    make(map[interfaces.ContractAddress]*interfaces.PublicKeyParams),
		adapter: adapter,
		metrics: m,
	}
}

// Get returns the key for acl from memory or storage.
func (c *PublicKeyCache) Get(ctx context.Context, acl interfaces.ContractAddress) (*interfaces.PublicKeyParams, bool) {
	c.mu.RLock()
	key, ok := c.keys[acl]
	c.mu.RUnlock()
	if ok {
		c.metrics.PublicKey(metrics.KeyFromMemory)
		return key, true
	}

	stored := storage.GetOr[*interfaces.PublicKeyParams](ctx, c.adapter, storageKey(acl), nil)
	if stored == nil || len(stored.PublicKey) == 0 {
		return nil, false
	}

	c.mu.Lock()
	c.keys[acl] = stored
	c.mu.Unlock()
	c.metrics.PublicKey(metrics.KeyFromStorage)
	return stored, true
}

// Set caches key for acl and persists it.
func (c *PublicKeyCache) Set(ctx context.Context, acl interfaces.ContractAddress, key *interfaces.PublicKeyParams) {
	c.mu.Lock()
	c.keys[acl] = key
	c.mu.Unlock()
	c.adapter.Set(ctx, storageKey(acl), key)
}

func storageKey(acl interfaces.ContractAddress) string {
	return PublicKeyStorageKey + "." + strings.ToLower(acl.Hex())
}
