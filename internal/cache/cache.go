// Package cache provides the read-through TTL cache that fronts registry,
// version and tenant-override reads.
//
// The cache is advisory, never authoritative: writers invalidate the
// affected keys before the write call returns, and any invalidation miss
// self-heals within one TTL. Entries are swept by a background janitor so
// idle keys do not pin memory.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Default TTLs. Resolved configs ride the longer window; discovery listings
// go stale faster because they cross-reference per-tenant state.
const (
	DefaultTTL      = 5 * time.Minute
	DiscoveryTTL    = 30 * time.Second
	janitorInterval = time.Minute
)

// ── Key constructors ────────────────────────────────────────

// AgentDefKey caches a single agent definition.
func AgentDefKey(agentID string) string { return "agentDef:" + agentID }

// VersionListKey caches an agent's version history.
func VersionListKey(agentID string) string { return "versions:" + agentID }

// TenantConfigKey caches one (tenant, agent) override record.
func TenantConfigKey(tenantID, agentID string) string {
	return "tenantCfg:" + tenantID + ":" + agentID
}

// ResolvedKey caches a merged ResolvedAgentConfig.
func ResolvedKey(agentID, tenantID string) string {
	return "resolved:" + agentID + ":" + tenantID
}

// DiscoveryKey caches a discovery listing per (tenant, role).
func DiscoveryKey(tenantID, role string) string {
	return "discovery:" + tenantID + ":" + role
}

// DiscoveryPrefix matches every discovery entry, for registry-wide
// invalidation on definition writes.
const DiscoveryPrefix = "discovery:"

// ── Cache ───────────────────────────────────────────────────

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a process-local TTL cache safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration

	doneCh    chan struct{}
	closeOnce sync.Once
}

// New creates a cache with the given default TTL (DefaultTTL if zero) and
// starts the sweep janitor.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		doneCh:  make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Get returns the cached value, or false if absent or expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Set stores a value under the default TTL.
func (c *Cache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores a value with an explicit TTL.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Invalidate drops a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidatePrefix drops every key with the given prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Len returns the number of live (possibly expired, not yet swept) entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the janitor.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.doneCh) })
}

// janitor sweeps expired entries periodically.
func (c *Cache) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.doneCh:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
