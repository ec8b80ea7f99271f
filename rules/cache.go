package rules

import (
	"sync"
	"time"
)

// RulesCache holds the ordered active rule list between store mutations.
type RulesCache interface {
	// Get returns the cached rules, or nil on miss or expiry.
	Get() []*Rule
	Set(rules []*Rule)
	Invalidate()
	IsValid() bool
}

// CacheConfig controls cache expiry. A zero TTL means entries live until
// the next Invalidate.
type CacheConfig struct {
	TTL time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{}
}

// InMemoryRulesCache is a RulesCache safe for concurrent use.
type InMemoryRulesCache struct {
	mu       sync.RWMutex
	rules    []*Rule
	cachedAt time.Time
	valid    bool
	config   CacheConfig
}

func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{config: config}
}

func (c *InMemoryRulesCache) Get() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.fresh() {
		return nil
	}
	out := make([]*Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

func (c *InMemoryRulesCache) Set(rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = make([]*Rule, len(rules))
	copy(c.rules, rules)
	c.cachedAt = time.Now()
	c.valid = true
}

func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.valid = false
	c.rules = nil
}

func (c *InMemoryRulesCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fresh()
}

// fresh must be called with mu held.
func (c *InMemoryRulesCache) fresh() bool {
	if !c.valid {
		return false
	}
	return c.config.TTL <= 0 || time.Since(c.cachedAt) <= c.config.TTL
}
