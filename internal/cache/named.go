package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	minSweepInterval = time.Second
	maxSweepInterval = 5 * time.Minute
)

type entry struct {
	value     any
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Stats 汇总单个缓存的运行数据。
type Stats struct {
	Name      string `json:"name"`
	Keys      int    `json:"keys"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Sets      uint64 `json:"sets"`
	Deletes   uint64 `json:"deletes"`
	Evictions uint64 `json:"evictions"`
}

// HitRatio 返回命中率，没有读取时为 0。
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type namedCache struct {
	name          string
	defaultTTL    time.Duration
	sweepInterval time.Duration

	mu      sync.RWMutex
	entries map[string]entry

	hits      atomic.Uint64
	misses    atomic.Uint64
	sets      atomic.Uint64
	deletes   atomic.Uint64
	evictions atomic.Uint64
}

func newNamedCache(cfg Config) *namedCache {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = cfg.DefaultTTL
	}
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	if interval > maxSweepInterval {
		interval = maxSweepInterval
	}
	return &namedCache{
		name:          cfg.Name,
		defaultTTL:    cfg.DefaultTTL,
		sweepInterval: interval,
		entries:       make(map[string]entry),
	}
}

func (c *namedCache) ttl(override []time.Duration) time.Duration {
	if len(override) > 0 && override[0] > 0 {
		return override[0]
	}
	return c.defaultTTL
}

func (c *namedCache) get(key string, now time.Time) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || e.expired(now) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.value, true
}

func (c *namedCache) set(key string, value any, expiresAt time.Time) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
	c.sets.Add(1)
}

func (c *namedCache) del(key string) {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if ok {
		c.deletes.Add(1)
	}
}

func (c *namedCache) flush() {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]entry)
	c.mu.Unlock()
	c.deletes.Add(uint64(n))
}

func (c *namedCache) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			evicted++
		}
	}
	c.evictions.Add(uint64(evicted))
	return evicted
}

func (c *namedCache) stats(now time.Time) Stats {
	c.mu.RLock()
	live := 0
	for _, e := range c.entries {
		if !e.expired(now) {
			live++
		}
	}
	c.mu.RUnlock()
	return Stats{
		Name:      c.name,
		Keys:      live,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Deletes:   c.deletes.Load(),
		Evictions: c.evictions.Load(),
	}
}
