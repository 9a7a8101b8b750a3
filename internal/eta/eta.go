package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/campus-escort/internal/geo"
	"github.com/example/campus-escort/internal/models"
	"github.com/example/campus-escort/internal/observability"
)

// RouteTimer returns the driving duration between two points.
type RouteTimer interface {
	Duration(ctx context.Context, from, to models.Coord) (time.Duration, error)
}

var ErrNoRoute = fmt.Errorf("%w: no usable route", models.ErrExternalService)

// StraightLineTimer estimates great-circle distance at a constant speed.
// It never fails and is the timer of last resort when no routing backend is
// configured.
type StraightLineTimer struct {
	SpeedMps float64
}

func (s StraightLineTimer) Duration(_ context.Context, from, to models.Coord) (time.Duration, error) {
	speed := s.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h campus driving
	}
	secs := geo.Distance(from, to) / speed
	return time.Duration(secs) * time.Second, nil
}

// LegCache stores leg durations keyed by endpoints.
type LegCache interface {
	Get(ctx context.Context, from, to models.Coord) (time.Duration, bool)
	Set(ctx context.Context, from, to models.Coord, d time.Duration)
}

// CachedTimer serves legs from Cache and fills it from Timer on miss.
// Failures are never cached.
type CachedTimer struct {
	Timer RouteTimer
	Cache LegCache
}

func (c *CachedTimer) Duration(ctx context.Context, from, to models.Coord) (time.Duration, error) {
	if d, ok := c.Cache.Get(ctx, from, to); ok {
		observability.RouteCacheHits.Inc()
		return d, nil
	}
	d, err := c.Timer.Duration(ctx, from, to)
	if err != nil {
		return 0, err
	}
	c.Cache.Set(ctx, from, to, d)
	return d, nil
}

// MemoryCache is an in-process TTL cache for leg durations.
type MemoryCache struct {
	mu        sync.RWMutex
	store     map[string]cacheEntry
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
}

type cacheEntry struct {
	v  time.Duration
	ts time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

// keyFor rounds to ~10cm so repeated pings from a parked car share a key.
func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

func (c *MemoryCache) Get(_ context.Context, a, b models.Coord) (time.Duration, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set also drops expired entries, at most once per ttl, so keys that are
// never read again do not pile up.
func (c *MemoryCache) Set(_ context.Context, a, b models.Coord, v time.Duration) {
	k := keyFor(a, b)
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastSweep) >= c.ttl {
		for key, e := range c.store {
			if now.Sub(e.ts) > c.ttl {
				delete(c.store, key)
			}
		}
		c.lastSweep = now
	}
	c.store[k] = cacheEntry{v: v, ts: now}
}

// Len reports the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
