package purchase

import (
	"context"
	"sync"
)

// PoolView is a player's pool balance and how much of it claims already draw.
type PoolView struct {
	Purchased int
	Assigned  int
}

func (v PoolView) Available() int {
	if n := v.Purchased - v.Assigned; n > 0 {
		return n
	}
	return 0
}

type poolReader interface {
	poolView(ctx context.Context, player string) (PoolView, error)
}

// poolCache holds per-player pool views. Entries are dropped after any committed change,
// never patched in place.
type poolCache struct {
	mu      sync.RWMutex
	entries map[string]PoolView
	gen     uint64
}

func newPoolCache() *poolCache {
	return &poolCache{entries: map[string]PoolView{}}
}

func (c *poolCache) get(player string) (PoolView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[player]
	return v, ok
}

func (c *poolCache) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// put stores v unless an invalidation happened since gen was read.
func (c *poolCache) put(player string, v PoolView, gen uint64) {
	c.mu.Lock()
	if c.gen == gen {
		c.entries[player] = v
	}
	c.mu.Unlock()
}

func (c *poolCache) invalidate(player string) {
	c.mu.Lock()
	delete(c.entries, player)
	c.gen++
	c.mu.Unlock()
}

func (c *poolCache) load(ctx context.Context, r poolReader, player string) (PoolView, error) {
	if v, ok := c.get(player); ok {
		return v, nil
	}
	gen := c.generation()
	v, err := r.poolView(ctx, player)
	if err != nil {
		return v, err
	}
	c.put(player, v, gen)
	return v, nil
}
