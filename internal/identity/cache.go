package identity

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const cacheTTL = 10 * time.Minute

type cacheEntry struct {
	identity   Identity
	obtainedAt time.Time
}

// CachingResolver wraps a Validator with the token→{role, obtainedAt} cache
// the concurrency model mandates, single-flighting concurrent misses for the
// same token so a thundering herd of requests for an unknown token only
// triggers one upstream validation.
type CachingResolver struct {
	inner Validator
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry

	group singleflight.Group
}

func NewCachingResolver(inner Validator) *CachingResolver {
	return &CachingResolver{
		inner: inner,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

// Resolve returns the cached Identity for token if it was obtained within
// the last ten minutes; otherwise it validates (once per concurrently
// requesting token) and refreshes the cache. Any validation failure
// degrades to RoleAnon rather than rejecting the caller.
func (c *CachingResolver) Resolve(ctx context.Context, token string) Identity {
	if token == "" {
		return Identity{Role: RoleAnon}
	}

	if id, ok := c.lookup(token); ok {
		return id
	}

	v, err, _ := c.group.Do(token, func() (interface{}, error) {
		id, err := c.inner.ValidateToken(ctx, token)
		if err != nil {
			return Identity{Role: RoleAnon}, nil
		}
		c.store(token, id)
		return id, nil
	})
	if err != nil {
		return Identity{Role: RoleAnon}
	}
	return v.(Identity)
}

func (c *CachingResolver) lookup(token string) (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache[token]
	if !ok {
		return Identity{}, false
	}
	if c.now().Sub(entry.obtainedAt) >= cacheTTL {
		delete(c.cache, token)
		return Identity{}, false
	}
	return entry.identity, true
}

func (c *CachingResolver) store(token string, id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[token] = cacheEntry{identity: id, obtainedAt: c.now()}
}
