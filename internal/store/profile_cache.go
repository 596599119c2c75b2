package store

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"lostfound/api/internal/claims"
)

// ProfileCache is a bounded LRU of profile lookups with a per-entry TTL.
type ProfileCache struct {
	entries *lru.Cache
	ttl     time.Duration
	now     func() time.Time
}

type cachedProfile struct {
	profile claims.Profile
	expires time.Time
}

func NewProfileCache(size int, ttl time.Duration) (*ProfileCache, error) {
	if size <= 0 {
		size = 1024
	}
	entries, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create profile cache: %w", err)
	}
	return &ProfileCache{entries: entries, ttl: ttl, now: time.Now}, nil
}

func (c *ProfileCache) Get(id string) (claims.Profile, bool) {
	v, ok := c.entries.Get(id)
	if !ok {
		return claims.Profile{}, false
	}
	entry := v.(cachedProfile)
	if c.ttl > 0 && c.now().After(entry.expires) {
		c.entries.Remove(id)
		return claims.Profile{}, false
	}
	return entry.profile, true
}

func (c *ProfileCache) Add(p claims.Profile) {
	c.entries.Add(p.ID, cachedProfile{profile: p, expires: c.now().Add(c.ttl)})
}

func (c *ProfileCache) Remove(id string) {
	c.entries.Remove(id)
}

func (c *ProfileCache) Len() int {
	return c.entries.Len()
}
