package auth

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dcrodman/tttworld/internal/core/data"
)

// accountCache holds accounts by username. Pinned accounts never expire;
// everything else is dropped ttl after it was last stored.
type accountCache struct {
	cacheInstance *gocache.Cache
	pinned        map[string]bool
}

func newAccountCache(ttl time.Duration) *accountCache {
	return &accountCache{
		cacheInstance: gocache.New(ttl, ttl),
		pinned:        make(map[string]bool),
	}
}

func (c *accountCache) Put(account *data.Account) {
	ttl := gocache.DefaultExpiration
	if c.pinned[account.Username] {
		ttl = gocache.NoExpiration
	}
	c.cacheInstance.Set(account.Username, account, ttl)
}

// Get fetches an account from the cache, returning the value as well as
// whether or not the value was found (semantics similar to map).
func (c *accountCache) Get(username string) (*data.Account, bool) {
	cached, ok := c.cacheInstance.Get(username)
	if !ok {
		return nil, false
	}
	return cached.(*data.Account), true
}

func (c *accountCache) Delete(username string) {
	c.cacheInstance.Delete(username)
	delete(c.pinned, username)
}

// Pin changes whether username expires, restarting the TTL of a cached entry.
func (c *accountCache) Pin(username string, pinned bool) {
	if pinned {
		c.pinned[username] = true
	} else {
		delete(c.pinned, username)
	}
	if account, ok := c.Get(username); ok {
		c.Put(account)
	}
}
