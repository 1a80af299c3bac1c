package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	gocache "github.com/patrickmn/go-cache"
)

// Store is the key/value backend of one cache entry.
type Store interface {
	Get(key string) (any, bool)
	Put(key string, v any)
	Len() int
}

type lruStore struct {
	c *lru.Cache[string, any]
}

// NewLRUStore returns a store that evicts the least recently used key once it
// holds size keys.
func NewLRUStore(size int) (Store, error) {
	c, err := lru.New[string, any](size)
	if err != nil {
		return nil, err
	}
	return &lruStore{c: c}, nil
}

func (s *lruStore) Get(key string) (any, bool) { return s.c.Get(key) }
func (s *lruStore) Put(key string, v any)      { s.c.Add(key, v) }
func (s *lruStore) Len() int                   { return s.c.Len() }

type expiringStore struct {
	c *gocache.Cache
}

// NewExpiringStore returns a store whose keys expire ttl after they were put.
// Expired keys are purged every cleanup interval.
func NewExpiringStore(ttl, cleanup time.Duration) Store {
	return &expiringStore{c: gocache.New(ttl, cleanup)}
}

func (s *expiringStore) Get(key string) (any, bool) { return s.c.Get(key) }
func (s *expiringStore) Put(key string, v any)      { s.c.SetDefault(key, v) }

// Len may include expired keys that have not been purged yet.
func (s *expiringStore) Len() int { return s.c.ItemCount() }
