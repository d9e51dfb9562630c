package extraction

import (
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dgraph-io/ristretto/v2"
)

// pageCache keeps recently parsed pages so the fields of one item share a single fetch
type pageCache struct {
	cache *ristretto.Cache[string, *goquery.Document]
	ttl   time.Duration
}

func newPageCache(size int, ttl time.Duration) (*pageCache, error) {
	if size <= 0 {
		return &pageCache{}, nil
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *goquery.Document]{
		NumCounters: int64(size) * 10,
		MaxCost:     int64(size),
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &pageCache{cache: cache, ttl: ttl}, nil
}

func (c *pageCache) get(key string) (*goquery.Document, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Get(key)
}

func (c *pageCache) set(key string, doc *goquery.Document) {
	if c.cache == nil {
		return
	}
	c.cache.SetWithTTL(key, doc, 1, c.ttl)
	c.cache.Wait()
}

func (c *pageCache) close() {
	if c.cache != nil {
		c.cache.Close()
	}
}
