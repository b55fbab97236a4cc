// Package snapcache caches rendered document snapshots between polls. It is
// purely a read optimization: entries live far shorter than any presence or
// lock TTL and every mutation or sweep eviction invalidates the document,
// so correctness still rests on the store and its read-time TTL filtering.
package snapcache

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// DefaultTTL bounds how stale a cached snapshot can get between
// invalidations.
const DefaultTTL = time.Second

// Cache is a short-TTL per-document cache backed by ristretto.
type Cache[T any] struct {
	c   *ristretto.Cache
	ttl time.Duration
}

// Option configures a Cache.
type Option[T any] func(*Cache[T])

// WithTTL overrides the entry TTL.
func WithTTL[T any](d time.Duration) Option[T] {
	return func(c *Cache[T]) { c.ttl = d }
}

// New returns a snapshot cache. Defaults suit a few thousand hot documents.
func New[T any](opts ...Option[T]) *Cache[T] {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}
	c := &Cache[T]{c: rc, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached snapshot for a document, if present.
func (c *Cache[T]) Get(documentID string) (T, bool) {
	v, ok := c.c.Get(documentID)
	if !ok {
		var zero T
		return zero, false
	}
	val, ok := v.(T)
	if !ok {
		var zero T
		return zero, false
	}
	return val, true
}

// Set stores the snapshot for a document. Ristretto admission may drop the
// write; that only costs a rebuild on the next poll.
func (c *Cache[T]) Set(documentID string, snap T) {
	c.c.SetWithTTL(documentID, snap, 1, c.ttl)
}

// Wait blocks until pending writes have been admitted or dropped.
func (c *Cache[T]) Wait() {
	c.c.Wait()
}

// Invalidate drops the cached snapshot for a document.
func (c *Cache[T]) Invalidate(documentID string) {
	c.c.Del(documentID)
}

// Close releases the underlying ristretto resources.
func (c *Cache[T]) Close() {
	c.c.Close()
}
