package cache

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Entry is a cached payload with its absolute expiration
type Entry struct {
	Payload   []byte
	ExpiresAt time.Time
}

// Clock supplies the current time for expiration checks
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Cache is the process-local backend. It is safe for concurrent use;
// every write stores payload and expiration as one value.
type Cache struct {
	items *ttlcache.Cache[string, Entry]
	clock Clock
}

// New creates a new Cache instance. A nil clock means SystemClock.
func New(clock Clock) *Cache {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Cache{
		// reads must never push the expiration forward
		items: ttlcache.New[string, Entry](
			ttlcache.WithDisableTouchOnHit[string, Entry](),
		),
		clock: clock,
	}
}

// Get retrieves a live entry from cache
// Returns (entry, true) if found and not expired, (Entry{}, false) otherwise
func (c *Cache) Get(key string) (Entry, bool) {
	item := c.items.Get(key)
	if item == nil {
		return Entry{}, false
	}
	entry := item.Value()
	if c.IsExpired(entry) {
		return Entry{}, false
	}
	entry.Payload = clone(entry.Payload)
	return entry, true
}

// Set stores a payload until expiresAt, replacing any previous entry.
// An expiresAt that is not in the future removes the key.
func (c *Cache) Set(key string, payload []byte, expiresAt time.Time) {
	ttl := expiresAt.Sub(c.clock.Now())
	if ttl <= 0 {
		c.items.Delete(key)
		return
	}
	c.items.Set(key, Entry{Payload: clone(payload), ExpiresAt: expiresAt}, ttl)
}

// Delete removes a key from cache
func (c *Cache) Delete(key string) {
	c.items.Delete(key)
}

// IsExpired checks if an entry has expired
func (c *Cache) IsExpired(entry Entry) bool {
	return c.clock.Now().After(entry.ExpiresAt)
}

// Purge physically removes expired entries and reports how many went away.
func (c *Cache) Purge() int {
	before := c.items.Len()
	c.items.DeleteExpired()
	for key, item := range c.items.Items() {
		if c.IsExpired(item.Value()) {
			c.items.Delete(key)
		}
	}
	return before - c.items.Len()
}

// Len returns the number of stored entries, expired ones included until purged
func (c *Cache) Len() int {
	return c.items.Len()
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
