package cache

import "time"

// Cache is a key/value store with per-item expiry.
type Cache interface {
	Set(key string, value any, opts *Opts) bool
	Get(key string) (any, bool)
	Delete(key string)
	ForceCleanup()
}

// Opts carries per-Set options, built with Options().
type Opts struct {
	ttl          time.Duration
	skipExisting bool
}

// Options returns an empty option set.
func Options() *Opts {
	return &Opts{}
}

// WithTTL sets the item's time to live. Zero means the item is rejected;
// a negative TTL means no expiration.
func (o *Opts) WithTTL(ttl time.Duration) *Opts {
	o.ttl = ttl
	return o
}

// WithSkipExisting makes Set a no-op when the key is already present.
func (o *Opts) WithSkipExisting() *Opts {
	o.skipExisting = true
	return o
}
