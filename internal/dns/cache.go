package dns

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/holytunnel/holytunnel/internal/datastruct/cache"
	"github.com/holytunnel/holytunnel/internal/logging"
)

var _ Resolver = (*CacheResolver)(nil)

// CacheResolver is a decorator that adds answer caching to another Resolver.
type CacheResolver struct {
	logger zerolog.Logger

	ttlCache cache.Cache
	next     Resolver
}

// NewCacheResolver wraps next with a TTL cache.
func NewCacheResolver(
	logger zerolog.Logger,
	ttlCache cache.Cache,
	next Resolver,
) *CacheResolver {
	return &CacheResolver{
		logger:   logger,
		ttlCache: ttlCache,
		next:     next,
	}
}

func (cr *CacheResolver) Info() []ResolverInfo {
	info := cr.next.Info()
	for i := range info {
		info[i].Cached = true
	}

	return info
}

func (cr *CacheResolver) String() string {
	return "cached " + cr.next.String()
}

func (cr *CacheResolver) Resolve(
	ctx context.Context,
	domain string,
) (RecordSet, error) {
	logger := logging.WithLocalScope(ctx, cr.logger, "cache")

	if item, ok := cr.ttlCache.Get(domain); ok {
		logger.Trace().Msg("hit")
		return item.(RecordSet), nil
	}

	logger.Trace().Str("next", cr.next.String()).Msg("miss")

	rSet, err := cr.next.Resolve(ctx, domain)
	if err != nil {
		return RecordSet{}, err
	}

	logger.Trace().
		Int("len", rSet.Count()).
		Uint32("ttl", rSet.TTL()).
		Msg("set")

	_ = cr.ttlCache.Set(
		domain,
		rSet,
		cache.Options().WithTTL(time.Duration(rSet.TTL())*time.Second),
	)

	return rSet, nil
}
