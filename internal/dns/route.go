package dns

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/holytunnel/holytunnel/internal/config"
	"github.com/holytunnel/holytunnel/internal/datastruct/cache"
	"github.com/holytunnel/holytunnel/internal/logging"
)

var _ Resolver = (*RouteResolver)(nil)

// RouteResolver is the entry point the proxy engine talks to: it
// short-circuits IP literals and hands hostnames to the configured upstream
// chain.
type RouteResolver struct {
	logger zerolog.Logger
	sys    Resolver
	next   Resolver
}

// NewRouteResolver builds the resolver chain from the configuration: a
// cache-wrapped DoH or plain-DNS resolver, with IP literals answered
// locally.
func NewRouteResolver(logger zerolog.Logger, cfg *config.Config) *RouteResolver {
	qTypes := QueryTypes(cfg.GetDNSIPv4Only())

	var upstream Resolver
	if cfg.GetEnableDOH() {
		upstream = NewHTTPSResolver(
			logging.WithScope(logger, "DNS(DOH)"),
			cfg.GetDOHEndpoint(),
			qTypes,
		)
	} else {
		upstream = NewUDPResolver(
			logging.WithScope(logger, "DNS(UDP)"),
			cfg.DNSServer(),
			qTypes,
		)
	}

	ttlCache := cache.NewTTLCache(cache.TTLCacheAttrs{
		NumOfShards:     uint8(cfg.GetCacheShards()),
		CleanupInterval: time.Minute,
	})

	return &RouteResolver{
		logger: logging.WithScope(logger, "DNS(ROUTE)"),
		sys:    NewSysResolver(logging.WithScope(logger, "DNS(SYS)"), qTypes),
		next: NewCacheResolver(
			logging.WithScope(logger, "DNS(CACHE)"),
			ttlCache,
			upstream,
		),
	}
}

func (rr *RouteResolver) Info() []ResolverInfo {
	info := rr.next.Info()
	if rr.sys != nil {
		info = append(info, rr.sys.Info()...)
	}

	return info
}

func (rr *RouteResolver) String() string {
	return "route resolver"
}

func (rr *RouteResolver) Resolve(
	ctx context.Context,
	domain string,
) (RecordSet, error) {
	// IP literals need no lookup.
	if ip := net.ParseIP(domain); ip != nil {
		return RecordSet{addrs: []net.IPAddr{{IP: ip}}, ttl: 0}, nil
	}

	logger := logging.WithLocalScope(ctx, rr.logger, "route")

	// Dotless names (localhost, LAN hostnames) belong to the host's own
	// resolver, not the configured upstream.
	if rr.sys != nil && !strings.Contains(domain, ".") {
		return rr.sys.Resolve(ctx, domain)
	}

	t := time.Now()
	rSet, err := rr.next.Resolve(ctx, domain)
	if err != nil {
		return RecordSet{}, err
	}

	logger.Debug().
		Int("len", rSet.Count()).
		Dur("took", time.Since(t)).
		Msg("resolved")

	return rSet, nil
}
