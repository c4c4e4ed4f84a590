package dns

import (
	"context"
	"net"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

var _ Resolver = (*SysResolver)(nil)

// SysResolver delegates to the operating system's resolver configuration.
type SysResolver struct {
	logger zerolog.Logger

	resolver *net.Resolver
	qTypes   []uint16
}

func NewSysResolver(logger zerolog.Logger, qTypes []uint16) *SysResolver {
	return &SysResolver{
		logger:   logger,
		resolver: &net.Resolver{PreferGo: true},
		qTypes:   qTypes,
	}
}

func (sr *SysResolver) Info() []ResolverInfo {
	return []ResolverInfo{
		{
			Name:   "sys",
			Dst:    "system-resolver",
			Cached: false,
		},
	}
}

func (sr *SysResolver) String() string {
	return "sys resolver"
}

func (sr *SysResolver) Resolve(
	ctx context.Context,
	domain string,
) (RecordSet, error) {
	addrs, err := sr.resolver.LookupIPAddr(ctx, domain)
	if err != nil {
		return RecordSet{}, err
	}

	addrs = filterAddrs(addrs, sr.qTypes)
	sortAddrs(addrs)

	// The system resolver hides record TTLs; treat answers as uncacheable.
	return RecordSet{addrs: addrs, ttl: 0}, nil
}

func filterAddrs(addrs []net.IPAddr, qTypes []uint16) []net.IPAddr {
	wantsA, wantsAAAA := false, false
	for _, qType := range qTypes {
		switch qType {
		case dns.TypeA:
			wantsA = true
		case dns.TypeAAAA:
			wantsAAAA = true
		}
	}

	filtered := addrs[:0]
	for _, addr := range addrs {
		isV4 := addr.IP.To4() != nil
		if (isV4 && wantsA) || (!isV4 && wantsAAAA) {
			filtered = append(filtered, addr)
		}
	}

	return filtered
}
