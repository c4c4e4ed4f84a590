package dns

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

var _ Resolver = (*UDPResolver)(nil)

// UDPResolver resolves using plain DNS against a configured upstream.
type UDPResolver struct {
	logger zerolog.Logger

	client   *dns.Client
	upstream string
	qTypes   []uint16
}

func NewUDPResolver(
	logger zerolog.Logger,
	upstream string,
	qTypes []uint16,
) *UDPResolver {
	return &UDPResolver{
		logger:   logger,
		client:   &dns.Client{},
		upstream: upstream,
		qTypes:   qTypes,
	}
}

func (ur *UDPResolver) Info() []ResolverInfo {
	return []ResolverInfo{
		{
			Name:   "udp",
			Dst:    ur.upstream,
			Cached: false,
		},
	}
}

func (ur *UDPResolver) String() string {
	return fmt.Sprintf("udp resolver(%s)", ur.upstream)
}

func (ur *UDPResolver) Resolve(
	ctx context.Context,
	domain string,
) (RecordSet, error) {
	resCh := lookupAllTypes(ctx, domain, ur.qTypes, ur.exchange)

	return processMessages(ctx, resCh)
}

func (ur *UDPResolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	resp, _, err := ur.client.ExchangeContext(ctx, msg, ur.upstream)
	return resp, err
}
