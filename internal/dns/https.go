package dns

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

var _ Resolver = (*HTTPSResolver)(nil)

// HTTPSResolver resolves over DoH (RFC 8484, GET with base64url-encoded
// wire-format query).
type HTTPSResolver struct {
	logger zerolog.Logger

	upstream string
	client   *http.Client
	qTypes   []uint16
}

func NewHTTPSResolver(
	logger zerolog.Logger,
	endpoint string,
	qTypes []uint16,
) *HTTPSResolver {
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   3 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 5 * time.Second,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
		},
	}

	return &HTTPSResolver{
		logger:   logger,
		upstream: endpoint,
		client:   client,
		qTypes:   qTypes,
	}
}

func (hr *HTTPSResolver) Info() []ResolverInfo {
	return []ResolverInfo{
		{
			Name:   "doh",
			Dst:    hr.upstream,
			Cached: false,
		},
	}
}

func (hr *HTTPSResolver) String() string {
	return fmt.Sprintf("doh resolver(%s)", hr.upstream)
}

func (hr *HTTPSResolver) Resolve(
	ctx context.Context,
	domain string,
) (RecordSet, error) {
	resCh := lookupAllTypes(ctx, domain, hr.qTypes, hr.exchange)

	return processMessages(ctx, resCh)
}

func (hr *HTTPSResolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	packed, err := msg.Pack()
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf(
		"%s?dns=%s",
		hr.upstream,
		base64.RawURLEncoding.EncodeToString(packed),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-message")

	resp, err := hr.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh status %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}

	resultMsg := new(dns.Msg)
	if err := resultMsg.Unpack(buf.Bytes()); err != nil {
		return nil, err
	}

	if resultMsg.Rcode != dns.RcodeSuccess {
		return nil, errors.New("doh rcode wasn't successful")
	}

	return resultMsg, nil
}
