package dns

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/miekg/dns"

	"github.com/holytunnel/holytunnel/internal/ptr"
)

// Resolver yields the addresses a hostname resolves to. Implementations
// must be safe for concurrent use; the proxy shares one instance across all
// workers.
type Resolver interface {
	Resolve(ctx context.Context, domain string) (RecordSet, error)
	Info() []ResolverInfo
	String() string
}

// ResolverInfo describes one resolver in a chain, for logging and the
// startup banner.
type ResolverInfo struct {
	Name   string `json:"name"`
	Dst    string `json:"dst"`
	Cached bool   `json:"cached"`
}

func (i *ResolverInfo) String() string {
	return fmt.Sprintf("name=%s; dst=%s; cached=%v;", i.Name, i.Dst, i.Cached)
}

// RecordSet is a resolved answer: addresses plus the smallest TTL seen
// across the records that produced them.
type RecordSet struct {
	addrs []net.IPAddr
	ttl   uint32
}

// NewRecordSet builds a RecordSet from already-resolved addresses.
func NewRecordSet(addrs []net.IPAddr, ttl uint32) RecordSet {
	return RecordSet{addrs: addrs, ttl: ttl}
}

// CopyAddrs returns a copy of the resolved addresses.
func (rs *RecordSet) CopyAddrs() []net.IPAddr {
	return ptr.CloneSlice(rs.addrs)
}

// TTL returns the answer's minimum record TTL in seconds.
func (rs *RecordSet) TTL() uint32 {
	return rs.ttl
}

// Count returns the number of resolved addresses.
func (rs *RecordSet) Count() int {
	return len(rs.addrs)
}

// QueryTypes returns the record types to ask for.
func QueryTypes(ipv4Only bool) []uint16 {
	if ipv4Only {
		return []uint16{dns.TypeA}
	}

	return []uint16{dns.TypeA, dns.TypeAAAA}
}

type exchangeFunc = func(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)

type msgEnvelope struct {
	msg *dns.Msg
	err error
}

func newMsg(domain string, qType uint16) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), qType)

	return msg
}

func recordTypeIDToName(id uint16) string {
	switch id {
	case dns.TypeA:
		return "A"
	case dns.TypeAAAA:
		return "AAAA"
	}

	return strconv.FormatUint(uint64(id), 10)
}

func lookupType(
	ctx context.Context,
	domain string,
	queryType uint16,
	exchange exchangeFunc,
) *msgEnvelope {
	resMsg, err := exchange(ctx, newMsg(domain, queryType))
	if err != nil {
		queryName := recordTypeIDToName(queryType)
		err = fmt.Errorf("resolving %s, query type %s: %w", domain, queryName, err)

		return &msgEnvelope{msg: nil, err: err}
	}

	return &msgEnvelope{msg: resMsg, err: nil}
}

// lookupAllTypes fans a query out over all requested record types
// concurrently and streams the answers back.
func lookupAllTypes(
	ctx context.Context,
	domain string,
	qTypes []uint16,
	exchange exchangeFunc,
) <-chan *msgEnvelope {
	var wg sync.WaitGroup
	resCh := make(chan *msgEnvelope)

	for _, qType := range qTypes {
		wg.Add(1)

		go func(qType uint16) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case resCh <- lookupType(ctx, domain, qType, exchange):
			}
		}(qType)
	}

	go func() {
		wg.Wait()
		close(resCh)
	}()

	return resCh
}

func parseMsg(msg *dns.Msg) ([]net.IPAddr, uint32, bool) {
	var addrs []net.IPAddr
	minTTL := uint32(math.MaxUint32)
	ok := false

	for _, record := range msg.Answer {
		switch ipRecord := record.(type) {
		case *dns.A:
			ok = true
			addrs = append(addrs, net.IPAddr{IP: ipRecord.A})
			minTTL = min(minTTL, record.Header().Ttl)
		case *dns.AAAA:
			ok = true
			addrs = append(addrs, net.IPAddr{IP: ipRecord.AAAA})
			minTTL = min(minTTL, record.Header().Ttl)
		}
	}

	return addrs, minTTL, ok
}

// ErrContextCanceled reports a lookup abandoned because its context ended.
var ErrContextCanceled = errors.New("context has been canceled")

func processMessages(
	ctx context.Context,
	resCh <-chan *msgEnvelope,
) (RecordSet, error) {
	var errs []error
	var addrs []net.IPAddr

	minTTL := uint32(math.MaxUint32)
	found := false

	for result := range resCh {
		if result.err != nil {
			errs = append(errs, result.err)

			continue
		}

		resultAddrs, ttl, ok := parseMsg(result.msg)
		if ok {
			addrs = append(addrs, resultAddrs...)
			minTTL = min(minTTL, ttl)
			found = true
		}
	}

	select {
	case <-ctx.Done():
		return RecordSet{}, ErrContextCanceled
	default:
		if len(addrs) == 0 {
			return RecordSet{}, errors.Join(errs...)
		}
	}

	if !found {
		minTTL = 0
	}

	sortAddrs(addrs)

	return RecordSet{addrs: addrs, ttl: minTTL}, nil
}

// sortAddrs orders IPv4 answers first; dialing prefers the address family
// most likely to be routable without consulting interface state.
func sortAddrs(addrs []net.IPAddr) {
	sort.SliceStable(addrs, func(i, j int) bool {
		return addrs[i].IP.To4() != nil && addrs[j].IP.To4() == nil
	})
}
