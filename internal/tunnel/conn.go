package tunnel

import (
	"context"
	"net"
	"time"

	"github.com/holytunnel/holytunnel/internal/dns"
	"github.com/holytunnel/holytunnel/internal/proto"
)

// Kind tells HTTPS tunnels (CONNECT) apart from plain HTTP relays.
type Kind int

const (
	KindHTTP Kind = iota
	KindHTTPS
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindHTTPS:
		return "https"
	}
	return "unknown"
}

// State is a connection's position in its lifecycle. A record advances
// through these strictly forward; StateClosed is terminal.
type State int

const (
	// StateHeader accumulates bytes until a full request header is seen.
	StateHeader State = iota
	// StateResolving waits for the DNS answer for the request target.
	StateResolving
	// StateConnecting waits for the outbound dial to finish.
	StateConnecting
	// StateRespondTunnel replies 200 Connection Established (CONNECT).
	StateRespondTunnel
	// StateForwardHeader replays the buffered request to the target.
	StateForwardHeader
	// StateForwardAll relays payload bytes to the peer record.
	StateForwardAll
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHeader:
		return "header"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateRespondTunnel:
		return "respond_tunnel"
	case StateForwardHeader:
		return "forward_header"
	case StateForwardAll:
		return "forward_all"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// record is one half of a proxied connection. The client-facing record
// and its target-facing peer are linked by handles, never pointers, so
// a late event can never touch a recycled slot. Only the owning
// worker's loop goroutine reads or writes a record's mutable fields.
type record struct {
	// slab bookkeeping, guarded by the pool mutex
	gen       uint32
	allocated bool

	handle Handle
	kind   Kind
	state  State
	sock   *net.TCPConn
	peer   Handle

	// buf is fixed for the record's lifetime; length is the number of
	// meaningful bytes, headerEnd the offset one past the header
	// terminator once found.
	buf       []byte
	length    int
	headerEnd int

	req  *proto.Request
	port int

	sent  uint64
	recvd uint64

	// armCh carries read grants to the pump goroutine, one read per
	// grant. Closing it retires the pump.
	armCh   chan readGrant
	armed   bool
	closing bool

	ctx context.Context
}

// readGrant permits the pump goroutine exactly one read into
// buf[from:to], optionally bounded by a deadline.
type readGrant struct {
	from, to int
	timeout  time.Duration
}

type eventKind int

const (
	evReadable eventKind = iota
	evResolved
	evConnected
	evPumpExit
	evWritable
)

func (k eventKind) String() string {
	switch k {
	case evReadable:
		return "readable"
	case evResolved:
		return "resolved"
	case evConnected:
		return "connected"
	case evPumpExit:
		return "pump_exit"
	case evWritable:
		return "writable"
	}
	return "unknown"
}

// event is a completion delivered to a worker loop. Exactly one of the
// payload fields is meaningful per kind.
type event struct {
	kind eventKind
	h    Handle

	// evReadable
	n   int
	err error

	// evResolved
	rset dns.RecordSet

	// evConnected
	conn net.Conn
}
