package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/holytunnel/holytunnel/internal/dns"
	"github.com/holytunnel/holytunnel/internal/logging"
	"github.com/holytunnel/holytunnel/internal/netutil"
	"github.com/holytunnel/holytunnel/internal/proto"
	"github.com/holytunnel/holytunnel/internal/ptr"
	"github.com/holytunnel/holytunnel/internal/session"
)

const (
	// livenessInterval bounds how long a worker loop can go without
	// checking its shutdown flag.
	livenessInterval = 500 * time.Millisecond
	// drainTimeout bounds how long a stopping worker waits for its pump
	// goroutines to hand their slots back.
	drainTimeout = 3 * time.Second
)

// Resolver is the name lookup dependency of a worker.
type Resolver interface {
	Resolve(ctx context.Context, domain string) (dns.RecordSet, error)
}

// Worker owns a slab of connection records and advances them through
// their lifecycle from a single loop goroutine. Sockets are read by
// per-record pump goroutines, but a pump only touches a record's buffer
// between an explicit read grant and the completion event it posts
// back, so the loop is the sole mutator.
type Worker struct {
	index    int
	logger   zerolog.Logger
	resolver Resolver
	opts     Options

	pool   *pool
	events chan event

	alive atomic.Bool
	done  chan struct{}
	wg    sync.WaitGroup

	// onFatal reports a broken bookkeeping invariant. The default exits
	// the process; tests swap it out.
	onFatal func(format string, args ...any)
}

func newWorker(logger zerolog.Logger, resolver Resolver, opts Options, index int) *Worker {
	w := &Worker{
		index:    index,
		logger:   logging.WithScope(logger, fmt.Sprintf("WORKER[%d]", index)),
		resolver: resolver,
		opts:     opts,
		pool:     newPool(opts.PoolCapacity, opts.BufferSize),
		// every record can have at most one outstanding read completion,
		// one async completion and one pump exit in flight
		events: make(chan event, 3*opts.PoolCapacity+8),
		done:   make(chan struct{}),
	}
	w.onFatal = func(format string, args ...any) {
		w.logger.Fatal().Msgf(format, args...)
	}

	started := make(chan struct{})
	w.wg.Add(1)
	go w.loop(started)
	<-started
	return w
}

// Alive reports whether the worker loop is still accepting connections.
func (w *Worker) Alive() bool {
	return w.alive.Load()
}

// Active returns the number of records currently in use.
func (w *Worker) Active() int {
	return w.pool.count()
}

// Destroy stops the worker loop, tears down every live connection and
// blocks until the slab has drained.
func (w *Worker) Destroy() {
	w.alive.Store(false)
	w.wg.Wait()
}

// Add registers a socket with the worker. A record entering
// StateHeader is immediately granted its first read; any other state is
// driven by its creator. The returned handle stays valid until the
// record is torn down.
func (w *Worker) Add(ctx context.Context, sock *net.TCPConn, state State, kind Kind, peer Handle) (Handle, error) {
	if !w.alive.Load() {
		return NoHandle, fmt.Errorf("worker %d: not accepting connections", w.index)
	}
	rec, err := w.pool.alloc()
	if err != nil {
		return NoHandle, fmt.Errorf("worker %d: %w", w.index, err)
	}

	rec.kind = kind
	rec.state = state
	rec.sock = sock
	rec.peer = peer
	rec.length = 0
	rec.headerEnd = 0
	rec.req = nil
	rec.port = 0
	rec.sent = 0
	rec.recvd = 0
	rec.armed = false
	rec.closing = false
	rec.ctx = ctx
	rec.armCh = make(chan readGrant, 1)

	go w.pump(rec.handle, rec.sock, rec.buf, rec.armCh)

	if state == StateHeader {
		w.arm(rec, 0, len(rec.buf), w.opts.HeaderTimeout)
	}
	return rec.handle, nil
}

// pump executes read grants for one record. It never touches record
// fields other than the buffer range a grant names, and it exits when
// the grant channel is closed, handing the slot back via evPumpExit.
func (w *Worker) pump(h Handle, sock *net.TCPConn, buf []byte, grants <-chan readGrant) {
	for g := range grants {
		if g.timeout > 0 {
			_ = sock.SetReadDeadline(time.Now().Add(g.timeout))
		} else {
			_ = sock.SetReadDeadline(time.Time{})
		}
		n, err := sock.Read(buf[g.from:g.to])
		w.post(event{kind: evReadable, h: h, n: n, err: err})
	}
	w.post(event{kind: evPumpExit, h: h})
}

// post delivers an event to the loop, giving up once the worker has
// fully shut down.
func (w *Worker) post(ev event) {
	select {
	case w.events <- ev:
	case <-w.done:
		if ev.conn != nil {
			netutil.CloseConns(ev.conn)
		}
	}
}

// arm grants the record's pump one read into buf[from:to]. Granting a
// read that is already outstanding would let the pump and the loop race
// on the buffer, so a double arm is a fatal bookkeeping bug.
func (w *Worker) arm(rec *record, from, to int, timeout time.Duration) {
	if rec.closing {
		return
	}
	if rec.armed {
		w.onFatal("worker %d: double read grant on record %s", w.index, rec.handle)
		return
	}
	rec.armed = true
	rec.armCh <- readGrant{from: from, to: to, timeout: timeout}
}

func (w *Worker) loop(started chan struct{}) {
	defer w.wg.Done()
	w.alive.Store(true)
	close(started)

	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()

	for w.alive.Load() {
		select {
		case ev := <-w.events:
			w.handleEvent(ev)
		case <-ticker.C:
		}
	}
	w.drain()
}

// drain tears down every live record and then keeps servicing events
// until all pumps have exited and returned their slots.
func (w *Worker) drain() {
	defer close(w.done)

	for _, rec := range w.pool.active() {
		w.teardown(rec)
	}

	deadline := time.After(drainTimeout)
	for !w.pool.empty() {
		select {
		case ev := <-w.events:
			w.handleEvent(ev)
		case <-deadline:
			w.logger.Error().
				Int("records", w.pool.count()).
				Msg("giving up on connection drain")
			return
		}
	}
}

func (w *Worker) handleEvent(ev event) {
	rec := w.pool.get(ev.h)
	if rec == nil {
		// stale: the slot was recycled after this event was produced
		if ev.conn != nil {
			netutil.CloseConns(ev.conn)
		}
		return
	}

	switch ev.kind {
	case evPumpExit:
		if err := w.pool.release(ev.h); err != nil {
			w.onFatal("worker %d: %v", w.index, err)
		}
		return
	case evReadable:
		rec.armed = false
	}

	if rec.closing {
		if ev.conn != nil {
			netutil.CloseConns(ev.conn)
		}
		return
	}
	w.advance(rec, ev)
}

// advance runs the state handler for the event, then immediately runs
// any follow-up states that need no external completion to make
// progress. Tearing down happens here, exactly once, when a handler
// reports StateClosed.
func (w *Worker) advance(rec *record, ev event) {
	next := w.dispatch(rec, ev)
	for next == StateRespondTunnel || next == StateForwardHeader {
		rec.state = next
		next = w.dispatch(rec, event{kind: evWritable, h: rec.handle})
	}
	if next == StateClosed {
		w.teardown(rec)
		return
	}
	rec.state = next
}

func (w *Worker) dispatch(rec *record, ev event) State {
	switch rec.state {
	case StateHeader:
		return w.stateHeader(rec, ev)
	case StateResolving:
		return w.stateResolving(rec, ev)
	case StateConnecting:
		return w.stateConnecting(rec, ev)
	case StateRespondTunnel:
		return w.stateRespondTunnel(rec)
	case StateForwardHeader:
		return w.stateForwardHeader(rec)
	case StateForwardAll:
		return w.stateForwardAll(rec, ev)
	}
	w.onFatal("worker %d: record %s got %s event in state %s",
		w.index, rec.handle, ev.kind, rec.state)
	return StateClosed
}

func (w *Worker) stateHeader(rec *record, ev event) State {
	logger := logging.WithLocalScope(rec.ctx, w.logger, "header")

	if ev.err != nil || ev.n == 0 {
		if ev.err != nil && !netutil.IsOrderlyClose(ev.err) {
			logger.Debug().Err(ev.err).Msg("read failed before full header")
		}
		return StateClosed
	}
	rec.length += ev.n
	rec.recvd += uint64(ev.n)

	end := proto.HeaderEnd(rec.buf[:rec.length])
	if end < 0 {
		if rec.length >= len(rec.buf) {
			logger.Debug().
				Int("limit", len(rec.buf)).
				Msg("request header exceeds buffer capacity")
			return StateClosed
		}
		w.arm(rec, rec.length, len(rec.buf), w.opts.HeaderTimeout)
		return StateHeader
	}
	rec.headerEnd = end

	req, err := proto.ParseRequest(ptr.CloneSlice(rec.buf[:end]))
	if err != nil {
		logger.Debug().Err(err).Msg("discarding unparsable request")
		return StateClosed
	}
	if !req.IsValidMethod() {
		logger.Debug().Str("method", req.Method).Msg("discarding unknown method")
		return StateClosed
	}
	rec.req = req
	if req.IsConnectMethod() {
		rec.kind = KindHTTPS
	} else {
		rec.kind = KindHTTP
	}

	domain := req.ExtractDomain()
	if domain == "" {
		logger.Debug().Str("uri", req.RequestURI).Msg("request carries no host")
		return StateClosed
	}
	port, err := req.ExtractPort()
	if err != nil {
		logger.Debug().Err(err).Msg("request carries a bad port")
		return StateClosed
	}
	rec.port = port
	rec.ctx = session.WithRemoteInfo(rec.ctx, domain)

	w.submitResolve(rec.handle, rec.ctx, domain)
	return StateResolving
}

func (w *Worker) submitResolve(h Handle, ctx context.Context, domain string) {
	timeout := w.opts.ResolveTimeout
	go func() {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		rset, err := w.resolver.Resolve(ctx, domain)
		w.post(event{kind: evResolved, h: h, rset: rset, err: err})
	}()
}

func (w *Worker) stateResolving(rec *record, ev event) State {
	logger := logging.WithLocalScope(rec.ctx, w.logger, "resolve")

	if ev.err != nil {
		logging.WarnUnwrapped(&logger, "name lookup failed", ev.err)
		// best effort; the client is torn down either way
		_ = w.send(rec, rec.req.BadGatewayResponse())
		return StateClosed
	}

	addrs := ev.rset.CopyAddrs()
	if ok, err := netutil.ValidateDestination(addrs, rec.port, &w.opts.ListenAddr); !ok {
		logger.Warn().Err(err).Msg("refusing to connect back to the proxy")
		return StateClosed
	}

	w.submitConnect(rec.handle, rec.ctx, addrs, rec.port)
	return StateConnecting
}

func (w *Worker) submitConnect(h Handle, ctx context.Context, addrs []net.IPAddr, port int) {
	go func() {
		conn, err := netutil.DialFirstSuccessful(ctx, addrs, port, w.opts.ConnectTimeout)
		w.post(event{kind: evConnected, h: h, conn: conn, err: err})
	}()
}

func (w *Worker) stateConnecting(rec *record, ev event) State {
	logger := logging.WithLocalScope(rec.ctx, w.logger, "connect")

	if ev.err != nil {
		logger.Debug().Err(ev.err).Int("port", rec.port).Msg("dial failed")
		return StateClosed
	}
	trgSock := ev.conn.(*net.TCPConn)

	peer, err := w.Add(rec.ctx, trgSock, StateForwardAll, rec.kind, rec.handle)
	if err != nil {
		netutil.CloseConns(trgSock)
		logger.Debug().Err(err).Msg("dropping connection")
		return StateClosed
	}
	rec.peer = peer

	if rec.kind == KindHTTPS {
		return StateRespondTunnel
	}
	return StateForwardHeader
}

func (w *Worker) stateRespondTunnel(rec *record) State {
	logger := logging.WithLocalScope(rec.ctx, w.logger, "tunnel")

	if err := w.send(rec, rec.req.ConnEstablishedResponse()); err != nil {
		logger.Debug().Err(err).Msg("tunnel response failed")
		return StateClosed
	}
	// bytes the client sent past its header already belong to the target
	if rec.length > rec.headerEnd {
		peer := w.pool.get(rec.peer)
		if peer == nil {
			return StateClosed
		}
		if err := w.send(peer, rec.buf[rec.headerEnd:rec.length]); err != nil {
			logger.Debug().Err(err).Msg("early payload relay failed")
			return StateClosed
		}
	}
	if !w.startForwarding(rec) {
		return StateClosed
	}
	logger.Debug().Msg("tunnel established")
	return StateForwardAll
}

func (w *Worker) stateForwardHeader(rec *record) State {
	logger := logging.WithLocalScope(rec.ctx, w.logger, "relay")

	peer := w.pool.get(rec.peer)
	if peer == nil {
		return StateClosed
	}
	// the target gets the request exactly as the client sent it
	if err := w.send(peer, rec.buf[:rec.length]); err != nil {
		logger.Debug().Err(err).Msg("request relay failed")
		return StateClosed
	}
	if !w.startForwarding(rec) {
		return StateClosed
	}
	logger.Debug().Msg("relay established")
	return StateForwardAll
}

// startForwarding grants both halves of the pair their first payload
// read. The header bytes are spent, so the whole buffer is reusable.
func (w *Worker) startForwarding(rec *record) bool {
	peer := w.pool.get(rec.peer)
	if peer == nil {
		return false
	}
	rec.length = 0
	w.arm(rec, 0, len(rec.buf), w.opts.IdleTimeout)
	w.arm(peer, 0, len(peer.buf), w.opts.IdleTimeout)
	return true
}

func (w *Worker) stateForwardAll(rec *record, ev event) State {
	if ev.err != nil || ev.n == 0 {
		if ev.err != nil && !netutil.IsOrderlyClose(ev.err) {
			logger := logging.WithLocalScope(rec.ctx, w.logger, "forward")
			logger.Debug().Err(ev.err).Msg("read failed")
		}
		return StateClosed
	}
	rec.recvd += uint64(ev.n)

	peer := w.pool.get(rec.peer)
	if peer == nil {
		return StateClosed
	}
	if err := w.send(peer, rec.buf[:ev.n]); err != nil {
		if !netutil.IsOrderlyClose(err) {
			logger := logging.WithLocalScope(rec.ctx, w.logger, "forward")
			logger.Debug().Err(err).Msg("write failed")
		}
		return StateClosed
	}
	w.arm(rec, 0, len(rec.buf), w.opts.IdleTimeout)
	return StateForwardAll
}

// send writes p to the record's socket within the send deadline. A
// short or failed write is fatal to the connection, never retried.
func (w *Worker) send(rec *record, p []byte) error {
	if w.opts.SendTimeout > 0 {
		_ = rec.sock.SetWriteDeadline(time.Now().Add(w.opts.SendTimeout))
	}
	n, err := rec.sock.Write(p)
	rec.sent += uint64(n)
	return err
}

// teardown closes a record and its peer together. Closing the socket
// and retiring the grant channel makes the pump exit; the slot itself
// is recycled only once the pump's exit event arrives.
func (w *Worker) teardown(rec *record) {
	if peer := w.pool.get(rec.peer); peer != nil {
		rec.peer = NoHandle
		peer.peer = NoHandle
		peer.state = StateClosed
		w.close(peer)
	}
	w.close(rec)
}

func (w *Worker) close(rec *record) {
	if rec.closing {
		return
	}
	rec.closing = true
	rec.state = StateClosed
	close(rec.armCh)
	netutil.CloseConns(rec.sock)
	rec.req = nil

	logger := logging.WithLocalScope(rec.ctx, w.logger, "close")
	logger.Debug().
		Str("kind", rec.kind.String()).
		Uint64("sent", rec.sent).
		Uint64("recvd", rec.recvd).
		Msg("connection closed")
}
