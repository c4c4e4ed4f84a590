package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holytunnel/holytunnel/internal/dns"
	"github.com/holytunnel/holytunnel/internal/session"
)

type stubResolver struct {
	addrs []net.IPAddr
	err   error
}

func (r *stubResolver) Resolve(_ context.Context, _ string) (dns.RecordSet, error) {
	if r.err != nil {
		return dns.RecordSet{}, r.err
	}
	return dns.NewRecordSet(r.addrs, 60), nil
}

func loopbackResolver() *stubResolver {
	return &stubResolver{addrs: []net.IPAddr{{IP: net.IPv4(127, 0, 0, 1)}}}
}

func testOpts() Options {
	return Options{
		// port 1 is never dialed by these tests, so the recursion guard
		// stays quiet
		ListenAddr:     net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1},
		Workers:        1,
		PoolCapacity:   8,
		BufferSize:     8192,
		HeaderTimeout:  2 * time.Second,
		ResolveTimeout: 2 * time.Second,
		ConnectTimeout: 2 * time.Second,
		SendTimeout:    2 * time.Second,
	}
}

// harness runs a single worker behind a private accept loop, standing
// in for the full server.
type harness struct {
	t      *testing.T
	worker *Worker
	ln     *net.TCPListener
}

func newHarness(t *testing.T, resolver Resolver, opts Options) *harness {
	t.Helper()

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	w := newWorker(zerolog.Nop(), resolver, opts, 0)
	go func() {
		for {
			conn, err := ln.AcceptTCP()
			if err != nil {
				return
			}
			ctx := session.WithNewTraceID(context.Background())
			if _, err := w.Add(ctx, conn, StateHeader, KindHTTP, NoHandle); err != nil {
				_ = conn.Close()
			}
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		w.Destroy()
	})
	return &harness{t: t, worker: w, ln: ln}
}

func (h *harness) dial() net.Conn {
	h.t.Helper()
	conn, err := net.Dial("tcp", h.ln.Addr().String())
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// startTarget runs a one-connection upstream and reports what it saw.
func startTarget(t *testing.T, handler func(conn net.Conn)) int {
	t.Helper()

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		handler(conn)
		_ = conn.Close()
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func TestTunnelEstablishAndRelay(t *testing.T) {
	t.Parallel()

	targetGotPing := make(chan []byte, 1)
	port := startTarget(t, func(conn net.Conn) {
		buf := make([]byte, 16)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		targetGotPing <- buf[:n]
		_, _ = conn.Write([]byte("pong"))
		// wait for the client side to hang up
		_, _ = conn.Read(buf)
	})

	h := newHarness(t, loopbackResolver(), testOpts())
	client := h.dial()

	req := fmt.Sprintf("CONNECT example.test:%d HTTP/1.1\r\nHost: example.test:%d\r\n\r\n", port, port)
	_, err := client.Write([]byte(req))
	require.NoError(t, err)

	want := "HTTP/1.1 200 Connection Established\r\n\r\n"
	assert.Equal(t, want, string(readExactly(t, client, len(want))))

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	select {
	case got := <-targetGotPing:
		assert.Equal(t, "ping", string(got))
	case <-time.After(5 * time.Second):
		t.Fatal("target never received the relayed payload")
	}
	assert.Equal(t, "pong", string(readExactly(t, client, 4)))

	require.NoError(t, client.Close())
	assert.Eventually(t, func() bool { return h.worker.Active() == 0 },
		5*time.Second, 10*time.Millisecond, "closing one side must drain both records")
}

func TestTunnelEarlyPayloadReachesTarget(t *testing.T) {
	t.Parallel()

	targetGot := make(chan []byte, 1)
	port := startTarget(t, func(conn net.Conn) {
		buf := make([]byte, 16)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		targetGot <- buf[:n]
	})

	h := newHarness(t, loopbackResolver(), testOpts())
	client := h.dial()

	req := fmt.Sprintf("CONNECT example.test:%d HTTP/1.1\r\n\r\nearly", port)
	_, err := client.Write([]byte(req))
	require.NoError(t, err)

	want := "HTTP/1.1 200 Connection Established\r\n\r\n"
	assert.Equal(t, want, string(readExactly(t, client, len(want))))

	select {
	case got := <-targetGot:
		assert.Equal(t, "early", string(got))
	case <-time.After(5 * time.Second):
		t.Fatal("bytes sent with the header never reached the target")
	}
}

func TestPlainRequestReplayedVerbatim(t *testing.T) {
	t.Parallel()

	targetGot := make(chan []byte, 1)
	port := startTarget(t, func(conn net.Conn) {
		buf := make([]byte, 512)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		targetGot <- buf[:n]
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"))
	})

	h := newHarness(t, loopbackResolver(), testOpts())
	client := h.dial()

	req := fmt.Sprintf(
		"GET http://example.test:%d/path HTTP/1.1\r\nHost: example.test:%d\r\nX-Extra: kept\r\n\r\n",
		port, port,
	)
	_, err := client.Write([]byte(req))
	require.NoError(t, err)

	select {
	case got := <-targetGot:
		assert.Equal(t, req, string(got), "request must be replayed byte for byte")
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the target")
	}

	resp := make([]byte, 512)
	n, err := client.Read(resp)
	require.NoError(t, err)
	assert.Contains(t, string(resp[:n]), "200 OK")
}

func TestResolveFailureAnswersBadGateway(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubResolver{err: errors.New("nxdomain")}, testOpts())
	client := h.dial()

	_, err := client.Write([]byte("CONNECT nosuch.test:443 HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	want := "HTTP/1.1 502 Bad Gateway\r\n\r\n"
	assert.Equal(t, want, string(readExactly(t, client, len(want))))

	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestOversizedHeaderDropsClient(t *testing.T) {
	t.Parallel()

	targetGot := make(chan []byte, 1)
	port := startTarget(t, func(conn net.Conn) {
		buf := make([]byte, 16)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		targetGot <- buf[:n]
	})

	opts := testOpts()
	opts.BufferSize = 128

	h := newHarness(t, loopbackResolver(), opts)

	// a healthy tunnel on the same worker must survive the bad client
	healthy := h.dial()
	req := fmt.Sprintf("CONNECT example.test:%d HTTP/1.1\r\n\r\n", port)
	_, err := healthy.Write([]byte(req))
	require.NoError(t, err)
	want := "HTTP/1.1 200 Connection Established\r\n\r\n"
	assert.Equal(t, want, string(readExactly(t, healthy, len(want))))

	client := h.dial()
	junk := make([]byte, 256)
	for i := range junk {
		junk[i] = 'a'
	}
	_, err = client.Write(junk)
	require.NoError(t, err)

	// unread surplus makes the close surface as a reset on some stacks
	_, err = client.Read(make([]byte, 1))
	assert.Error(t, err)

	_, err = healthy.Write([]byte("still"))
	require.NoError(t, err)
	select {
	case got := <-targetGot:
		assert.Equal(t, "still", string(got))
	case <-time.After(5 * time.Second):
		t.Fatal("healthy tunnel stopped relaying")
	}
}

func TestConnectRefusedDropsClient(t *testing.T) {
	t.Parallel()

	// grab a port with no listener behind it
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	h := newHarness(t, loopbackResolver(), testOpts())
	client := h.dial()

	req := fmt.Sprintf("CONNECT example.test:%d HTTP/1.1\r\n\r\n", port)
	_, err = client.Write([]byte(req))
	require.NoError(t, err)

	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.Eventually(t, func() bool { return h.worker.Active() == 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestUnknownMethodDropsClient(t *testing.T) {
	t.Parallel()

	h := newHarness(t, loopbackResolver(), testOpts())
	client := h.dial()

	_, err := client.Write([]byte("FROBNICATE / HTTP/1.1\r\nHost: example.test\r\n\r\n"))
	require.NoError(t, err)

	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestPoolExhaustionDropsNewClients(t *testing.T) {
	t.Parallel()

	opts := testOpts()
	opts.PoolCapacity = 1

	h := newHarness(t, loopbackResolver(), opts)
	first := h.dial()
	defer first.Close()

	// the only slot is taken, so the next client is turned away
	second := h.dial()
	_, err := second.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestRecursiveDestinationRefused(t *testing.T) {
	t.Parallel()

	port := startTarget(t, func(net.Conn) {})

	opts := testOpts()
	// make the proxy believe it listens on the target port itself
	opts.ListenAddr.Port = port

	h := newHarness(t, loopbackResolver(), opts)
	client := h.dial()

	req := fmt.Sprintf("CONNECT example.test:%d HTTP/1.1\r\n\r\n", port)
	_, err := client.Write([]byte(req))
	require.NoError(t, err)

	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestDestroyTearsDownLiveTunnels(t *testing.T) {
	t.Parallel()

	targetClosed := make(chan struct{})
	port := startTarget(t, func(conn net.Conn) {
		_, _ = io.Copy(io.Discard, conn)
		close(targetClosed)
	})

	h := newHarness(t, loopbackResolver(), testOpts())
	client := h.dial()

	req := fmt.Sprintf("CONNECT example.test:%d HTTP/1.1\r\n\r\n", port)
	_, err := client.Write([]byte(req))
	require.NoError(t, err)
	want := "HTTP/1.1 200 Connection Established\r\n\r\n"
	assert.Equal(t, want, string(readExactly(t, client, len(want))))

	h.worker.Destroy()

	assert.Equal(t, 0, h.worker.Active())
	_, err = client.Read(make([]byte, 1))
	assert.Error(t, err)
	select {
	case <-targetClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("target side survived worker shutdown")
	}
}

func TestWorkerCountersSurviveRecycling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubResolver{err: errors.New("nxdomain")}, testOpts())

	for i := 0; i < 3; i++ {
		client := h.dial()
		_, err := client.Write([]byte("CONNECT nosuch.test:443 HTTP/1.1\r\n\r\n"))
		require.NoError(t, err)
		want := "HTTP/1.1 502 Bad Gateway\r\n\r\n"
		assert.Equal(t, want, string(readExactly(t, client, len(want))))
		_ = client.Close()
	}

	assert.Eventually(t, func() bool { return h.worker.Active() == 0 },
		5*time.Second, 10*time.Millisecond)
	assert.True(t, h.worker.Alive())
}
