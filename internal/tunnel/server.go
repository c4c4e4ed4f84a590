package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/holytunnel/holytunnel/internal/logging"
	"github.com/holytunnel/holytunnel/internal/netutil"
	"github.com/holytunnel/holytunnel/internal/session"
)

// Options carries everything the listener and its workers need. Zero
// timeouts disable the corresponding deadline.
type Options struct {
	ListenAddr   net.TCPAddr
	Workers      int
	PoolCapacity int
	BufferSize   int

	HeaderTimeout  time.Duration
	ResolveTimeout time.Duration
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	IdleTimeout    time.Duration
}

// Server accepts proxy clients and deals them out to a fixed set of
// workers round-robin. Each worker runs its own loop; the server itself
// only accepts, assigns and listens for shutdown signals.
type Server struct {
	logger   zerolog.Logger
	resolver Resolver
	opts     Options

	workers []*Worker
	next    int
}

func NewServer(logger zerolog.Logger, resolver Resolver, opts Options) *Server {
	return &Server{
		logger:   logging.WithScope(logger, "TUNNEL"),
		resolver: resolver,
		opts:     opts,
	}
}

// ListenAndServe opens the configured listener and serves on it.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.ListenTCP("tcp", &s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.ListenAddr.String(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve blocks until the context is canceled, a termination signal
// arrives or the listener fails. Workers are torn down before it
// returns, draining every live connection.
func (s *Server) Serve(ctx context.Context, ln *net.TCPListener) error {
	s.startWorkers()
	defer s.stopWorkers()

	s.logger.Info().
		Int("workers", len(s.workers)).
		Msgf("listening on %s", ln.Addr())

	connCh := make(chan *net.TCPConn)
	stop := make(chan struct{})

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.accept(ln, connCh, stop)
	})
	group.Go(func() error {
		defer func() {
			close(stop)
			_ = ln.Close()
		}()
		return s.dispatch(ctx, connCh)
	})
	return group.Wait()
}

func (s *Server) accept(ln *net.TCPListener, connCh chan<- *net.TCPConn, stop <-chan struct{}) error {
	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		select {
		case connCh <- conn:
		case <-stop:
			netutil.CloseConns(conn)
			return nil
		}
	}
}

func (s *Server) dispatch(ctx context.Context, connCh <-chan *net.TCPConn) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case conn := <-connCh:
			s.assign(conn)
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				// reserved for config reload
				s.logger.Info().Msg("ignoring SIGHUP")
				continue
			}
			s.logger.Info().Msgf("%s received, shutting down", sig)
			return nil
		case <-ctx.Done():
			s.logger.Info().Msg("context canceled, shutting down")
			return nil
		}
	}
}

func (s *Server) startWorkers() {
	s.workers = make([]*Worker, 0, s.opts.Workers)
	for i := 0; i < s.opts.Workers; i++ {
		s.workers = append(s.workers, newWorker(s.logger, s.resolver, s.opts, i))
	}
}

func (s *Server) stopWorkers() {
	for _, w := range s.workers {
		w.Destroy()
	}
	s.logger.Info().Msg("all workers stopped")
}

// assign hands the socket to the next live worker. A worker whose pool
// is exhausted rejects the add and the client is dropped on the spot
// rather than queued.
func (s *Server) assign(conn *net.TCPConn) {
	for range s.workers {
		w := s.workers[s.next]
		s.next = (s.next + 1) % len(s.workers)
		if !w.Alive() {
			continue
		}
		ctx := session.WithNewTraceID(context.Background())
		if _, err := w.Add(ctx, conn, StateHeader, KindHTTP, NoHandle); err != nil {
			s.logger.Debug().Err(err).
				Str("client", conn.RemoteAddr().String()).
				Msg("dropping connection")
			netutil.CloseConns(conn)
		}
		return
	}
	s.logger.Error().Msg("no live workers, dropping connection")
	netutil.CloseConns(conn)
}
