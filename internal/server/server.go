// Package server runs accept loops over a listener.Listener and hands every
// secured connection to a Handler on its own goroutine.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/wolfeidau/tlslistener/internal/listener"
	"github.com/wolfeidau/tlslistener/internal/logger"
	"github.com/wolfeidau/tlslistener/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultHandshakeTimeout is the handshake bound the serve command applies
	// to its listener.
	DefaultHandshakeTimeout = 10 * time.Second

	DefaultAcceptors    = 1
	DefaultDrainTimeout = 30 * time.Second
)

// Server wraps a listener and the handler serving its connections.
type Server struct {
	ln      *listener.Listener
	handler Handler
	opts    options

	mu    sync.Mutex
	conns map[*tls.Conn]struct{}
	wg    sync.WaitGroup
}

// New creates a server for ln. ln is closed when Serve returns.
func New(ln *listener.Listener, handler Handler, opts ...Option) *Server {
	return &Server{
		ln:      ln,
		handler: handler,
		opts:    newOptions(opts),
		conns:   make(map[*tls.Conn]struct{}),
	}
}

// Serve runs the accept loops until ctx is cancelled or the listener is
// closed, then waits for open connections to finish. Connections still open
// after the drain timeout are closed.
func (s *Server) Serve(ctx context.Context) error {
	log := s.opts.log

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = s.ln.Close() })
	defer stop()

	log.Info().
		Str("addr", s.ln.Addr().String()).
		Int("acceptors", s.opts.acceptors).
		Msg("accepting connections")

	for i := range s.opts.acceptors {
		g.Go(func() error {
			return s.acceptLoop(gctx, i)
		})
	}

	err := g.Wait()
	_ = s.ln.Close()
	s.drain()

	log.Info().Msg("server stopped")
	return err
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop(ctx context.Context, id int) error {
	log := s.opts.log.With().Int("acceptor", id).Logger()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.backoffInitial
	bo.MaxInterval = s.opts.backoffMax

	for {
		conn, peer, err := s.ln.AcceptTLSWith(ctx, s.opts.handshakeFn)
		switch {
		case err == nil:
			bo.Reset()
			s.serve(ctx, conn, peer)

		case errors.Is(err, net.ErrClosed), errors.Is(err, listener.ErrDetached):
			return nil

		case errors.Is(err, listener.ErrHandshake):
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("handshake failed")

		default:
			wait := bo.NextBackOff()
			log.Error().Err(err).Dur("retry_in", wait).Msg("accept failed")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		}
	}
}

func (s *Server) serve(ctx context.Context, conn *tls.Conn, peer net.Addr) {
	log := logger.Conn(s.opts.log, uuid.NewString(), peer, conn.ConnectionState())

	s.track(conn)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(conn)

		ctx := log.WithContext(ctx)
		s.opts.metrics.ActiveConnections.Add(ctx, 1)
		defer s.opts.metrics.ActiveConnections.Add(ctx, -1)

		started := time.Now()
		log.Info().Msg("connection opened")

		s.handler.ServeTLS(ctx, conn)

		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug().Err(err).Msg("close failed")
		}
		log.Info().Dur("duration", time.Since(started)).Msg("connection closed")
	}()
}

func (s *Server) track(conn *tls.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn *tls.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(s.opts.drainTimeout):
	}

	s.mu.Lock()
	s.opts.log.Warn().Int("connections", len(s.conns)).Msg("drain timeout, closing connections")
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	<-done
}

// metricsOrDefault keeps a nil *telemetry.Metrics option from panicking.
func metricsOrDefault(m *telemetry.Metrics) *telemetry.Metrics {
	if m == nil {
		return telemetry.GetMetrics()
	}
	return m
}
