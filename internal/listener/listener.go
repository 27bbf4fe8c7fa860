// Package listener accepts TCP connections and completes a TLS server
// handshake on each before handing it to the caller.
//
// A Listener owns one bound socket and shares a single *tls.Config with
// every connection. Accept calls may run concurrently; a handshake failure
// only affects the connection it happened on.
//
// Nothing here times out on its own. Pass a context with a deadline, or use
// WithHandshakeTimeout, so a client that stalls mid-handshake cannot hold
// resources indefinitely.
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/tlslistener/internal/telemetry"
	"golang.org/x/net/netutil"
)

// Listener is a bound TCP socket paired with an Acceptor.
type Listener struct {
	raw      net.Listener
	ln       net.Listener
	acceptor Acceptor
	log      zerolog.Logger
	metrics  *telemetry.Metrics
	detached atomic.Bool
}

// Bind resolves address and listens on the first candidate that binds.
// The host may be empty, an IP literal or a name resolving to several
// addresses; the port may be a number or a service name.
func Bind(ctx context.Context, address string, config *tls.Config, opts ...Option) (*Listener, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	o := newOptions(opts)

	candidates, err := resolve(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBind, address, err)
	}

	var errs []error
	for _, candidate := range candidates {
		raw, err := o.listenConfig.Listen(ctx, "tcp", candidate)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		o.log.Debug().Str("address", address).Str("bound", raw.Addr().String()).Msg("listener bound")
		return newListener(raw, config, o), nil
	}

	return nil, fmt.Errorf("%w: %s: %w", ErrBind, address, errors.Join(errs...))
}

// New pairs an already bound socket with config.
func New(raw net.Listener, config *tls.Config, opts ...Option) (*Listener, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return newListener(raw, config, newOptions(opts)), nil
}

func newListener(raw net.Listener, config *tls.Config, o options) *Listener {
	ln := raw
	if o.maxConns > 0 {
		ln = netutil.LimitListener(raw, o.maxConns)
	}
	return &Listener{
		raw:      raw,
		ln:       ln,
		acceptor: newAcceptor(config, o),
		log:      o.log,
		metrics:  o.metrics,
	}
}

func resolve(ctx context.Context, address string) ([]string, error) {
	host, service, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	port, err := net.DefaultResolver.LookupPort(ctx, "tcp", service)
	if err != nil {
		return nil, err
	}
	portStr := strconv.Itoa(port)

	if host == "" || net.ParseIP(host) != nil {
		return []string{net.JoinHostPort(host, portStr)}, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}

	candidates := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		candidates = append(candidates, net.JoinHostPort(addr.String(), portStr))
	}
	return candidates, nil
}

// AcceptTLS waits for a connection and completes its handshake.
// It is AcceptTLSWith without a customizer.
func (l *Listener) AcceptTLS(ctx context.Context) (*tls.Conn, net.Addr, error) {
	return l.AcceptTLSWith(ctx, nil)
}

// AcceptTLSWith waits for a connection and completes its handshake, calling
// fn once the ClientHello has arrived.
//
// The raw accept ignores ctx and is interrupted by Close; ctx applies to the
// handshake. Raw accept errors are returned as reported by the socket
// (net.ErrClosed after Close); handshake errors wrap ErrHandshake.
func (l *Listener) AcceptTLSWith(ctx context.Context, fn HandshakeFunc) (*tls.Conn, net.Addr, error) {
	if l.detached.Load() {
		return nil, nil, ErrDetached
	}

	conn, err := l.ln.Accept()
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			l.metrics.AcceptErrorsTotal.Add(ctx, 1)
		}
		return nil, nil, fmt.Errorf("accept: %w", err)
	}

	tlsConn, err := l.acceptor.Handshake(ctx, conn, fn)
	if err != nil {
		return nil, nil, err
	}

	return tlsConn, conn.RemoteAddr(), nil
}

// Acceptor returns the handshake half of the listener.
func (l *Listener) Acceptor() Acceptor {
	return l.acceptor
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.raw.Addr()
}

// Raw exposes the underlying socket, for example to set socket options.
// Closing it closes the Listener.
func (l *Listener) Raw() net.Listener {
	return l.raw
}

// IntoRaw detaches the socket and hands ownership to the caller. Later accept
// calls return ErrDetached and Close does nothing.
func (l *Listener) IntoRaw() net.Listener {
	l.detached.Store(true)
	return l.raw
}

// Close closes the socket unless it was detached. Connections already
// returned stay open.
func (l *Listener) Close() error {
	if l.detached.Load() {
		return nil
	}
	l.log.Debug().Str("address", l.raw.Addr().String()).Msg("listener closed")
	return l.ln.Close()
}
