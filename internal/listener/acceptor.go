package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/tlslistener/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handshake is the state of a server handshake after the ClientHello has
// been read and before the server replies.
type Handshake struct {
	// Hello carries the requested server name, ALPN protocols, supported
	// versions and the underlying connection.
	Hello *tls.ClientHelloInfo
	// Config is used for the remainder of the handshake. Assign a different
	// config to switch identity; never modify the shared one in place.
	Config *tls.Config
}

// HandshakeFunc customizes one handshake. It runs synchronously and at most
// once per connection; returning an error aborts that handshake only.
type HandshakeFunc func(*Handshake) error

// Acceptor performs server handshakes with one shared, read-only config.
// It is a small value and safe to copy and use from many goroutines.
type Acceptor struct {
	config           *tls.Config
	log              zerolog.Logger
	metrics          *telemetry.Metrics
	tracer           trace.Tracer
	handshakeTimeout time.Duration
}

// NewAcceptor returns an Acceptor for config.
func NewAcceptor(config *tls.Config, opts ...Option) (Acceptor, error) {
	if err := validateConfig(config); err != nil {
		return Acceptor{}, err
	}
	return newAcceptor(config, newOptions(opts)), nil
}

func newAcceptor(config *tls.Config, o options) Acceptor {
	return Acceptor{
		config:           config,
		log:              o.log,
		metrics:          o.metrics,
		tracer:           o.tracer,
		handshakeTimeout: o.handshakeTimeout,
	}
}

func validateConfig(config *tls.Config) error {
	if config == nil {
		return ErrNoCertificates
	}
	if len(config.Certificates) == 0 && config.GetCertificate == nil && config.GetConfigForClient == nil {
		return ErrNoCertificates
	}
	return nil
}

// Config returns the shared server config.
func (a Acceptor) Config() *tls.Config {
	return a.config
}

// Handshake runs a server handshake on conn. fn may be nil. ctx cancels the
// handshake between and during round trips. On failure conn is closed and the
// error wraps ErrHandshake.
func (a Acceptor) Handshake(ctx context.Context, conn net.Conn, fn HandshakeFunc) (*tls.Conn, error) {
	if a.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.handshakeTimeout)
		defer cancel()
	}

	peer := conn.RemoteAddr().String()
	ctx, span := a.tracer.Start(ctx, "tls.handshake",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("net.peer.addr", peer)),
	)
	defer span.End()

	a.metrics.HandshakesInFlight.Add(ctx, 1)
	defer a.metrics.HandshakesInFlight.Add(ctx, -1)

	config := a.config
	if fn != nil {
		config = a.customized(ctx, fn)
	}

	started := time.Now()
	tlsConn := tls.Server(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()

		a.metrics.RecordHandshake(ctx, started, nil, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake failed")
		a.log.Debug().Err(err).Str("peer", peer).Msg("tls handshake failed")

		return nil, fmt.Errorf("%w with %s: %w", ErrHandshake, peer, err)
	}

	state := tlsConn.ConnectionState()
	a.metrics.RecordHandshake(ctx, started, &state, nil)
	span.SetAttributes(
		attribute.String("tls.server_name", state.ServerName),
		attribute.String("tls.version", tls.VersionName(state.Version)),
		attribute.String("tls.cipher", tls.CipherSuiteName(state.CipherSuite)),
	)
	a.log.Debug().
		Str("peer", peer).
		Str("sni", state.ServerName).
		Str("tls_version", tls.VersionName(state.Version)).
		Dur("duration", time.Since(started)).
		Msg("tls handshake complete")

	return tlsConn, nil
}

// customized returns a per-connection config whose only job is to hand the
// ClientHello to fn and then continue with the shared (or replaced) config.
func (a Acceptor) customized(ctx context.Context, fn HandshakeFunc) *tls.Config {
	base := a.config
	return &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			config := base
			if base.GetConfigForClient != nil {
				override, err := base.GetConfigForClient(hello)
				if err != nil {
					return nil, err
				}
				if override != nil {
					config = override
				}
			}

			hs := &Handshake{Hello: hello, Config: config}
			if err := fn(hs); err != nil {
				a.metrics.CustomizerErrorsTotal.Add(ctx, 1)
				return nil, fmt.Errorf("%w: %w", ErrCustomizer, err)
			}
			if hs.Config == nil {
				return config, nil
			}
			return hs.Config, nil
		},
	}
}
