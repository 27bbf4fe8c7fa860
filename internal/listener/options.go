package listener

import (
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/tlslistener/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/wolfeidau/tlslistener/internal/listener"

type options struct {
	log              zerolog.Logger
	metrics          *telemetry.Metrics
	tracer           trace.Tracer
	handshakeTimeout time.Duration
	maxConns         int
	listenConfig     net.ListenConfig
}

func newOptions(opts []Option) options {
	o := options{
		log:     zerolog.Nop(),
		metrics: telemetry.GetMetrics(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a Listener or an Acceptor.
type Option func(*options)

// WithLogger sets the logger used for per-connection debug output.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics records into m instead of the global instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracerProvider creates handshake spans on tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp.Tracer(tracerName) }
}

// WithHandshakeTimeout bounds each handshake, measured from the moment the
// raw connection is accepted. Zero, the default, means no limit beyond the
// caller's context.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithMaxConnections caps the number of raw connections open at once.
// Accept blocks while the cap is reached. Listener only.
func WithMaxConnections(n int) Option {
	return func(o *options) { o.maxConns = n }
}

// WithListenConfig sets socket options used by Bind.
func WithListenConfig(lc net.ListenConfig) Option {
	return func(o *options) { o.listenConfig = lc }
}
