package server

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/tlslistener/internal/listener"
	"github.com/wolfeidau/tlslistener/internal/telemetry"
)

type options struct {
	log            zerolog.Logger
	metrics        *telemetry.Metrics
	acceptors      int
	handshakeFn    listener.HandshakeFunc
	drainTimeout   time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		log:            zerolog.Nop(),
		acceptors:      DefaultAcceptors,
		drainTimeout:   DefaultDrainTimeout,
		backoffInitial: 5 * time.Millisecond,
		backoffMax:     time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.metrics = metricsOrDefault(o.metrics)
	if o.acceptors < 1 {
		o.acceptors = 1
	}
	return o
}

// Option configures a Server.
type Option func(*options)

func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAcceptors sets how many goroutines accept and handshake concurrently.
func WithAcceptors(n int) Option {
	return func(o *options) { o.acceptors = n }
}

// WithHandshakeFunc customizes every handshake, see listener.AcceptTLSWith.
func WithHandshakeFunc(fn listener.HandshakeFunc) Option {
	return func(o *options) { o.handshakeFn = fn }
}

// WithDrainTimeout bounds how long Serve waits for open connections after
// the accept loops stop.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) { o.drainTimeout = d }
}

// WithAcceptBackoff sets the pause after a failed raw accept. It grows
// exponentially from initial up to max and resets after a success.
func WithAcceptBackoff(initial, max time.Duration) Option {
	return func(o *options) {
		o.backoffInitial = initial
		o.backoffMax = max
	}
}
