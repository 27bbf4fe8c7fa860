package telemetry

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/tlslistener"
)

// Metrics holds the listener's OpenTelemetry instruments.
type Metrics struct {
	// Handshake metrics
	HandshakesTotal       metric.Int64Counter
	HandshakeErrorsTotal  metric.Int64Counter
	HandshakeDuration     metric.Float64Histogram
	HandshakesInFlight    metric.Int64UpDownCounter
	CustomizerErrorsTotal metric.Int64Counter

	// Listener metrics
	AcceptErrorsTotal metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics built from the global meter provider.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = NewMetrics(otel.GetMeterProvider())
	})
	return metrics
}

// NewMetrics creates the instruments on mp. Instruments that fail to register
// fall back to no-ops inside the otel API, so errors are dropped.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	meter := mp.Meter(meterName)

	m := &Metrics{}

	m.HandshakesTotal, _ = meter.Int64Counter(
		"tlslistener.handshakes.total",
		metric.WithDescription("Total number of completed TLS handshakes"),
		metric.WithUnit("{handshake}"),
	)

	m.HandshakeErrorsTotal, _ = meter.Int64Counter(
		"tlslistener.handshakes.errors.total",
		metric.WithDescription("Total number of failed TLS handshakes"),
		metric.WithUnit("{error}"),
	)

	m.HandshakeDuration, _ = meter.Float64Histogram(
		"tlslistener.handshakes.duration",
		metric.WithDescription("Duration of TLS handshakes"),
		metric.WithUnit("ms"),
	)

	m.HandshakesInFlight, _ = meter.Int64UpDownCounter(
		"tlslistener.handshakes.in_flight",
		metric.WithDescription("Number of handshakes currently in progress"),
		metric.WithUnit("{handshake}"),
	)

	m.CustomizerErrorsTotal, _ = meter.Int64Counter(
		"tlslistener.handshakes.customizer_errors.total",
		metric.WithDescription("Total number of handshakes aborted by a customizer"),
		metric.WithUnit("{error}"),
	)

	m.AcceptErrorsTotal, _ = meter.Int64Counter(
		"tlslistener.accept.errors.total",
		metric.WithDescription("Total number of raw accept failures"),
		metric.WithUnit("{error}"),
	)

	m.ActiveConnections, _ = meter.Int64UpDownCounter(
		"tlslistener.connections.active",
		metric.WithDescription("Number of secured connections being served"),
		metric.WithUnit("{connection}"),
	)

	return m
}

// RecordHandshake records the outcome of one handshake started at started.
func (m *Metrics) RecordHandshake(ctx context.Context, started time.Time, state *tls.ConnectionState, err error) {
	elapsed := float64(time.Since(started).Microseconds()) / 1000

	if err != nil {
		m.HandshakeErrorsTotal.Add(ctx, 1)
		m.HandshakeDuration.Record(ctx, elapsed, metric.WithAttributes(attribute.Bool("error", true)))
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("tls.version", tls.VersionName(state.Version)),
		attribute.String("tls.cipher", tls.CipherSuiteName(state.CipherSuite)),
	)
	m.HandshakesTotal.Add(ctx, 1, attrs)
	m.HandshakeDuration.Record(ctx, elapsed, attrs)
}
