package listener

import (
	"context"
	"crypto/tls"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tlslistener/internal/telemetry"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func counter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "expected int64 sum for %s, got %T", name, m.Data)
			var total int64
			for _, dp := range data.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, err = ln.Accept()
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func TestNewAcceptor(t *testing.T) {
	_, err := NewAcceptor(nil)
	require.ErrorIs(t, err, ErrNoCertificates)

	_, err = NewAcceptor(&tls.Config{})
	require.ErrorIs(t, err, ErrNoCertificates)

	dynamic := &tls.Config{GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return nil, nil }}
	a, err := NewAcceptor(dynamic)
	require.NoError(t, err)
	require.Same(t, dynamic, a.Config())
}

func TestAcceptorHandshake(t *testing.T) {
	id := newIdentity(t, "localhost")

	reader := sdkmetric.NewManualReader()
	metrics := telemetry.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	a, err := NewAcceptor(id.config, WithMetrics(metrics), WithTracerProvider(tp))
	require.NoError(t, err)

	t.Run("success", func(t *testing.T) {
		serverSide, clientSide := tcpPair(t)

		clientErr := make(chan error, 1)
		go func() {
			client := tls.Client(clientSide, &tls.Config{RootCAs: id.roots, ServerName: "localhost"})
			clientErr <- client.Handshake()
		}()

		conn, err := a.Handshake(context.Background(), serverSide, nil)
		require.NoError(t, err)
		require.NoError(t, <-clientErr)
		require.True(t, conn.ConnectionState().HandshakeComplete)

		require.NoError(t, conn.Close())
	})

	t.Run("failure closes the connection", func(t *testing.T) {
		serverSide, clientSide := tcpPair(t)

		_, err := clientSide.Write([]byte("SSH-2.0-OpenSSH_9.6\r\n"))
		require.NoError(t, err)

		_, err = a.Handshake(context.Background(), serverSide, nil)
		require.ErrorIs(t, err, ErrHandshake)

		_, err = serverSide.Write([]byte("x"))
		require.ErrorIs(t, err, net.ErrClosed)
	})

	require.Equal(t, int64(1), counter(t, reader, "tlslistener.handshakes.total"))
	require.Equal(t, int64(1), counter(t, reader, "tlslistener.handshakes.errors.total"))
	require.Equal(t, int64(0), counter(t, reader, "tlslistener.handshakes.in_flight"))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	require.Equal(t, "tls.handshake", ended[0].Name())
	require.Equal(t, codes.Unset, ended[0].Status().Code)
	require.Equal(t, codes.Error, ended[1].Status().Code)
}
