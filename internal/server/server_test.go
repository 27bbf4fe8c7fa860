package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tlslistener/internal/credentials"
	"github.com/wolfeidau/tlslistener/internal/listener"
	"github.com/wolfeidau/tlslistener/internal/pki"
)

type testServer struct {
	addr   string
	roots  *x509.CertPool
	srv    *Server
	cancel context.CancelFunc
	done   chan error
}

func serverConfig(t *testing.T) (*tls.Config, *x509.CertPool) {
	t.Helper()

	cert, err := pki.SelfSigned(pki.Request{
		CommonName:  "localhost",
		DNSNames:    []string{"localhost", "blocked.example"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
	})
	require.NoError(t, err)
	keyPEM, err := cert.KeyPEM(pki.FormatPKCS8)
	require.NoError(t, err)

	chain, err := credentials.LoadCertificates(bytes.NewReader(cert.CertPEM()))
	require.NoError(t, err)
	key, err := credentials.LoadPrivateKey(bytes.NewReader(keyPEM))
	require.NoError(t, err)
	config, err := credentials.ServerConfig(chain, key)
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(cert.Leaf)
	return config, roots
}

func startServer(t *testing.T, handler Handler, opts ...Option) *testServer {
	t.Helper()

	config, roots := serverConfig(t)
	ln, err := listener.Bind(context.Background(), "127.0.0.1:0", config,
		listener.WithHandshakeTimeout(time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		addr:   ln.Addr().String(),
		roots:  roots,
		srv:    New(ln, handler, opts...),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { ts.done <- ts.srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-ts.done
	})
	return ts
}

func (ts *testServer) dial(serverName string) (*tls.Conn, error) {
	return tls.Dial("tcp", ts.addr, &tls.Config{RootCAs: ts.roots, ServerName: serverName})
}

func (ts *testServer) stop(t *testing.T) error {
	t.Helper()
	ts.cancel()
	select {
	case err := <-ts.done:
		ts.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

func echo(conn *tls.Conn, msg string) (string, error) {
	if _, err := io.WriteString(conn, msg); err != nil {
		return "", err
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func TestServe_Echo(t *testing.T) {
	ts := startServer(t, EchoHandler(), WithAcceptors(3))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := ts.dial("localhost")
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()

			msg := fmt.Sprintf("hello from %02d", i)
			got, err := echo(conn, msg)
			if err != nil {
				errs <- err
				return
			}
			if got != msg {
				errs <- fmt.Errorf("got %q, want %q", got, msg)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, ts.stop(t))

	_, err := net.DialTimeout("tcp", ts.addr, time.Second)
	require.Error(t, err, "listener should be closed after shutdown")
}

func TestServe_HandshakeFailureDoesNotStopServing(t *testing.T) {
	ts := startServer(t, EchoHandler())

	garbage, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	_, err = garbage.Write([]byte("\x00\x01\x02\x03\x04\x05\x06\x07"))
	require.NoError(t, err)
	// The server drops the connection; a reset is as good as EOF here.
	_, _ = io.ReadAll(garbage)
	require.NoError(t, garbage.Close())

	conn, err := ts.dial("localhost")
	require.NoError(t, err)
	defer conn.Close()

	got, err := echo(conn, "still here")
	require.NoError(t, err)
	require.Equal(t, "still here", got)
}

func TestServe_HandshakeFunc(t *testing.T) {
	errBlocked := errors.New("server name not allowed")
	ts := startServer(t, EchoHandler(), WithHandshakeFunc(func(hs *listener.Handshake) error {
		if hs.Hello.ServerName == "blocked.example" {
			return errBlocked
		}
		return nil
	}))

	_, err := ts.dial("blocked.example")
	require.Error(t, err)

	conn, err := ts.dial("localhost")
	require.NoError(t, err)
	defer conn.Close()

	got, err := echo(conn, "allowed")
	require.NoError(t, err)
	require.Equal(t, "allowed", got)
}

func TestServe_ShutdownCancelsHandlers(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	ts := startServer(t, HandlerFunc(func(ctx context.Context, conn *tls.Conn) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	}))

	conn, err := ts.dial("localhost")
	require.NoError(t, err)
	defer conn.Close()

	<-started
	require.Equal(t, 1, ts.srv.ActiveConnections())

	require.NoError(t, ts.stop(t))
	require.True(t, cancelled.Load())
	require.Zero(t, ts.srv.ActiveConnections())
}

func TestServe_DrainTimeoutClosesConnections(t *testing.T) {
	started := make(chan struct{})
	ts := startServer(t, HandlerFunc(func(ctx context.Context, conn *tls.Conn) {
		close(started)
		// Ignores ctx; only a closed connection ends the read.
		_, _ = io.Copy(io.Discard, conn)
	}), WithDrainTimeout(50*time.Millisecond))

	conn, err := ts.dial("localhost")
	require.NoError(t, err)
	defer conn.Close()

	<-started
	require.NoError(t, ts.stop(t))
	require.Zero(t, ts.srv.ActiveConnections())
}

// flakyListener fails the first failures accepts, then blocks until closed.
type flakyListener struct {
	failures int32
	calls    atomic.Int32
	closed   chan struct{}
	once     sync.Once
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.calls.Add(1) <= l.failures {
		return nil, errors.New("accept4: too many open files")
	}
	<-l.closed
	return nil, net.ErrClosed
}

func (l *flakyListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *flakyListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestServe_AcceptErrorsBackOff(t *testing.T) {
	config, _ := serverConfig(t)
	raw := &flakyListener{failures: 3, closed: make(chan struct{})}

	ln, err := listener.New(raw, config)
	require.NoError(t, err)

	srv := New(ln, EchoHandler(), WithAcceptBackoff(time.Millisecond, 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return raw.calls.Load() > raw.failures
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestEchoHandler_StopsOnCancel(t *testing.T) {
	config, roots := serverConfig(t)
	ln, err := listener.Bind(context.Background(), "127.0.0.1:0", config)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *tls.Conn, 1)
	go func() {
		conn, _, err := ln.AcceptTLS(context.Background())
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{RootCAs: roots, ServerName: "localhost"})
	require.NoError(t, err)
	defer client.Close()

	conn := <-accepted
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		EchoHandler().ServeTLS(ctx, conn)
		close(finished)
	}()

	got, err := echo(client, "ping")
	require.NoError(t, err)
	require.Equal(t, "ping", got)

	cancel()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("echo handler ignored cancellation")
	}
}
