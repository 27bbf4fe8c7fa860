package commands

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/wolfeidau/tlslistener/internal/certsource"
	"github.com/wolfeidau/tlslistener/internal/credentials"
	"github.com/wolfeidau/tlslistener/internal/listener"
	"github.com/wolfeidau/tlslistener/internal/logger"
	"github.com/wolfeidau/tlslistener/internal/server"
	"github.com/wolfeidau/tlslistener/internal/telemetry"
)

// ErrServerNameNotAllowed is returned to the handshake for an SNI value
// outside --allowed-names.
var ErrServerNameNotAllowed = errors.New("server name not allowed")

type ServeCmd struct {
	// Listener configuration
	Listen           string        `help:"listen address (host:port)" default:"0.0.0.0:8443" env:"TLSLISTENER_LISTEN"`
	Acceptors        int           `help:"number of concurrent accept loops" default:"4" env:"TLSLISTENER_ACCEPTORS"`
	HandshakeTimeout time.Duration `help:"maximum time for a client to complete the handshake" default:"10s" env:"TLSLISTENER_HANDSHAKE_TIMEOUT"`
	MaxConnections   int           `help:"maximum open connections, 0 for no limit" default:"0" env:"TLSLISTENER_MAX_CONNECTIONS"`
	DrainTimeout     time.Duration `help:"time to wait for connections on shutdown" default:"30s" env:"TLSLISTENER_DRAIN_TIMEOUT"`

	// Credentials
	Cert string   `help:"path to PEM certificate chain" env:"TLSLISTENER_TLS_CERT"`
	Key  string   `help:"path to PEM private key, defaults to --cert" env:"TLSLISTENER_TLS_KEY"`
	SSM  SSMFlags `embed:"" prefix:"ssm-"`

	// Negotiation
	MinVersion   string   `help:"minimum TLS version" default:"1.2" enum:"1.2,1.3" env:"TLSLISTENER_MIN_VERSION"`
	NextProtos   []string `help:"ALPN protocols offered to clients" env:"TLSLISTENER_NEXT_PROTOS"`
	AllowedNames []string `help:"server names accepted through SNI, empty accepts any" env:"TLSLISTENER_ALLOWED_NAMES"`

	Tracing bool `help:"enable OTLP tracing and metrics" default:"false" env:"TLSLISTENER_TRACING"`
}

type SSMFlags struct {
	Cert string `help:"SSM parameter holding the PEM certificate chain" env:"TLSLISTENER_SSM_CERT"`
	Key  string `help:"SSM parameter holding the PEM private key, defaults to --ssm-cert" env:"TLSLISTENER_SSM_KEY"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, log, telemetry.Config{
			ServiceName: "tlslistener",
			Version:     globals.Version,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
			shutdown = func(context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	src, err := certsource.New(ctx, certsource.Config{
		CertPath: c.Cert,
		KeyPath:  c.Key,
		CertSSM:  c.SSM.Cert,
		KeySSM:   c.SSM.Key,
	})
	if err != nil {
		return err
	}

	tlsConfig, err := certsource.LoadServerConfig(ctx, src, c.configOptions()...)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	ln, err := listener.Bind(ctx, c.Listen, tlsConfig,
		listener.WithLogger(log),
		listener.WithHandshakeTimeout(c.HandshakeTimeout),
		listener.WithMaxConnections(c.MaxConnections),
	)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithLogger(log),
		server.WithAcceptors(c.Acceptors),
		server.WithDrainTimeout(c.DrainTimeout),
	}
	if len(c.AllowedNames) > 0 {
		opts = append(opts, server.WithHandshakeFunc(allowServerNames(c.AllowedNames)))
	}

	return server.New(ln, server.EchoHandler(), opts...).Serve(ctx)
}

func (c *ServeCmd) configOptions() []credentials.ConfigOption {
	opts := []credentials.ConfigOption{}
	if c.MinVersion == "1.3" {
		opts = append(opts, credentials.WithMinVersion(tls.VersionTLS13))
	}
	if len(c.NextProtos) > 0 {
		opts = append(opts, credentials.WithNextProtos(c.NextProtos...))
	}
	return opts
}

// allowServerNames rejects handshakes whose SNI is not in names. Clients
// that send no server name are rejected too.
func allowServerNames(names []string) listener.HandshakeFunc {
	return func(hs *listener.Handshake) error {
		if !slices.Contains(names, hs.Hello.ServerName) {
			return fmt.Errorf("%w: %q", ErrServerNameNotAllowed, hs.Hello.ServerName)
		}
		return nil
	}
}
