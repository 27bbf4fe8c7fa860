package logger

import (
	"crypto/tls"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func Setup(dev bool) zerolog.Logger {
	return New(os.Stderr, dev)
}

// New builds the service logger writing to w. Dev mode logs at debug level
// through the console writer.
func New(w io.Writer, dev bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(w).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

// Conn returns a child logger tagged with a secured connection's identity
// and negotiated parameters.
func Conn(log zerolog.Logger, connID string, peer net.Addr, state tls.ConnectionState) zerolog.Logger {
	return log.With().
		Str("conn_id", connID).
		Str("peer", peer.String()).
		Str("sni", state.ServerName).
		Str("tls_version", tls.VersionName(state.Version)).
		Str("alpn", state.NegotiatedProtocol).
		Logger()
}
