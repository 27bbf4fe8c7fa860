package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"

	"github.com/rs/zerolog"
)

// Handler serves one secured connection. The server closes conn after
// ServeTLS returns. ctx is cancelled when the server shuts down.
type Handler interface {
	ServeTLS(ctx context.Context, conn *tls.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *tls.Conn)

func (f HandlerFunc) ServeTLS(ctx context.Context, conn *tls.Conn) {
	f(ctx, conn)
}

// EchoHandler writes everything it reads back to the peer until the peer
// closes its side or the server shuts down.
func EchoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, conn *tls.Conn) {
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		defer stop()

		n, err := io.Copy(conn, conn)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			zerolog.Ctx(ctx).Debug().Err(err).Int64("bytes", n).Msg("echo stopped")
			return
		}
		zerolog.Ctx(ctx).Debug().Int64("bytes", n).Msg("echo finished")
	})
}
