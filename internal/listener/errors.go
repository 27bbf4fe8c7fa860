package listener

import "errors"

var (
	// ErrBind is returned when no resolved address could be bound.
	ErrBind = errors.New("bind failed")

	// ErrHandshake wraps every TLS handshake failure. The underlying protocol
	// or network error stays in the chain.
	ErrHandshake = errors.New("tls handshake failed")

	// ErrCustomizer wraps an error returned by a HandshakeFunc.
	ErrCustomizer = errors.New("handshake customizer")

	// ErrDetached is returned by accept calls after IntoRaw.
	ErrDetached = errors.New("listener socket detached")

	// ErrNoCertificates is returned for a config that cannot present a certificate.
	ErrNoCertificates = errors.New("tls config has no certificates")
)
