// Package credentials turns PEM input into the certificate chain and private
// key a TLS server presents, and builds the server *tls.Config from them.
//
// Every function here blocks on I/O. Call them during startup, not per
// connection.
package credentials

import (
	"bytes"
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/wolfeidau/tlslistener/internal/pemfile"
)

var (
	// ErrIncompleteCredentials is returned when a chain or key is missing.
	ErrIncompleteCredentials = errors.New("incomplete credentials")
	ErrEmptyChain            = fmt.Errorf("%w: certificate chain is empty", ErrIncompleteCredentials)
	ErrNoPrivateKey          = fmt.Errorf("%w: no private key", ErrIncompleteCredentials)

	// ErrKeyMismatch is returned when crypto/tls rejects the key and chain pairing.
	ErrKeyMismatch = errors.New("private key does not match certificate chain")
)

// Certificate is one DER-encoded X.509 certificate.
type Certificate []byte

// Chain is a certificate chain, leaf first.
type Chain []Certificate

// KeyKind is the encoding of a private key.
type KeyKind int

const (
	KeyKindPKCS8 KeyKind = iota + 1
	KeyKindRSA
)

func (k KeyKind) String() string {
	switch k {
	case KeyKindPKCS8:
		return "pkcs8"
	case KeyKindRSA:
		return "rsa"
	default:
		return "unknown"
	}
}

// pemLabel is the PEM block type the key was read from.
func (k KeyKind) pemLabel() string {
	if k == KeyKindRSA {
		return pemfile.LabelRSAPrivateKey
	}
	return pemfile.LabelPKCS8Key
}

// PrivateKey is DER-encoded key material tagged with its encoding.
type PrivateKey struct {
	Kind KeyKind
	DER  []byte
}

// LoadCertificates returns every CERTIFICATE block in r, in input order.
// Input without certificates yields an empty chain and no error. The
// certificates are not parsed or validated here.
func LoadCertificates(r io.Reader) (Chain, error) {
	pr := pemfile.NewReader(r)
	chain := Chain{}
	for {
		item, err := pr.Next()
		if errors.Is(err, io.EOF) {
			return chain, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read certificates: %w", err)
		}
		if item.Kind == pemfile.KindCertificate {
			chain = append(chain, Certificate(item.Bytes))
		}
	}
}

// LoadCertificatesFile reads path and calls LoadCertificates.
func LoadCertificatesFile(path string) (Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	return LoadCertificates(bytes.NewReader(data))
}

// LoadPrivateKey returns the first PKCS8 or RSA key block in r. Any other
// block is skipped, as are key blocks with legacy encryption headers. It returns nil and no error when no key is present.
//
// Later key blocks are ignored even if the first one is not the key the
// caller wanted; callers holding several keys must filter their input.
func LoadPrivateKey(r io.Reader) (*PrivateKey, error) {
	pr := pemfile.NewReader(r)
	for {
		item, err := pr.Next()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		if item.Encrypted() {
			continue
		}
		switch item.Kind {
		case pemfile.KindPKCS8Key:
			return &PrivateKey{Kind: KeyKindPKCS8, DER: item.Bytes}, nil
		case pemfile.KindRSAKey:
			return &PrivateKey{Kind: KeyKindRSA, DER: item.Bytes}, nil
		}
	}
}

// LoadPrivateKeyFile reads path and calls LoadPrivateKey.
func LoadPrivateKeyFile(path string) (*PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return LoadPrivateKey(bytes.NewReader(data))
}

// ConfigOption overrides the negotiation defaults of crypto/tls.
type ConfigOption func(*tls.Config)

// WithMinVersion sets the lowest accepted protocol version.
func WithMinVersion(version uint16) ConfigOption {
	return func(c *tls.Config) { c.MinVersion = version }
}

// WithNextProtos sets the ALPN protocols offered to clients.
func WithNextProtos(protos ...string) ConfigOption {
	return func(c *tls.Config) { c.NextProtos = protos }
}

// WithCipherSuites restricts the TLS 1.0-1.2 cipher suites.
func WithCipherSuites(suites ...uint16) ConfigOption {
	return func(c *tls.Config) { c.CipherSuites = suites }
}

// ServerConfig builds a server configuration presenting chain and key.
// Client certificates are never requested.
//
// The returned config must not be modified once it is shared with a listener.
func ServerConfig(chain Chain, key *PrivateKey, opts ...ConfigOption) (*tls.Config, error) {
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	if key == nil || len(key.DER) == 0 {
		return nil, ErrNoPrivateKey
	}

	// tls.X509KeyPair performs the key parsing and public key comparison.
	var certPEM bytes.Buffer
	for _, cert := range chain {
		if err := pem.Encode(&certPEM, &pem.Block{Type: pemfile.LabelCertificate, Bytes: cert}); err != nil {
			return nil, fmt.Errorf("failed to encode certificate: %w", err)
		}
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: key.Kind.pemLabel(), Bytes: key.DER})

	certificate, err := tls.X509KeyPair(certPEM.Bytes(), keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyMismatch, err)
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
	}
	for _, opt := range opts {
		opt(config)
	}
	config.ClientAuth = tls.NoClientCert

	return config, nil
}

// LoadServerConfig loads the chain from certPath and the key from keyPath
// and builds a server configuration.
func LoadServerConfig(certPath, keyPath string, opts ...ConfigOption) (*tls.Config, error) {
	chain, err := LoadCertificatesFile(certPath)
	if err != nil {
		return nil, err
	}

	key, err := LoadPrivateKeyFile(keyPath)
	if err != nil {
		return nil, err
	}

	return ServerConfig(chain, key, opts...)
}
