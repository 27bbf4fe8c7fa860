package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
)

// CASigner signs certificate templates.
// Implementations include Signer (in-memory CA key) and the file-backed
// variant returned by NewFileSigner.
type CASigner interface {
	// SignCertificate signs template for pub and returns the DER-encoded certificate.
	// The template must be fully populated (subject, validity, extensions).
	SignCertificate(template *x509.Certificate, pub crypto.PublicKey) ([]byte, error)

	// GetCACertificate returns the CA certificate, used to build chains.
	GetCACertificate() (*x509.Certificate, error)
}

var ErrKeyMismatch = errors.New("public keys do not match")

// Signer implements CASigner with a CA key held in memory.
type Signer struct {
	caKey  crypto.Signer
	caCert *x509.Certificate
}

// NewSigner pairs a CA certificate with its private key.
func NewSigner(caCert *x509.Certificate, caKey crypto.Signer) (*Signer, error) {
	if !caCert.IsCA {
		return nil, fmt.Errorf("certificate %q is not a CA", caCert.Subject.CommonName)
	}
	if err := verifyCertKeyPair(caCert, caKey); err != nil {
		return nil, fmt.Errorf("CA key and certificate do not match: %w", err)
	}
	return &Signer{caKey: caKey, caCert: caCert}, nil
}

// SignCertificate signs template using the CA private key.
func (s *Signer) SignCertificate(template *x509.Certificate, pub crypto.PublicKey) ([]byte, error) {
	return x509.CreateCertificate(rand.Reader, template, s.caCert, pub, s.caKey)
}

// GetCACertificate returns the CA certificate.
func (s *Signer) GetCACertificate() (*x509.Certificate, error) {
	return s.caCert, nil
}

// verifyCertKeyPair checks that a certificate's public key matches a private key
func verifyCertKeyPair(cert *x509.Certificate, key crypto.Signer) error {
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return fmt.Errorf("unsupported key type %T", key)
	}
	if !pub.Equal(cert.PublicKey) {
		return ErrKeyMismatch
	}
	return nil
}
