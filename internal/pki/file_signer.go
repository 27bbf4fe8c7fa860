package pki

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/wolfeidau/tlslistener/internal/pemfile"
)

// NewFileSigner creates a Signer from PEM-encoded key and certificate files.
// The key may be PKCS8, PKCS1 (RSA) or SEC1 (EC). This is intended for local
// development only.
func NewFileSigner(caKeyPath, caCertPath string) (*Signer, error) {
	keyData, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key file: %w", err)
	}

	caKey, err := parseSigner(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA private key: %w", err)
	}

	certData, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert file: %w", err)
	}

	caCert, err := parseFirstCertificate(certData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return NewSigner(caCert, caKey)
}

func parseSigner(data []byte) (crypto.Signer, error) {
	items, err := pemfile.ReadAll(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		if item.Encrypted() {
			continue
		}
		var (
			key any
			err error
		)
		switch {
		case item.Kind == pemfile.KindPKCS8Key:
			key, err = x509.ParsePKCS8PrivateKey(item.Bytes)
		case item.Kind == pemfile.KindRSAKey:
			key, err = x509.ParsePKCS1PrivateKey(item.Bytes)
		case item.Label == "EC PRIVATE KEY":
			key, err = x509.ParseECPrivateKey(item.Bytes)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key type %T cannot sign", key)
		}
		return signer, nil
	}

	return nil, fmt.Errorf("no private key found")
}

func parseFirstCertificate(data []byte) (*x509.Certificate, error) {
	items, err := pemfile.ReadAll(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.Kind == pemfile.KindCertificate {
			return x509.ParseCertificate(item.Bytes)
		}
	}
	return nil, fmt.Errorf("no certificate found")
}
