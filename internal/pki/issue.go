package pki

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// KeyAlgorithm selects the key type generated for a certificate.
type KeyAlgorithm string

const (
	AlgorithmECDSA KeyAlgorithm = "ecdsa"
	AlgorithmRSA   KeyAlgorithm = "rsa"
)

// KeyFormat selects the PEM encoding of a private key.
type KeyFormat string

const (
	// FormatPKCS8 writes a "PRIVATE KEY" block.
	FormatPKCS8 KeyFormat = "pkcs8"
	// FormatPKCS1 writes an "RSA PRIVATE KEY" block; RSA keys only.
	FormatPKCS1 KeyFormat = "pkcs1"
)

const defaultValidity = 365 * 24 * time.Hour

// Request describes a certificate to issue.
type Request struct {
	CommonName  string
	DNSNames    []string
	IPAddresses []net.IP
	ValidFor    time.Duration
	Algorithm   KeyAlgorithm
	IsCA        bool
}

// Certificate is an issued certificate together with its private key.
type Certificate struct {
	Leaf *x509.Certificate
	DER  []byte
	// Chain holds the issuing certificates, nearest first. Empty for self-signed.
	Chain [][]byte
	Key   crypto.Signer
}

// GenerateKey creates a new private key for alg. RSA keys are 2048 bits.
func GenerateKey(alg KeyAlgorithm) (crypto.Signer, error) {
	switch alg {
	case AlgorithmRSA:
		return rsa.GenerateKey(rand.Reader, 2048)
	case AlgorithmECDSA, "":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported key algorithm %q", alg)
	}
}

// Template builds the certificate template for req with a random serial number.
func Template(req Request) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	validFor := req.ValidFor
	if validFor <= 0 {
		validFor = defaultValidity
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: req.CommonName,
		},
		DNSNames:              req.DNSNames,
		IPAddresses:           req.IPAddresses,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if req.Algorithm == AlgorithmRSA {
		template.KeyUsage |= x509.KeyUsageKeyEncipherment
	}

	if req.IsCA {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign
	}

	return template, nil
}

// SelfSigned issues a certificate signed by its own key.
func SelfSigned(req Request) (*Certificate, error) {
	key, err := GenerateKey(req.Algorithm)
	if err != nil {
		return nil, err
	}

	template, err := Template(req)
	if err != nil {
		return nil, err
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return newCertificate(der, nil, key)
}

// Issue creates a key and a certificate for req signed by signer.
func Issue(signer CASigner, req Request) (*Certificate, error) {
	caCert, err := signer.GetCACertificate()
	if err != nil {
		return nil, fmt.Errorf("failed to get CA certificate: %w", err)
	}

	key, err := GenerateKey(req.Algorithm)
	if err != nil {
		return nil, err
	}

	template, err := Template(req)
	if err != nil {
		return nil, err
	}

	der, err := signer.SignCertificate(template, key.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}

	return newCertificate(der, [][]byte{caCert.Raw}, key)
}

func newCertificate(der []byte, chain [][]byte, key crypto.Signer) (*Certificate, error) {
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issued certificate: %w", err)
	}
	return &Certificate{Leaf: leaf, DER: der, Chain: chain, Key: key}, nil
}

// CertPEM encodes the leaf followed by its chain.
func (c *Certificate) CertPEM() []byte {
	var buf bytes.Buffer
	_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: c.DER})
	for _, der := range c.Chain {
		_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	}
	return buf.Bytes()
}

// KeyPEM encodes the private key in the requested format.
func (c *Certificate) KeyPEM(format KeyFormat) ([]byte, error) {
	switch format {
	case FormatPKCS8, "":
		der, err := x509.MarshalPKCS8PrivateKey(c.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal private key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
	case FormatPKCS1:
		rsaKey, ok := c.Key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("pkcs1 requires an RSA key, got %T", c.Key)
		}
		return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)}), nil
	default:
		return nil, fmt.Errorf("unsupported key format %q", format)
	}
}
