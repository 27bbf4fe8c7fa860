package pki

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSelfSigned(t *testing.T) {
	t.Run("ecdsa by default", func(t *testing.T) {
		cert, err := SelfSigned(Request{CommonName: "localhost", DNSNames: []string{"localhost"}})
		require.NoError(t, err)
		require.IsType(t, &ecdsa.PrivateKey{}, cert.Key)
		require.Equal(t, "localhost", cert.Leaf.Subject.CommonName)
		require.Equal(t, []string{"localhost"}, cert.Leaf.DNSNames)
		require.Empty(t, cert.Chain)
		require.Equal(t, x509.KeyUsageDigitalSignature, cert.Leaf.KeyUsage)
		require.True(t, cert.Leaf.NotAfter.After(time.Now().Add(364*24*time.Hour)))
	})

	t.Run("rsa with ip address", func(t *testing.T) {
		cert, err := SelfSigned(Request{
			CommonName:  "127.0.0.1",
			IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
			Algorithm:   AlgorithmRSA,
			ValidFor:    time.Hour,
		})
		require.NoError(t, err)
		require.IsType(t, &rsa.PrivateKey{}, cert.Key)
		require.Len(t, cert.Leaf.IPAddresses, 1)
		require.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, cert.Leaf.KeyUsage)
		require.True(t, cert.Leaf.NotAfter.Before(time.Now().Add(2*time.Hour)))
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		_, err := SelfSigned(Request{CommonName: "x", Algorithm: "dsa"})
		require.Error(t, err)
	})
}

func TestKeyPEM(t *testing.T) {
	rsaCert, err := SelfSigned(Request{CommonName: "rsa", Algorithm: AlgorithmRSA})
	require.NoError(t, err)
	ecCert, err := SelfSigned(Request{CommonName: "ec"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		cert      *Certificate
		format    KeyFormat
		wantLabel string
		wantErr   bool
	}{
		{name: "rsa pkcs8", cert: rsaCert, format: FormatPKCS8, wantLabel: "PRIVATE KEY"},
		{name: "rsa pkcs1", cert: rsaCert, format: FormatPKCS1, wantLabel: "RSA PRIVATE KEY"},
		{name: "ecdsa pkcs8", cert: ecCert, format: FormatPKCS8, wantLabel: "PRIVATE KEY"},
		{name: "ecdsa pkcs1", cert: ecCert, format: FormatPKCS1, wantErr: true},
		{name: "unknown format", cert: ecCert, format: "jwk", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.cert.KeyPEM(tt.format)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			block, _ := pem.Decode(out)
			require.NotNil(t, block)
			require.Equal(t, tt.wantLabel, block.Type)
		})
	}
}

func TestIssue(t *testing.T) {
	ca, err := SelfSigned(Request{CommonName: "test-ca", IsCA: true})
	require.NoError(t, err)

	signer, err := NewSigner(ca.Leaf, ca.Key)
	require.NoError(t, err)

	leaf, err := Issue(signer, Request{CommonName: "server", DNSNames: []string{"server.test"}})
	require.NoError(t, err)
	require.Equal(t, [][]byte{ca.DER}, leaf.Chain)

	pool := x509.NewCertPool()
	pool.AddCert(ca.Leaf)
	_, err = leaf.Leaf.Verify(x509.VerifyOptions{DNSName: "server.test", Roots: pool})
	require.NoError(t, err)

	rest := leaf.CertPEM()
	var blocks []*pem.Block
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		blocks = append(blocks, block)
	}
	require.Len(t, blocks, 2)
	require.Equal(t, leaf.DER, blocks[0].Bytes)
	require.Equal(t, ca.DER, blocks[1].Bytes)
}

func TestNewSigner(t *testing.T) {
	ca, err := SelfSigned(Request{CommonName: "ca", IsCA: true})
	require.NoError(t, err)
	other, err := SelfSigned(Request{CommonName: "other", IsCA: true})
	require.NoError(t, err)
	notCA, err := SelfSigned(Request{CommonName: "leaf"})
	require.NoError(t, err)

	t.Run("mismatched key", func(t *testing.T) {
		_, err := NewSigner(ca.Leaf, other.Key)
		require.ErrorIs(t, err, ErrKeyMismatch)
	})

	t.Run("not a CA", func(t *testing.T) {
		_, err := NewSigner(notCA.Leaf, notCA.Key)
		require.Error(t, err)
	})
}

func TestNewFileSigner(t *testing.T) {
	dir := t.TempDir()

	ca, err := SelfSigned(Request{CommonName: "file-ca", IsCA: true, Algorithm: AlgorithmRSA})
	require.NoError(t, err)

	certPath := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(certPath, ca.CertPEM(), 0o600))

	for _, format := range []KeyFormat{FormatPKCS8, FormatPKCS1} {
		t.Run(string(format), func(t *testing.T) {
			keyPEM, err := ca.KeyPEM(format)
			require.NoError(t, err)

			keyPath := filepath.Join(dir, string(format)+".key")
			require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))

			signer, err := NewFileSigner(keyPath, certPath)
			require.NoError(t, err)

			got, err := signer.GetCACertificate()
			require.NoError(t, err)
			require.Equal(t, "file-ca", got.Subject.CommonName)
		})
	}

	t.Run("missing key file", func(t *testing.T) {
		_, err := NewFileSigner(filepath.Join(dir, "nope.key"), certPath)
		require.Error(t, err)
	})

	t.Run("skips legacy-encrypted key", func(t *testing.T) {
		keyPEM, err := ca.KeyPEM(FormatPKCS8)
		require.NoError(t, err)
		encrypted := pem.EncodeToMemory(&pem.Block{
			Type: "RSA PRIVATE KEY",
			Headers: map[string]string{
				"Proc-Type": "4,ENCRYPTED",
				"DEK-Info":  "AES-128-CBC,00112233445566778899AABBCCDDEEFF",
			},
			Bytes: make([]byte, 64),
		})

		keyPath := filepath.Join(dir, "encrypted-first.key")
		require.NoError(t, os.WriteFile(keyPath, append(encrypted, keyPEM...), 0o600))

		_, err = NewFileSigner(keyPath, certPath)
		require.NoError(t, err)
	})

	t.Run("key file without key", func(t *testing.T) {
		_, err := NewFileSigner(certPath, certPath)
		require.Error(t, err)
	})
}
