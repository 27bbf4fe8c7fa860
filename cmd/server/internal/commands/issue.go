package commands

import (
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/wolfeidau/tlslistener/internal/pki"
)

// IssueCmd writes a certificate and key for local development, self-signed
// unless a CA is given.
type IssueCmd struct {
	Name       string        `help:"base name of the output files" default:"server"`
	OutputDir  string        `help:"directory for the output files" default:"." type:"path"`
	CommonName string        `help:"certificate common name" default:"localhost"`
	DNSNames   []string      `name:"dns" help:"DNS subject alternative names" default:"localhost"`
	IPs        []string      `name:"ip" help:"IP subject alternative names" default:"127.0.0.1,::1"`
	ValidFor   time.Duration `help:"certificate lifetime" default:"8760h"`
	Algorithm  string        `help:"key algorithm" default:"ecdsa" enum:"ecdsa,rsa"`
	KeyFormat  string        `help:"private key encoding, pkcs1 needs an rsa key" default:"pkcs8" enum:"pkcs8,pkcs1"`
	IsCA       bool          `name:"ca" help:"issue a CA certificate"`
	CACert     string        `help:"sign with this CA certificate instead of self-signing" type:"existingfile"`
	CAKey      string        `help:"private key of --ca-cert" type:"existingfile"`
	Force      bool          `help:"overwrite existing files"`

	out io.Writer `kong:"-"`
}

func (c *IssueCmd) Run(globals *Globals) error {
	w := outputOrStdout(c.out)

	if c.KeyFormat == string(pki.FormatPKCS1) && c.Algorithm != string(pki.AlgorithmRSA) {
		return errors.New("pkcs1 key format requires --algorithm=rsa")
	}
	if (c.CACert == "") != (c.CAKey == "") {
		return errors.New("--ca-cert and --ca-key must be given together")
	}

	req := pki.Request{
		CommonName: c.CommonName,
		DNSNames:   c.DNSNames,
		ValidFor:   c.ValidFor,
		Algorithm:  pki.KeyAlgorithm(c.Algorithm),
		IsCA:       c.IsCA,
	}
	for _, s := range c.IPs {
		ip := net.ParseIP(s)
		if ip == nil {
			return fmt.Errorf("invalid IP address %q", s)
		}
		req.IPAddresses = append(req.IPAddresses, ip)
	}

	var (
		cert *pki.Certificate
		err  error
	)
	if c.CACert != "" {
		signer, serr := pki.NewFileSigner(c.CAKey, c.CACert)
		if serr != nil {
			return fmt.Errorf("failed to load CA: %w", serr)
		}
		cert, err = pki.Issue(signer, req)
	} else {
		cert, err = pki.SelfSigned(req)
	}
	if err != nil {
		return fmt.Errorf("failed to issue certificate: %w", err)
	}

	keyPEM, err := cert.KeyPEM(pki.KeyFormat(c.KeyFormat))
	if err != nil {
		return err
	}

	certPath := filepath.Join(c.OutputDir, c.Name+".crt")
	keyPath := filepath.Join(c.OutputDir, c.Name+".key")

	if !c.Force {
		for _, path := range []string{certPath, keyPath} {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
		}
	}

	if err := c.writeFile(certPath, cert.CertPEM(), 0o644); err != nil {
		return err
	}
	if err := c.writeFile(keyPath, keyPEM, 0o600); err != nil {
		_ = os.Remove(certPath)
		return err
	}

	fmt.Fprintf(w, "Issued certificate: %s\n", certPath)
	fmt.Fprintf(w, "Private key:        %s (%s)\n", keyPath, c.KeyFormat)
	fmt.Fprintf(w, "Subject:            %s\n", cert.Leaf.Subject.String())
	fmt.Fprintf(w, "Expires:            %s\n", cert.Leaf.NotAfter.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Fingerprint:        %s\n", fingerprint(cert.Leaf))
	return nil
}

func (c *IssueCmd) writeFile(path string, data []byte, perm os.FileMode) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !c.Force {
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		}
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return fmt.Sprintf("SHA256:%X", sum[:])
}
