package commands

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/wolfeidau/tlslistener/internal/credentials"
	"github.com/wolfeidau/tlslistener/internal/pemfile"
)

// InspectCmd lists the PEM blocks of each file and reports whether the file
// holds a usable server chain and key.
type InspectCmd struct {
	Files []string `arg:"" help:"PEM files to inspect" type:"existingfile"`

	out io.Writer `kong:"-"`
}

func (c *InspectCmd) Run(globals *Globals) error {
	w := outputOrStdout(c.out)

	for i, path := range c.Files {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if err := inspectFile(w, path); err != nil {
			return err
		}
	}
	return nil
}

func inspectFile(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	items, err := pemfile.ReadAll(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	fmt.Fprintf(w, "%s:\n", path)
	if len(items) == 0 {
		fmt.Fprintln(w, "  no PEM blocks")
		return nil
	}

	fmt.Fprintf(w, "  %-6s %-12s %s\n", "Line", "Kind", "Details")
	fmt.Fprintln(w, "  "+strings.Repeat("─", 70))
	for _, item := range items {
		fmt.Fprintf(w, "  %-6d %-12s %s\n", item.Line, item.Kind, describe(item))
	}

	fmt.Fprintf(w, "  server credentials: %s\n", usability(data))
	return nil
}

func describe(item *pemfile.Item) string {
	switch item.Kind {
	case pemfile.KindCertificate:
		cert, err := x509.ParseCertificate(item.Bytes)
		if err != nil {
			return fmt.Sprintf("invalid certificate: %v", err)
		}
		details := fmt.Sprintf("subject=%q issuer=%q expires=%s",
			cert.Subject.String(), cert.Issuer.String(), cert.NotAfter.UTC().Format(time.RFC3339))
		if len(cert.DNSNames) > 0 {
			details += " dns=" + strings.Join(cert.DNSNames, ",")
		}
		if cert.IsCA {
			details += " ca"
		}
		return details
	case pemfile.KindPKCS8Key:
		key, err := x509.ParsePKCS8PrivateKey(item.Bytes)
		if err != nil {
			return fmt.Sprintf("invalid key: %v", err)
		}
		return describeKey(key)
	case pemfile.KindRSAKey:
		key, err := x509.ParsePKCS1PrivateKey(item.Bytes)
		if err != nil {
			return fmt.Sprintf("invalid key: %v", err)
		}
		return describeKey(key)
	default:
		return fmt.Sprintf("%q ignored", item.Label)
	}
}

func describeKey(key any) string {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return fmt.Sprintf("RSA %d bits", k.N.BitLen())
	case *ecdsa.PrivateKey:
		return "ECDSA " + k.Curve.Params().Name
	case ed25519.PrivateKey:
		return "Ed25519"
	default:
		return fmt.Sprintf("%T", key)
	}
}

// usability reports whether data alone could configure a server.
func usability(data []byte) string {
	chain, err := credentials.LoadCertificates(bytes.NewReader(data))
	if err != nil {
		return err.Error()
	}
	key, err := credentials.LoadPrivateKey(bytes.NewReader(data))
	if err != nil {
		return err.Error()
	}
	if _, err := credentials.ServerConfig(chain, key); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("ok (%d certificates, %s key)", len(chain), key.Kind)
}
