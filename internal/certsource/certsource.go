// Package certsource fetches the server's PEM credentials from local files
// or AWS SSM Parameter Store and turns them into a server *tls.Config.
package certsource

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/wolfeidau/tlslistener/internal/credentials"
)

// ErrNoValue is returned for an SSM parameter without a value.
var ErrNoValue = errors.New("parameter has no value")

// Bundle holds the PEM text of a certificate chain and its private key.
// Both may be the same document.
type Bundle struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Config selects where credentials come from. SSM parameters take precedence
// over file paths. An empty key location reuses the certificate location, for
// bundles holding both.
type Config struct {
	// File paths (for local development)
	CertPath string
	KeyPath  string

	// SSM parameter names (for production)
	CertSSM string
	KeySSM  string
}

// Source loads a Bundle.
type Source interface {
	Load(ctx context.Context) (*Bundle, error)
}

// New returns the Source described by cfg. SSM sources use the default AWS
// configuration chain.
func New(ctx context.Context, cfg Config) (Source, error) {
	if cfg.CertSSM != "" {
		awsConfig, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return NewSSM(ssm.NewFromConfig(awsConfig), cfg.CertSSM, cfg.KeySSM), nil
	}

	if cfg.CertPath == "" {
		return nil, errors.New("certificate path or SSM parameter is required")
	}
	return NewFiles(cfg.CertPath, cfg.KeyPath), nil
}

// Files reads credentials from disk.
type Files struct {
	certPath string
	keyPath  string
}

func NewFiles(certPath, keyPath string) *Files {
	if keyPath == "" {
		keyPath = certPath
	}
	return &Files{certPath: certPath, keyPath: keyPath}
}

func (f *Files) Load(_ context.Context) (*Bundle, error) {
	certPEM, err := os.ReadFile(f.certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read server cert: %w", err)
	}

	keyPEM := certPEM
	if f.keyPath != f.certPath {
		keyPEM, err = os.ReadFile(f.keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read server key: %w", err)
		}
	}

	return &Bundle{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// ParameterGetter is the subset of the SSM client used here.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSM reads credentials from Parameter Store, decrypting SecureString values.
type SSM struct {
	client    ParameterGetter
	certParam string
	keyParam  string
}

func NewSSM(client ParameterGetter, certParam, keyParam string) *SSM {
	if keyParam == "" {
		keyParam = certParam
	}
	return &SSM{client: client, certParam: certParam, keyParam: keyParam}
}

func (s *SSM) Load(ctx context.Context) (*Bundle, error) {
	certPEM, err := s.getParameter(ctx, s.certParam)
	if err != nil {
		return nil, fmt.Errorf("failed to load server cert from SSM: %w", err)
	}

	keyPEM := certPEM
	if s.keyParam != s.certParam {
		keyPEM, err = s.getParameter(ctx, s.keyParam)
		if err != nil {
			return nil, fmt.Errorf("failed to load server key from SSM: %w", err)
		}
	}

	return &Bundle{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

func (s *SSM) getParameter(ctx context.Context, name string) ([]byte, error) {
	output, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoValue, name)
	}
	return []byte(*output.Parameter.Value), nil
}

// ServerConfig decodes the bundle through the credentials loader.
func (b *Bundle) ServerConfig(opts ...credentials.ConfigOption) (*tls.Config, error) {
	chain, err := credentials.LoadCertificates(bytes.NewReader(b.CertPEM))
	if err != nil {
		return nil, err
	}

	key, err := credentials.LoadPrivateKey(bytes.NewReader(b.KeyPEM))
	if err != nil {
		return nil, err
	}

	return credentials.ServerConfig(chain, key, opts...)
}

// LoadServerConfig loads credentials from src and builds the server config.
func LoadServerConfig(ctx context.Context, src Source, opts ...credentials.ConfigOption) (*tls.Config, error) {
	bundle, err := src.Load(ctx)
	if err != nil {
		return nil, err
	}
	return bundle.ServerConfig(opts...)
}
