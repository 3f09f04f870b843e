// Package tlsconfig loads TLS material for https control and sandbox endpoints.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildkite/subagent/internal/paths"
)

const (
	serverCertFile = "server.pem"
	serverKeyFile  = "server.key"
	caFile         = "ca.pem"
)

// Options holds explicit TLS paths from flags or config. Empty fields fall
// back to files in paths.TLSDir.
type Options struct {
	CertPath string `yaml:"cert_path,omitempty"`
	KeyPath  string `yaml:"key_path,omitempty"`
	CAPath   string `yaml:"ca_path,omitempty"`
}

// ResolveServer returns nil, nil when no key pair is configured or
// discovered.
func ResolveServer(opts Options) (*tls.Config, error) {
	certPath := firstExisting(opts.CertPath, serverCertFile)
	keyPath := firstExisting(opts.KeyPath, serverKeyFile)
	if certPath == "" || keyPath == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

// ResolveClient verifies servers against ca.pem when one is configured or
// discovered, and against the system roots otherwise.
func ResolveClient(opts Options) (*tls.Config, error) {
	if opts.CertPath != "" || opts.KeyPath != "" {
		return nil, errors.New("client certificates are not supported")
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS13}
	caPath := firstExisting(opts.CAPath, caFile)
	if caPath == "" {
		return cfg, nil
	}

	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no valid certificates found in CA file %s", caPath)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// firstExisting returns explicit as-is, or the named file in the TLS
// directory when it exists.
func firstExisting(explicit, name string) string {
	if explicit != "" {
		return explicit
	}
	dir, err := paths.TLSDir()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}
