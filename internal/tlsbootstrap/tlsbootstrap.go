// Package tlsbootstrap creates a private CA and a server certificate so the
// control API can be served over https without an external PKI.
package tlsbootstrap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	caCommonName     = "subagent-ca"
	serverCommonName = "subagent-server"
	defaultValidity  = 365 * 24 * time.Hour
)

// DefaultHosts are the SANs used when Options.Hosts is empty.
var DefaultHosts = []string{"localhost", "127.0.0.1", "::1"}

type Options struct {
	// Hosts are DNS names or IP addresses the server certificate covers.
	Hosts    []string
	Validity time.Duration
	// Force replaces existing material.
	Force bool
	Now   func() time.Time
}

// Material lists the files written by Init. File names match what
// tlsconfig discovers in the TLS directory.
type Material struct {
	CAPath    string
	CAKeyPath string
	CertPath  string
	KeyPath   string
}

type keyPair struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
	keyPEM  []byte
}

// Init writes ca.pem, ca.key, server.pem and server.key into dir.
func Init(dir string, opts Options) (Material, error) {
	if strings.TrimSpace(dir) == "" {
		return Material{}, errors.New("TLS directory is required")
	}
	m := Material{
		CAPath:    filepath.Join(dir, "ca.pem"),
		CAKeyPath: filepath.Join(dir, "ca.key"),
		CertPath:  filepath.Join(dir, "server.pem"),
		KeyPath:   filepath.Join(dir, "server.key"),
	}
	if !opts.Force {
		for _, path := range []string{m.CAPath, m.CertPath} {
			if _, err := os.Stat(path); err == nil {
				return Material{}, fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
		}
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	validity := opts.Validity
	if validity <= 0 {
		validity = defaultValidity
	}
	hosts := opts.Hosts
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}

	ca, err := newCA(now(), validity)
	if err != nil {
		return Material{}, err
	}
	server, err := issueServer(ca, hosts, now(), validity)
	if err != nil {
		return Material{}, fmt.Errorf("issue server certificate: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Material{}, fmt.Errorf("create TLS directory: %w", err)
	}
	for _, f := range []struct {
		path string
		data []byte
		perm os.FileMode
	}{
		{m.CAPath, ca.certPEM, 0o644},
		{m.CAKeyPath, ca.keyPEM, 0o600},
		{m.CertPath, server.certPEM, 0o644},
		{m.KeyPath, server.keyPEM, 0o600},
	} {
		if err := os.WriteFile(f.path, f.data, f.perm); err != nil {
			return Material{}, fmt.Errorf("write %s: %w", filepath.Base(f.path), err)
		}
	}
	return m, nil
}

func newCA(now time.Time, validity time.Duration) (*keyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: caCommonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	return encode(der, key)
}

func issueServer(ca *keyPair, hosts []string, now time.Time, validity time.Duration) (*keyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	dnsNames, ips := splitHosts(hosts)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: serverCommonName},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("create server certificate: %w", err)
	}
	return encode(der, key)
}

func encode(der []byte, key *ecdsa.PrivateKey) (*keyPair, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return &keyPair{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		keyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

func splitHosts(hosts []string) (dnsNames []string, ips []net.IP) {
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, h)
		}
	}
	return dnsNames, ips
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}
