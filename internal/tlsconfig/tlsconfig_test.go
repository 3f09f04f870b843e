package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSelfSigned(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "subagent-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certPath = filepath.Join(dir, serverCertFile)
	keyPath = filepath.Join(dir, serverKeyFile)
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}

func TestResolveServerReturnsNilWithoutMaterial(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := ResolveServer(Options{})
	if err != nil {
		t.Fatalf("ResolveServer: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config, got %+v", cfg)
	}
}

func TestResolveServerDiscoversTLSDir(t *testing.T) {
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)
	dir := filepath.Join(configHome, "subagent", "tls")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeSelfSigned(t, dir)

	cfg, err := ResolveServer(Options{})
	if err != nil {
		t.Fatalf("ResolveServer: %v", err)
	}
	if cfg == nil || len(cfg.Certificates) != 1 {
		t.Fatalf("expected discovered certificate, got %+v", cfg)
	}
}

func TestResolveClientUsesExplicitCA(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	certPath, _ := writeSelfSigned(t, t.TempDir())

	cfg, err := ResolveClient(Options{CAPath: certPath})
	if err != nil {
		t.Fatalf("ResolveClient: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Fatal("expected RootCAs from explicit CA")
	}
}

func TestResolveClientRejectsClientCertificates(t *testing.T) {
	t.Parallel()

	if _, err := ResolveClient(Options{CertPath: "/tmp/client.pem"}); err == nil {
		t.Fatal("expected error for client certificate")
	}
}
