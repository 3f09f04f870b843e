package endpoint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResolveUnixForms(t *testing.T) {
	for _, raw := range []string{"unix:///tmp/sa.sock", "/tmp/sa.sock"} {
		ep, err := Resolve(raw)
		if err != nil {
			t.Fatalf("resolve %q: %v", raw, err)
		}
		if ep.Scheme != "unix" || ep.Address != "/tmp/sa.sock" || ep.BaseURL != "http://unix" {
			t.Fatalf("unexpected endpoint for %q: %+v", raw, ep)
		}
	}
}

func TestResolveHTTPTrimsTrailingSlash(t *testing.T) {
	ep, err := Resolve("https://subagent.internal:8443/")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ep.Scheme != "https" {
		t.Fatalf("expected https scheme, got %q", ep.Scheme)
	}
	if ep.BaseURL != "https://subagent.internal:8443" {
		t.Fatalf("unexpected base url: got %q", ep.BaseURL)
	}
}

func TestResolveRejectsUnknownScheme(t *testing.T) {
	_, err := Resolve("tcp://localhost:1")
	if err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	if !strings.Contains(err.Error(), "unsupported endpoint") {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Resolve("unix://"); err == nil {
		t.Fatal("expected error for empty unix path")
	}
}

func TestResolveUsesHostEnv(t *testing.T) {
	t.Setenv(HostEnv, "unix:///run/custom.sock")
	ep, err := Resolve("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ep.Address != "/run/custom.sock" {
		t.Fatalf("expected env endpoint, got %q", ep.Address)
	}
}

func TestDefaultListenUsesRuntimeDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(HostEnv, "")
	t.Setenv("XDG_RUNTIME_DIR", dir)

	ep, err := ResolveListen("")
	if err != nil {
		t.Fatalf("resolve listen: %v", err)
	}
	if want := filepath.Join(dir, "subagent", "subagent.sock"); ep.Address != want {
		t.Fatalf("unexpected default socket: got %q want %q", ep.Address, want)
	}
}

type fakeSocketInfo struct{ os.FileInfo }

func (fakeSocketInfo) IsDir() bool { return false }
func (fakeSocketInfo) Mode() os.FileMode { return os.ModeSocket }
func (fakeSocketInfo) ModTime() time.Time { return time.Time{} }

func TestDefaultClientPrefersSystemSocketForRoot(t *testing.T) {
	t.Setenv(HostEnv, "")
	origStat, origEuid := endpointStat, endpointGeteuid
	t.Cleanup(func() { endpointStat, endpointGeteuid = origStat, origEuid })

	endpointGeteuid = func() int { return 0 }
	endpointStat = func(string) (os.FileInfo, error) { return fakeSocketInfo{}, nil }

	ep, err := Resolve("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ep.Address != DefaultSystemSocketPath {
		t.Fatalf("expected system socket, got %q", ep.Address)
	}
}
