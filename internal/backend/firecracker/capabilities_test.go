package firecracker

import (
	"testing"

	"github.com/buildkite/subagent/internal/backend"
)

func TestCapabilitiesDeclareCheckpointsWithoutAllowlist(t *testing.T) {
	b, err := New(Config{RunDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	caps := backend.Capabilities(b)

	if !caps[backend.CapabilitySandboxCheckpoint] {
		t.Fatalf("expected %s=true", backend.CapabilitySandboxCheckpoint)
	}
	if caps[backend.CapabilityNetworkAllowlist] {
		t.Fatalf("expected %s=false", backend.CapabilityNetworkAllowlist)
	}
}
