package backend

import (
	"context"
	"reflect"
	"testing"
)

type testClient struct{}

func (testClient) Name() string { return "test" }

func (testClient) Get(context.Context, string) (*Info, error) { return nil, nil }

func (testClient) Create(_ context.Context, name string) (*Info, error) {
	return &Info{Name: name}, nil
}

func (testClient) Delete(context.Context, string) error { return nil }

func (testClient) Exec(context.Context, string, []string, ExecOptions) (*ExecResult, error) {
	return &ExecResult{}, nil
}

func (testClient) DownloadFile(context.Context, string, string) ([]byte, error) {
	return []byte("ok"), nil
}

func (testClient) List(context.Context, string) ([]Info, error) { return nil, nil }

func (testClient) SetNetworkPolicy(context.Context, string, []NetworkRule) error { return nil }

type testCheckpointClient struct{ testClient }

func (testCheckpointClient) ListCheckpoints(context.Context, string) ([]Checkpoint, error) {
	return nil, nil
}

func (testCheckpointClient) CreateCheckpoint(context.Context, string, string) (string, error) {
	return "ckpt-1", nil
}

func (testCheckpointClient) RestoreCheckpoint(context.Context, string, string) error { return nil }

type testReporterClient struct{ testClient }

func (testReporterClient) Capabilities() map[string]bool {
	return map[string]bool{
		CapabilityNetworkAllowlist: false,
		"custom.example":           true,
	}
}

func TestCapabilitiesInfersCheckpointSupport(t *testing.T) {
	caps := Capabilities(testCheckpointClient{})

	if !caps[CapabilitySandboxCheckpoint] {
		t.Fatalf("expected %s=true", CapabilitySandboxCheckpoint)
	}
	if !caps[CapabilitySandboxFileDownload] {
		t.Fatalf("expected %s=true", CapabilitySandboxFileDownload)
	}

	plain := Capabilities(testClient{})
	if plain[CapabilitySandboxCheckpoint] {
		t.Fatalf("expected %s=false for a plain client", CapabilitySandboxCheckpoint)
	}
}

func TestCapabilitiesMergesReporterCapabilities(t *testing.T) {
	caps := Capabilities(testReporterClient{})

	if caps[CapabilityNetworkAllowlist] {
		t.Fatalf("expected %s=false", CapabilityNetworkAllowlist)
	}
	if !caps["custom.example"] {
		t.Fatalf("expected custom capability key to be preserved")
	}
}

func TestCapabilitiesNilClient(t *testing.T) {
	caps := Capabilities(nil)
	for _, key := range SortedCapabilityKeys(caps) {
		if caps[key] {
			t.Fatalf("expected %s=false for nil client", key)
		}
	}
}

func TestEnvListIsSorted(t *testing.T) {
	got := EnvList(map[string]string{"B": "2", "A": "1"})
	want := []string{"A=1", "B=2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected env list: got %v want %v", got, want)
	}
	if EnvList(nil) != nil {
		t.Fatal("expected nil for empty env")
	}
}
