package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/buildkite/subagent/internal/backend"
	"github.com/docker/docker/client"
)

// fakeDaemon answers the handful of Engine API routes the backend reads.
func fakeDaemon(t *testing.T, routes map[string]any) *Backend {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if i := strings.Index(path[1:], "/"); strings.HasPrefix(path, "/v") && i > 0 {
			path = path[i+1:]
		}
		body, ok := routes[r.Method+" "+path]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"No such object"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)

	b, err := New(Config{Image: "alpine:3"},
		client.WithHost("tcp://"+srv.Listener.Addr().String()),
		client.WithVersion("1.45"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNewRequiresImage(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without image")
	}
}

func TestGetMissingContainerReturnsNil(t *testing.T) {
	t.Parallel()

	b := fakeDaemon(t, nil)
	info, err := b.Get(context.Background(), "subagent-missing")
	if err != nil || info != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", info, err)
	}
}

func TestGetInspectsManagedContainer(t *testing.T) {
	t.Parallel()

	b := fakeDaemon(t, map[string]any{
		"GET /containers/subagent-a/json": map[string]any{
			"Id":      "0123456789abcdef",
			"Name":    "/subagent-a",
			"Created": "2026-01-02T03:04:05.000000006Z",
			"State":   map[string]any{"Status": "running", "Running": true},
			"Config":  map[string]any{"Labels": map[string]string{labelManaged: "true", labelSandbox: "subagent-a"}},
		},
		"GET /containers/other/json": map[string]any{
			"Id":     "fedcba",
			"Name":   "/other",
			"State":  map[string]any{"Status": "running"},
			"Config": map[string]any{"Labels": map[string]string{}},
		},
	})

	info, err := b.Get(context.Background(), "subagent-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	if info.Name != "subagent-a" || info.Status != "running" || !info.CreatedAt.Equal(want) {
		t.Fatalf("unexpected info: %+v", info)
	}

	if info, err := b.Get(context.Background(), "other"); err != nil || info != nil {
		t.Fatalf("unmanaged containers must be invisible, got %+v err=%v", info, err)
	}
}

func TestListFiltersByPrefix(t *testing.T) {
	t.Parallel()

	b := fakeDaemon(t, map[string]any{
		"GET /containers/json": []map[string]any{
			{"Id": "2", "State": "running", "Created": 20, "Labels": map[string]string{labelManaged: "true", labelSandbox: "subagent-b"}},
			{"Id": "1", "State": "exited", "Created": 10, "Labels": map[string]string{labelManaged: "true", labelSandbox: "subagent-a"}},
			{"Id": "3", "State": "running", "Created": 30, "Labels": map[string]string{labelManaged: "true", labelSandbox: "pool-0"}},
		},
	})

	list, err := b.List(context.Background(), "subagent-")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var names []string
	for _, info := range list {
		names = append(names, info.Name+":"+info.Status)
	}
	if want := []string{"subagent-a:exited", "subagent-b:running"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("got %v want %v", names, want)
	}
}

func TestListCheckpointsOrdersByCreation(t *testing.T) {
	t.Parallel()

	b := fakeDaemon(t, map[string]any{
		"GET /images/json": []map[string]any{
			{"Id": "sha256:bbb", "Created": 200, "Labels": map[string]string{labelCheckpoint: "ckpt_2", labelComment: "after"}},
			{"Id": "sha256:aaa", "Created": 100, "Labels": map[string]string{labelCheckpoint: "ckpt_1", labelComment: "baseline"}},
		},
	})

	ckpts, err := b.ListCheckpoints(context.Background(), "pool-0")
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	want := []backend.Checkpoint{{ID: "ckpt_1", Comment: "baseline"}, {ID: "ckpt_2", Comment: "after"}}
	if !reflect.DeepEqual(ckpts, want) {
		t.Fatalf("got %+v want %+v", ckpts, want)
	}
}

func TestSetNetworkPolicyRejectsAllowRules(t *testing.T) {
	t.Parallel()

	b := fakeDaemon(t, nil)
	err := b.SetNetworkPolicy(context.Background(), "subagent-a", []backend.NetworkRule{{Action: backend.NetworkAllow, Domain: "example.com"}})
	if !errors.Is(err, backend.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if err := b.SetNetworkPolicy(context.Background(), "subagent-a", nil); err != nil {
		t.Fatalf("empty policy should be a no-op: %v", err)
	}
}

func TestWithTimeoutRoundsUp(t *testing.T) {
	t.Parallel()

	got := withTimeout([]string{"agent", "--json"}, 1500*time.Millisecond)
	want := []string{"timeout", "-s", "KILL", "2", "agent", "--json"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestKilledByTimeoutNeedsElapsedTimeout(t *testing.T) {
	cases := []struct {
		name     string
		exitCode int
		timeout  time.Duration
		elapsed  time.Duration
		want     bool
	}{
		{"timeout expired", exitKilled, time.Minute, time.Minute + time.Second, true},
		{"oom kill before timeout", exitKilled, time.Minute, 5 * time.Second, false},
		{"no timeout configured", exitKilled, 0, time.Hour, false},
		{"ordinary failure", 1, time.Minute, 2 * time.Minute, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := killedByTimeout(tc.exitCode, tc.timeout, tc.elapsed); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestFirstFileReadsRegularFile(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	content := []byte(`{"type":"agent_end"}`)
	if err := tw.WriteHeader(&tar.Header{Name: "session.jsonl", Mode: 0o600, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := firstFile(&buf, "/tmp/session.jsonl")
	if err != nil {
		t.Fatalf("firstFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("got %q want %q", got, content)
	}
}

func TestFirstFileRejectsDirectory(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	_ = tw.WriteHeader(&tar.Header{Name: "dir/", Mode: 0o755, Typeflag: tar.TypeDir})
	_ = tw.Close()

	if _, err := firstFile(&buf, "/tmp/dir"); err == nil {
		t.Fatal("expected error for directory")
	}
}

func TestCheckpointRef(t *testing.T) {
	t.Parallel()

	if got, want := checkpointRef("Pool-0", "ckpt_01"), "subagent-checkpoint/pool-0:ckpt_01"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
