//go:build linux

package main

import (
	"net"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/buildkite/subagent/internal/vsockexec"
)

func TestBuildCommandEnvRequestOverridesProcess(t *testing.T) {
	t.Setenv("SUBAGENT_GUEST_TEST", "process")

	got := buildCommandEnv([]string{"SUBAGENT_GUEST_TEST=request", "EMPTY="})
	if !slices.Contains(got, "SUBAGENT_GUEST_TEST=request") {
		t.Fatalf("expected request value to win, got %v", got)
	}
	if !slices.Contains(got, "EMPTY=") {
		t.Fatalf("expected empty value to be kept, got %v", got)
	}
}

func TestBuildCommandEnvFillsHomeAndPath(t *testing.T) {
	t.Setenv("HOME", "")
	t.Setenv("PATH", "")

	got := buildCommandEnv(nil)
	if !slices.Contains(got, "HOME=/root") {
		t.Fatalf("expected HOME default, got %v", got)
	}
	found := false
	for _, entry := range got {
		if strings.HasPrefix(entry, "PATH=/usr/local/sbin:") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected PATH default, got %v", got)
	}
	if !slices.IsSorted(got) {
		t.Fatalf("expected sorted env, got %v", got)
	}
}

func roundTrip(t *testing.T, req vsockexec.ExecRequest) vsockexec.ExecResponse {
	t.Helper()

	client, server := net.Pipe()
	go handleConn(server)
	defer client.Close()

	_ = client.SetDeadline(time.Now().Add(10 * time.Second))
	if err := vsockexec.EncodeRequest(client, req); err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	res, err := vsockexec.DecodeStreamResponse(client, vsockexec.StreamCallbacks{})
	if err != nil {
		t.Fatalf("DecodeStreamResponse: %v", err)
	}
	return res
}

func TestHandleConnPassesStdin(t *testing.T) {
	res := roundTrip(t, vsockexec.ExecRequest{
		Command: []string{"sh", "-c", "cat; echo oops >&2; exit 3"},
		Stdin:   []byte("hello\n"),
	})
	if res.Stdout != "hello\n" || res.Stderr != "oops\n" {
		t.Fatalf("unexpected output: %+v", res)
	}
	if res.ExitCode != 3 || res.TimedOut {
		t.Fatalf("unexpected exit: %+v", res)
	}
}

func TestHandleConnKillsProcessGroupOnTimeout(t *testing.T) {
	start := time.Now()
	res := roundTrip(t, vsockexec.ExecRequest{
		Command:        []string{"sh", "-c", "sleep 30 & wait"},
		TimeoutSeconds: 1,
	})
	if !res.TimedOut {
		t.Fatalf("expected timed out response, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
}

func TestHandleConnReportsMissingCommand(t *testing.T) {
	res := roundTrip(t, vsockexec.ExecRequest{})
	if res.ExitCode != 1 || res.Error == "" {
		t.Fatalf("expected error response, got %+v", res)
	}
}
