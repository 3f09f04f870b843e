package paths

import (
	"path/filepath"
	"testing"
)

func TestStateDirsHonorXDGStateHome(t *testing.T) {
	root := t.TempDir()
	t.Setenv("XDG_STATE_HOME", root)

	got, err := SessionDBPath()
	if err != nil {
		t.Fatalf("SessionDBPath returned error: %v", err)
	}
	if want := filepath.Join(root, "subagent", "sessions.db"); got != want {
		t.Fatalf("unexpected session db path: got %q want %q", got, want)
	}

	got, err = TranscriptDir()
	if err != nil {
		t.Fatalf("TranscriptDir returned error: %v", err)
	}
	if want := filepath.Join(root, "subagent", "transcripts"); got != want {
		t.Fatalf("unexpected transcript dir: got %q want %q", got, want)
	}
}

func TestConfigPathFallsBackToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", home)

	got, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath returned error: %v", err)
	}
	if want := filepath.Join(home, ".config", "subagent", "config.yaml"); got != want {
		t.Fatalf("unexpected config path: got %q want %q", got, want)
	}
}

func TestCacheDirHonorsXDGCacheHome(t *testing.T) {
	root := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", root)

	got, err := ArtifactDir()
	if err != nil {
		t.Fatalf("ArtifactDir returned error: %v", err)
	}
	if want := filepath.Join(root, "subagent", "artifacts"); got != want {
		t.Fatalf("unexpected artifact dir: got %q want %q", got, want)
	}
}
