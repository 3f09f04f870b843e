package ids

import (
	"errors"
	"strings"
	"testing"

	"go.jetify.com/typeid"
)

func TestNewJobUsesTypeID(t *testing.T) {
	id := NewJob()
	parsed, err := typeid.FromString(id)
	if err != nil {
		t.Fatalf("expected generated id to be parseable typeid, got %q: %v", id, err)
	}
	if got, want := parsed.Prefix(), "job"; got != want {
		t.Fatalf("unexpected generated id prefix: got %q want %q", got, want)
	}
	if NewJob() == id {
		t.Fatal("expected distinct job ids")
	}
}

func TestNewIDFallsBackToTimestampShapeWhenGeneratorFails(t *testing.T) {
	originalGenerator := generateTypeID
	t.Cleanup(func() {
		generateTypeID = originalGenerator
	})

	generateTypeID = func(string) (string, error) {
		return "", errors.New("boom")
	}

	id := NewCheckpoint()
	if !strings.HasPrefix(id, "ckpt-") {
		t.Fatalf("expected fallback id shape, got %q", id)
	}
	if got := Prefix(id); got != "ckpt" {
		t.Fatalf("unexpected prefix: got %q want %q", got, "ckpt")
	}
}

func TestPrefix(t *testing.T) {
	if got := Prefix(NewJob()); got != "job" {
		t.Fatalf("unexpected prefix: got %q want %q", got, "job")
	}
	if got := Prefix("plain"); got != "" {
		t.Fatalf("expected empty prefix, got %q", got)
	}
}

func TestNewEventPrefix(t *testing.T) {
	if got := Prefix(NewEvent()); got != "evt" {
		t.Fatalf("unexpected prefix: got %q want %q", got, "evt")
	}
}
