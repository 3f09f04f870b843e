package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestKindOfFindsWrappedFault(t *testing.T) {
	err := fmt.Errorf("run turn: %w", New(KindTimeout, "dispatch", context.DeadlineExceeded))
	if got, want := KindOf(err), KindTimeout; got != want {
		t.Fatalf("unexpected kind: got %v want %v", got, want)
	}
	if !errors.Is(err, Timeout) {
		t.Fatal("expected errors.Is to match the timeout sentinel")
	}
	if errors.Is(err, UserAbort) {
		t.Fatal("timeout must not match the user abort sentinel")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected wrapped cause to remain reachable")
	}
}

func TestKindOfPlainErrorIsUnknown(t *testing.T) {
	if got := KindOf(errors.New("aborted due to timeout")); got != KindUnknown {
		t.Fatalf("expected unknown kind for untagged error, got %v", got)
	}
}

func TestExpectedKinds(t *testing.T) {
	for _, k := range []Kind{KindConcurrentTurn, KindUserAbort} {
		if !k.Expected() {
			t.Fatalf("expected %v to be an expected kind", k)
		}
	}
	for _, k := range []Kind{KindExecution, KindTimeout, KindProvisioning} {
		if k.Expected() {
			t.Fatalf("expected %v to be a real failure", k)
		}
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for k := KindProvisioning; k <= KindUserAbort; k++ {
		if got := ParseKind(k.String()); got != k {
			t.Fatalf("unexpected parsed kind for %q: got %v", k.String(), got)
		}
	}
	if got := ParseKind("nope"); got != KindUnknown {
		t.Fatalf("expected unknown for unrecognised kind, got %v", got)
	}
}

func TestTruncateKeepsTail(t *testing.T) {
	in := strings.Repeat("a", 10) + "tail"
	got := Truncate(in, 4)
	if !strings.HasSuffix(got, "tail") || len(got) > len("…tail") {
		t.Fatalf("unexpected truncation: %q", got)
	}
	if Truncate("short", 10) != "short" {
		t.Fatal("expected short strings to be returned unchanged")
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	got := Truncate("ééééé", 3)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation produced invalid UTF-8: %q", got)
	}
	if got != "…é" {
		t.Fatalf("got %q want %q", got, "…é")
	}
}
