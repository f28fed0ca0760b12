package version

import (
	"runtime/debug"
	"testing"
)

func TestPseudoVersion(t *testing.T) {
	got := pseudoVersion([]debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2024-05-01T10:20:30Z"},
		{Key: "vcs.modified", Value: "true"},
	})
	want := "v0.0.0-20240501102030-0123456789ab+dirty"
	if got != want {
		t.Fatalf("pseudoVersion=%q want %q", got, want)
	}
	if got := pseudoVersion(nil); got != "" {
		t.Fatalf("expected empty pseudo version, got %q", got)
	}
}

func TestCurrentNeverEmpty(t *testing.T) {
	if Current() == "" {
		t.Fatal("expected non-empty version")
	}
	if Module() == "" {
		t.Fatal("expected non-empty module")
	}
}
