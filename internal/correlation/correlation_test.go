package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("abc-123"); !ok || got != "abc-123" {
		t.Fatalf("expected abc-123 to normalize, got %q ok=%v", got, ok)
	}
	if got, ok := Normalize("  xyz  "); !ok || got != "xyz" {
		t.Fatalf("expected trimmed normalize to xyz, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestSetAndID(t *testing.T) {
	ctx := context.Background()
	if Has(ctx) {
		t.Fatalf("expected empty context to have no id")
	}
	if ctx = Set(ctx, ""); Has(ctx) {
		t.Fatalf("expected invalid set to be ignored")
	}
	ctx = Set(ctx, "foo")
	if got := ID(ctx); got != "foo" {
		t.Fatalf("expected foo, got %q", got)
	}
	if got := ID(context.WithoutCancel(ctx)); got != "foo" {
		t.Fatalf("expected id to survive WithoutCancel, got %q", got)
	}
}

func TestFromHeader(t *testing.T) {
	if got := FromHeader(" req-1 "); got != "req-1" {
		t.Fatalf("expected req-1, got %q", got)
	}
	generated := FromHeader("bad\x01")
	if _, ok := Normalize(generated); !ok || generated == "bad\x01" {
		t.Fatalf("expected generated id, got %q", generated)
	}
	if a, b := Generate(), Generate(); a == b {
		t.Fatalf("expected unique ids, got %q twice", a)
	}
}
