package embedding

import (
	"context"
	"testing"

	"github.com/latticemesh/meshnode/internal/capability"
)

func TestDefaultProviderDeterministicUnitVectors(t *testing.T) {
	ctx := context.Background()
	p := DefaultProvider{}

	a, err := p.Embed(ctx, "chat completion for general conversation")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := p.Embed(ctx, "chat completion for general conversation")
	if err != nil {
		t.Fatalf("embed again: %v", err)
	}
	if a != b {
		t.Fatal("same text must produce the same vector")
	}
	if !IsValid(a) {
		t.Fatal("expected a finite unit-length vector")
	}

	other, err := p.Embed(ctx, "transcribe an audio recording")
	if err != nil {
		t.Fatalf("embed other: %v", err)
	}
	if a == other {
		t.Fatal("different texts must not collide")
	}
}

func TestIsValidUnitLengthBoundary(t *testing.T) {
	var unit capability.Vector
	unit[0] = 1

	if !IsValid(unit) {
		t.Fatal("exact unit vector must be valid")
	}

	// Norm off by more than the 1e-5 tolerance: invalid.
	over := unit
	over[0] = 1 + 3e-5
	if IsValid(over) {
		t.Fatalf("norm 1+3e-5 must be outside tolerance")
	}

	// Norm within tolerance: valid.
	near := unit
	near[0] = 1 + 3e-6
	if !IsValid(near) {
		t.Fatalf("norm 1+3e-6 must be within tolerance")
	}

	if IsValid(capability.Vector{}) {
		t.Fatal("zero vector must never be valid")
	}
}

func TestCacheReturnsSameVectorWithoutRecompute(t *testing.T) {
	ctx := context.Background()
	cache, err := NewCache(DefaultProvider{}, 4)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}

	first, err := cache.Embed(ctx, "summarize this document")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	second, err := cache.Embed(ctx, "summarize this document")
	if err != nil {
		t.Fatalf("embed cached: %v", err)
	}
	if first != second {
		t.Fatal("cache must return the identical vector")
	}
}
