package capability_test

import (
	"context"
	"path/filepath"
	"testing"

	. "github.com/latticemesh/meshnode/internal/capability"
	"github.com/latticemesh/meshnode/internal/embedding"
)

func newTestRegistry(t *testing.T, path string) *Registry {
	t.Helper()
	return NewRegistry(embedding.DefaultProvider{}, path)
}

func TestRegisterComputesEmbeddingOnce(t *testing.T) {
	reg := newTestRegistry(t, "")
	ctx := context.Background()

	c := Capability{ID: NewID("n1", "llm", "chat"), Label: "chat", Description: "general chat completion"}
	got, err := reg.Register(ctx, c)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if got.Vector == (Vector{}) {
		t.Fatal("expected embedding to be computed at registration")
	}

	stored, ok := reg.Get(c.ID)
	if !ok {
		t.Fatal("expected capability to be retrievable")
	}
	if stored.Vector != got.Vector {
		t.Fatal("stored vector should match returned vector")
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t, "")
	ctx := context.Background()
	id := NewID("n1", "llm", "chat")

	if _, err := reg.Register(ctx, Capability{ID: id, Label: "chat v1", Description: "first"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if reg.Count() != 1 {
		t.Fatalf("expected 1 capability, got %d", reg.Count())
	}
	if _, err := reg.Register(ctx, Capability{ID: id, Label: "chat v2", Description: "second"}); err != nil {
		t.Fatalf("second register: %v", err)
	}
	if reg.Count() != 1 {
		t.Fatalf("re-registering same id must not grow the registry, got %d", reg.Count())
	}
	c, _ := reg.Get(id)
	if c.Label != "chat v2" {
		t.Fatalf("expected latest registration to win, got %q", c.Label)
	}
}

func TestRegisterRejectsMalformedID(t *testing.T) {
	reg := newTestRegistry(t, "")
	_, err := reg.Register(context.Background(), Capability{ID: ID("not-enough-parts")})
	if err == nil {
		t.Fatal("expected error for malformed id")
	}
}

func TestDeregisterAndGetTool(t *testing.T) {
	reg := newTestRegistry(t, "")
	id := NewID("n1", "llm", "chat")
	c := Capability{
		ID:    id,
		Label: "chat",
		Tools: []Tool{{Name: "complete", CapID: id}},
	}
	if _, err := reg.Register(context.Background(), c); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, ok := reg.GetTool(id, "complete"); !ok {
		t.Fatal("expected tool to be found")
	}
	if _, ok := reg.GetTool(id, "missing"); ok {
		t.Fatal("unexpected tool match")
	}

	if !reg.Deregister(id) {
		t.Fatal("expected deregister to succeed")
	}
	if reg.Deregister(id) {
		t.Fatal("second deregister of same id should report false")
	}
	if _, ok := reg.Get(id); ok {
		t.Fatal("capability should be gone after deregister")
	}
}

func TestFindTriggers(t *testing.T) {
	reg := newTestRegistry(t, "")
	id := NewID("n1", "sensor", "motion")
	c := Capability{
		ID:    id,
		Label: "motion",
		Triggers: []Trigger{
			{Event: "motion_detected", Priority: "normal"},
		},
	}
	if _, err := reg.Register(context.Background(), c); err != nil {
		t.Fatalf("register: %v", err)
	}

	matches := reg.FindTriggers("motion_detected")
	if len(matches) != 1 || matches[0].CapID != id {
		t.Fatalf("unexpected matches: %+v", matches)
	}
	if len(reg.FindTriggers("no_such_event")) != 0 {
		t.Fatal("expected no matches for unknown event")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capabilities.json")

	reg := newTestRegistry(t, path)
	id := NewID("n1", "llm", "chat")
	if _, err := reg.Register(context.Background(), Capability{ID: id, Label: "chat", Description: "d"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded := newTestRegistry(t, path)
	c, ok := reloaded.Get(id)
	if !ok {
		t.Fatal("expected capability to survive save/load round trip")
	}
	if c.Label != "chat" {
		t.Fatalf("unexpected label after reload: %q", c.Label)
	}
}

func TestTouchRefreshesLiveness(t *testing.T) {
	reg := newTestRegistry(t, "")
	id := NewID("n1", "llm", "chat")
	if _, err := reg.Register(context.Background(), Capability{ID: id, Label: "chat"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !reg.Touch(id) {
		t.Fatal("expected touch on registered capability to succeed")
	}
	if reg.Touch(NewID("n1", "llm", "missing")) {
		t.Fatal("touch on unknown capability should report false")
	}
}
