package router

import (
	"context"
	"testing"

	"github.com/latticemesh/meshnode/internal/capability"
	"github.com/latticemesh/meshnode/internal/embedding"
	"github.com/latticemesh/meshnode/internal/gradient"
)

func newEmbedder(t *testing.T) embedding.Provider {
	t.Helper()
	return embedding.DefaultProvider{}
}

func TestRouteTextResolvesBestMatch(t *testing.T) {
	ctx := context.Background()
	emb := newEmbedder(t)
	tb := gradient.New(10)

	chatVec, err := emb.Embed(ctx, "general chat assistant")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	id := capability.NewID("n1", "llm", "chat")
	tb.Update(id, "chat", chatVec, 1, "n1", "n1", 10, capability.Constraints{})

	r := New(tb, emb)
	decision, err := r.RouteText(ctx, "general chat assistant", Context{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.CapabilityID != id {
		t.Fatalf("expected match on %s, got %s", id, decision.CapabilityID)
	}
}

func TestRouteNoMatchReturnsErrNoRoute(t *testing.T) {
	ctx := context.Background()
	emb := newEmbedder(t)
	tb := gradient.New(10)

	r := New(tb, emb)
	_, err := r.RouteText(ctx, "anything", Context{})
	if err != ErrNoRoute {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

func TestRouteDataStaysLocalConstraint(t *testing.T) {
	ctx := context.Background()
	emb := newEmbedder(t)
	tb := gradient.New(10)

	vec, err := emb.Embed(ctx, "transcribe audio file")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	remoteID := capability.NewID("remote", "audio", "transcribe")
	tb.Update(remoteID, "transcribe", vec, 1, "peer", "remote", 10, capability.Constraints{})

	r := New(tb, emb)
	_, err = r.RouteText(ctx, "transcribe audio file", Context{DataStaysLocal: true})
	if err != ErrConstraintUnsatisfied {
		t.Fatalf("expected ErrConstraintUnsatisfied when only a remote capability exists, got %v", err)
	}

	localID := capability.NewID("self", "audio", "transcribe")
	tb.UpdateLocal(localID, "transcribe", vec, "self", capability.Constraints{})

	decision, err := r.RouteText(ctx, "transcribe audio file", Context{DataStaysLocal: true})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.CapabilityID != localID {
		t.Fatalf("expected local capability to win under constraint, got %s", decision.CapabilityID)
	}
}

func TestRouteFreeLocalBonusOutranksCloud(t *testing.T) {
	ctx := context.Background()
	emb := newEmbedder(t)
	tb := gradient.New(10)

	vec, err := emb.Embed(ctx, "summarize this document")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}

	freeID := capability.NewID("n1", "text", "summarize")
	tb.UpdateLocal(freeID, "summarize", vec, "n1", capability.Constraints{CostPerCallUSD: 0})
	// A paid candidate with an identical vector: only the free-local bonus
	// separates the two.
	cloudID := capability.NewID("n1", "text", "cloud")
	tb.UpdateLocal(cloudID, "cloud", vec, "n1", capability.Constraints{CostPerCallUSD: 0.01})

	r := New(tb, emb)
	decision, err := r.RouteText(ctx, "summarize this document", Context{PreferFree: true})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.CapabilityID != freeID {
		t.Fatalf("expected free local capability, got %s", decision.CapabilityID)
	}
	// Free-local bonus (1.3x) should push the adjusted score above the raw
	// cosine*confidence score (which is <=1 for a self-similar vector).
	if decision.Score <= 1.0 {
		t.Fatalf("expected free-local bonus to raise score above 1.0, got %f", decision.Score)
	}
}

func TestRouteRejectsInvalidVector(t *testing.T) {
	emb := newEmbedder(t)
	tb := gradient.New(10)
	r := New(tb, emb)

	_, err := r.Route("", capability.Vector{}, Context{})
	if err == nil {
		t.Fatal("expected error for zero/invalid intent vector")
	}
}

// Two candidates, literal values: a local capability at raw score 0.85
// under heavy load (0.9) against a one-hop remote at raw similarity 0.87
// on an idle node (0.2). Adjusted: 0.85*0.7 = 0.595 local versus
// 0.87*0.95*1.1 = 0.909 remote; the remote must win despite the hop.
func TestRouteLoadPenaltyPrefersIdleRemote(t *testing.T) {
	tb := gradient.New(10)

	intentVec := axisVec(1, 0)
	localVec := axisVec(0.85, sqrtRemainder(0.85))
	remoteVec := axisVec(0.87, sqrtRemainder(0.87))

	localID := capability.NewID("self", "llm", "chat")
	remoteID := capability.NewID("other", "llm", "chat")
	tb.UpdateLocal(localID, "chat", localVec, "self", capability.Constraints{})
	tb.Update(remoteID, "chat", remoteVec, 1, "other", "other", 10, capability.Constraints{})

	r := New(tb, newEmbedder(t))
	decision, err := r.Route("", intentVec, Context{
		Load: map[capability.ID]float64{localID: 0.9, remoteID: 0.2},
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.CapabilityID != remoteID {
		t.Fatalf("expected idle remote to outrank loaded local, got %s (score %f)", decision.CapabilityID, decision.Score)
	}
	if decision.Score < 0.90 || decision.Score > 0.92 {
		t.Fatalf("expected adjusted score near 0.909, got %f", decision.Score)
	}
}

func axisVec(x, y float32) capability.Vector {
	var v capability.Vector
	v[0], v[1] = x, y
	return v
}

func sqrtRemainder(x float64) float32 {
	rest := 1 - x*x
	if rest < 0 {
		return 0
	}
	guess := rest
	for i := 0; i < 30; i++ {
		if guess == 0 {
			break
		}
		guess = 0.5 * (guess + rest/guess)
	}
	return float32(guess)
}
