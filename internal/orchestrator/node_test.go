package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/latticemesh/meshnode/internal/capability"
	"github.com/latticemesh/meshnode/internal/meshconfig"
	"github.com/latticemesh/meshnode/internal/router"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	dir := t.TempDir()
	cfg := meshconfig.Default()
	n, err := New(Options{
		Config:         cfg,
		IdentityPath:   filepath.Join(dir, "identity.key"),
		DisableNetwork: true,
	})
	if err != nil {
		t.Fatalf("construct node: %v", err)
	}
	return n
}

func TestBootstrapShutdownLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	n := newTestNode(t)
	ctx := context.Background()
	if err := n.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := n.Shutdown(ctx, 5*time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestRegisterRouteLocal(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	id := capability.NewID(n.NodeID(), "llm", "chat")
	if _, err := n.RegisterCapability(ctx, capability.Capability{
		ID:          id,
		Type:        "llm",
		Label:       "chat",
		Description: "general conversation and chat completion",
		Tools:       []capability.Tool{{Name: "chat", CapID: id}},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	decision, err := n.Router().RouteText(ctx, "general conversation and chat completion", router.Context{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.CapabilityID != id {
		t.Fatalf("expected route to %s, got %s", id, decision.CapabilityID)
	}
	if decision.NodeID != n.NodeID() || decision.Hops != 0 {
		t.Fatalf("expected local decision, got %+v", decision)
	}
}

func TestRevocationPurgesKeyAndRoutes(t *testing.T) {
	n := newTestNode(t)

	remoteID := capability.NewID("revoked-node", "llm", "chat")
	n.table.Update(remoteID, "chat", unitTestVec(), 1, "revoked-node", "revoked-node", 10, capability.Constraints{})

	n.PurgeNode("revoked-node")
	n.table.RemoveByNode("revoked-node")
	if _, ok := n.table.Get(remoteID); ok {
		t.Fatal("expected revoked node's route purged")
	}
	if n.knownKeys.Has("revoked-node") {
		t.Fatal("expected revoked node's key forgotten")
	}
}

func unitTestVec() capability.Vector {
	var v capability.Vector
	v[0] = 1
	return v
}
