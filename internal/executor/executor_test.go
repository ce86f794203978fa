package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/latticemesh/meshnode/internal/capability"
	"github.com/latticemesh/meshnode/internal/grant"
	"github.com/latticemesh/meshnode/internal/router"
)

type fakeRegistry struct {
	caps  map[capability.ID]capability.Capability
	tools map[string]capability.Tool // key: "capID/toolName"
}

func (r *fakeRegistry) Get(id capability.ID) (capability.Capability, bool) {
	c, ok := r.caps[id]
	return c, ok
}

func (r *fakeRegistry) GetTool(id capability.ID, toolName string) (capability.Tool, bool) {
	t, ok := r.tools[string(id)+"/"+toolName]
	return t, ok
}

type fakeHandlers struct {
	fn HandlerFunc
}

func (h *fakeHandlers) Handler(capability.ID, string) (HandlerFunc, bool) {
	if h.fn == nil {
		return nil, false
	}
	return h.fn, true
}

type fakeSender struct {
	resp InvokeResponse
	err  error
}

func (s *fakeSender) SendInvoke(ctx context.Context, peerID string, req InvokeRequest, timeout time.Duration) (InvokeResponse, error) {
	return s.resp, s.err
}

func TestExecuteLocalDispatch(t *testing.T) {
	capID := capability.NewID("node1", "llm", "chat")
	reg := &fakeRegistry{
		caps: map[capability.ID]capability.Capability{capID: {ID: capID}},
		tools: map[string]capability.Tool{
			string(capID) + "/chat": {
				Name:      "chat",
				ParamSpec: capability.Schema{Required: []string{"prompt"}, Fields: map[string]string{"prompt": "string"}},
			},
		},
	}
	handlers := &fakeHandlers{fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"reply": "hi " + params["prompt"].(string)}, nil
	}}
	exec := New("node1", reg, handlers, &fakeSender{}, nil, nil)

	decision := router.Decision{NodeID: "node1", CapabilityID: capID}
	out, err := exec.Execute(context.Background(), decision, "chat", map[string]any{"prompt": "there"}, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out["reply"] != "hi there" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestExecuteLocalValidationError(t *testing.T) {
	capID := capability.NewID("node1", "llm", "chat")
	reg := &fakeRegistry{
		caps: map[capability.ID]capability.Capability{capID: {ID: capID}},
		tools: map[string]capability.Tool{
			string(capID) + "/chat": {
				Name:      "chat",
				ParamSpec: capability.Schema{Required: []string{"prompt"}},
			},
		},
	}
	exec := New("node1", reg, &fakeHandlers{}, &fakeSender{}, nil, nil)
	decision := router.Decision{NodeID: "node1", CapabilityID: capID}
	_, err := exec.Execute(context.Background(), decision, "chat", map[string]any{}, nil, nil)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExecuteRemoteForwardsAndSucceeds(t *testing.T) {
	capID := capability.NewID("node2", "llm", "chat")
	reg := &fakeRegistry{
		tools: map[string]capability.Tool{
			string(capID) + "/chat": {Name: "chat", Policy: capability.ExecutionPolicy{TimeoutMS: 1000}},
		},
	}
	sender := &fakeSender{resp: InvokeResponse{Success: true, Data: map[string]any{"ok": true}}}
	exec := New("node1", reg, &fakeHandlers{}, sender, nil, nil)

	decision := router.Decision{NodeID: "node2", CapabilityID: capID}
	out, err := exec.Execute(context.Background(), decision, "chat", map[string]any{}, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestForwardInboundNoRouteAtZeroHopBudget(t *testing.T) {
	exec := New("node1", &fakeRegistry{tools: map[string]capability.Tool{}}, &fakeHandlers{}, &fakeSender{}, nil, nil)
	resp := exec.ForwardInbound(context.Background(), InvokeRequest{HopBudget: 0}, "node2")
	if resp.Success || resp.Error != ErrNoRouteForward.Error() {
		t.Fatalf("expected no-route response, got %+v", resp)
	}
}

// fakeKeys is a deterministic signer/verifier pair for grant tests: the
// signature is just a marker string derived from the node id.
type fakeKeys struct{ id string }

func (f fakeKeys) NodeID() string                    { return f.id }
func (f fakeKeys) Sign(data []byte) ([]byte, error)  { return append([]byte("sig:"+f.id+":"), data...), nil }
func (f fakeKeys) Verify(nodeID string, data, sig []byte) bool {
	want, _ := fakeKeys{id: nodeID}.Sign(data)
	return string(sig) == string(want)
}

// timeoutSender times out a configurable number of times before succeeding,
// counting attempts.
type timeoutSender struct {
	failures int
	attempts int
}

func (s *timeoutSender) SendInvoke(ctx context.Context, peerID string, req InvokeRequest, timeout time.Duration) (InvokeResponse, error) {
	s.attempts++
	if s.attempts <= s.failures {
		return InvokeResponse{}, context.DeadlineExceeded
	}
	return InvokeResponse{RequestID: req.RequestID, Success: true, Data: map[string]any{"ok": true}}, nil
}

func remoteToolRegistry(capID capability.ID, policy capability.ExecutionPolicy) *fakeRegistry {
	return &fakeRegistry{
		tools: map[string]capability.Tool{
			string(capID) + "/chat": {Name: "chat", Policy: policy},
		},
	}
}

func TestNonIdempotentToolNotRetried(t *testing.T) {
	capID := capability.NewID("node2", "llm", "chat")
	sender := &timeoutSender{failures: 1}
	exec := New("node1", remoteToolRegistry(capID, capability.ExecutionPolicy{TimeoutMS: 50}), &fakeHandlers{}, sender, nil, nil)

	reroute := func() (router.Decision, error) {
		return router.Decision{NodeID: "node3", CapabilityID: capID}, nil
	}
	_, err := exec.Execute(context.Background(), router.Decision{NodeID: "node2", CapabilityID: capID}, "chat", map[string]any{}, nil, reroute)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout to surface without retry, got %v", err)
	}
	if sender.attempts != 1 {
		t.Fatalf("non-idempotent tool with no retry budget must not be retried, got %d attempts", sender.attempts)
	}
}

func TestIdempotentToolRetriedOnAlternateRoute(t *testing.T) {
	capID := capability.NewID("node2", "llm", "chat")
	sender := &timeoutSender{failures: 1}
	exec := New("node1", remoteToolRegistry(capID, capability.ExecutionPolicy{TimeoutMS: 50, Idempotent: true}), &fakeHandlers{}, sender, nil, nil)

	rerouted := false
	reroute := func() (router.Decision, error) {
		rerouted = true
		return router.Decision{NodeID: "node3", CapabilityID: capID}, nil
	}
	out, err := exec.Execute(context.Background(), router.Decision{NodeID: "node2", CapabilityID: capID}, "chat", map[string]any{}, nil, reroute)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out["ok"] != true || !rerouted || sender.attempts != 2 {
		t.Fatalf("expected one reroute retry to succeed, got attempts=%d rerouted=%v", sender.attempts, rerouted)
	}
}

func TestRetriesHonorConfiguredCount(t *testing.T) {
	capID := capability.NewID("node2", "llm", "chat")
	sender := &timeoutSender{failures: 10}
	exec := New("node1", remoteToolRegistry(capID, capability.ExecutionPolicy{TimeoutMS: 50, Idempotent: true, Retries: 2}), &fakeHandlers{}, sender, nil, nil)

	reroute := func() (router.Decision, error) {
		return router.Decision{NodeID: "node3", CapabilityID: capID}, nil
	}
	_, err := exec.Execute(context.Background(), router.Decision{NodeID: "node2", CapabilityID: capID}, "chat", map[string]any{}, nil, reroute)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout after retries exhausted, got %v", err)
	}
	if sender.attempts != 3 {
		t.Fatalf("expected initial attempt + 2 retries, got %d attempts", sender.attempts)
	}
}

func TestForwardInboundRequiresValidGrant(t *testing.T) {
	capID := capability.NewID("node1", "llm", "chat")
	reg := &fakeRegistry{
		tools: map[string]capability.Tool{
			string(capID) + "/chat": {Name: "chat"},
		},
	}
	handlers := &fakeHandlers{fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"done": true}, nil
	}}
	caller := fakeKeys{id: "node2"}
	exec := New("node1", reg, handlers, &fakeSender{}, fakeKeys{id: "node1"}, caller)

	// No grant at all: refused.
	resp := exec.ForwardInbound(context.Background(), InvokeRequest{RequestID: "r1", CapabilityID: capID, Tool: "chat", HopBudget: 1}, "node1")
	if resp.Success {
		t.Fatal("expected grantless request refused")
	}

	// Grant scoped to a different tool: refused.
	g, err := grant.Mint(caller, "r2", string(capID), "other", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	wrongScope, _ := g.Encode()
	resp = exec.ForwardInbound(context.Background(), InvokeRequest{RequestID: "r2", CapabilityID: capID, Tool: "chat", HopBudget: 1, Grant: wrongScope}, "node1")
	if resp.Success {
		t.Fatal("expected out-of-scope grant refused")
	}

	// Properly scoped grant: executed.
	g, err = grant.Mint(caller, "r3", string(capID), "chat", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	good, _ := g.Encode()
	resp = exec.ForwardInbound(context.Background(), InvokeRequest{RequestID: "r3", CapabilityID: capID, Tool: "chat", HopBudget: 1, Grant: good}, "node1")
	if !resp.Success || resp.Data["done"] != true {
		t.Fatalf("expected granted request executed, got %+v", resp)
	}
}

func TestDrainWaitsForInFlight(t *testing.T) {
	capID := capability.NewID("node1", "llm", "chat")
	reg := &fakeRegistry{
		tools: map[string]capability.Tool{
			string(capID) + "/chat": {Name: "chat"},
		},
	}
	release := make(chan struct{})
	handlers := &fakeHandlers{fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
		<-release
		return map[string]any{}, nil
	}}
	exec := New("node1", reg, handlers, &fakeSender{}, nil, nil)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = exec.Execute(context.Background(), router.Decision{NodeID: "node1", CapabilityID: capID}, "chat", map[string]any{}, nil, nil)
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	drainCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := exec.Drain(drainCtx); err == nil {
		t.Fatal("expected drain to time out while a handler is still running")
	}

	close(release)
	if err := exec.Drain(context.Background()); err != nil {
		t.Fatalf("drain after handler completion: %v", err)
	}
}
