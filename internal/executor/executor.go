// Package executor dispatches resolved tool calls: locally, by invoking the
// capability registry's tool handler directly, or by forwarding an
// InvokeRequest to the chosen next hop over the transport manager and
// awaiting a matching InvokeResponse.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticemesh/meshnode/internal/capability"
	"github.com/latticemesh/meshnode/internal/grant"
	"github.com/latticemesh/meshnode/internal/router"
)

// Error kinds surfaced at the executor's boundary.
var (
	ErrCapabilityNotFound = errors.New("executor: capability_not_found")
	ErrToolNotFound       = errors.New("executor: tool_not_found")
	ErrValidation         = errors.New("executor: validation_error")
	ErrTimeout            = errors.New("executor: timeout")
	ErrNoRouteForward     = errors.New("executor: no-route")
	ErrAuthFailed         = errors.New("executor: auth_failed")
)

// HandlerFunc implements a tool's actual behavior. Errors returned here are
// passed back to the caller unwrapped; the executor only wraps validation
// and routing failures.
type HandlerFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// HandlerRegistry resolves a capability+tool pair to its local HandlerFunc;
// registered by whatever owns the concrete backend adapter. The core only
// calls through this interface.
type HandlerRegistry interface {
	Handler(capID capability.ID, toolName string) (HandlerFunc, bool)
}

// Registry is the subset of the capability registry the executor reads from.
type Registry interface {
	Get(id capability.ID) (capability.Capability, bool)
	GetTool(id capability.ID, toolName string) (capability.Tool, bool)
}

// InvokeRequest is the wire payload sent to a forwarded tool call's next hop.
type InvokeRequest struct {
	RequestID      string
	CapabilityID   capability.ID
	Tool           string
	Version        int
	Params         map[string]any
	Context        map[string]any
	HopBudget      uint8
	IdempotencyKey string
	Grant          []byte
}

// InvokeResponse answers an InvokeRequest.
type InvokeResponse struct {
	RequestID  string
	Success    bool
	Data       map[string]any
	Error      string
	DurationMS int64
}

// Sender abstracts encoding + sending an InvokeRequest and waiting for its
// matching InvokeResponse; the node orchestrator wires this to the wire
// codec and a pending-request table keyed by RequestID.
type Sender interface {
	SendInvoke(ctx context.Context, peerID string, req InvokeRequest, timeout time.Duration) (InvokeResponse, error)
}

// DefaultHopBudget bounds how many times a forwarded request may itself be
// re-forwarded before a node refuses it with no-route.
const DefaultHopBudget = 8

// defaultInvokeTimeout applies when no tool policy is locally known, e.g.
// when relaying another node's invocation onward.
const defaultInvokeTimeout = 30 * time.Second

// grantSlack pads the grant's lifetime past the invocation timeout so a
// request that arrives near its deadline still carries a live grant.
const grantSlack = 30 * time.Second

// Executor dispatches resolved route decisions. Every outbound request
// carries a single-invocation grant signed with this node's key; every
// inbound request is executed only after its grant checks out against the
// caller's known key.
type Executor struct {
	selfNodeID string
	registry   Registry
	handlers   HandlerRegistry
	sender     Sender
	signer     grant.Signer   // nil disables grant minting
	verifier   grant.Verifier // nil disables inbound grant checks

	inFlight sync.WaitGroup
}

// New creates an Executor. signer and verifier are normally the node's
// identity and its known-keys store; a nil verifier accepts inbound
// requests unchecked, for wiring that runs without mesh auth.
func New(selfNodeID string, registry Registry, handlers HandlerRegistry, sender Sender, signer grant.Signer, verifier grant.Verifier) *Executor {
	return &Executor{
		selfNodeID: selfNodeID,
		registry:   registry,
		handlers:   handlers,
		sender:     sender,
		signer:     signer,
		verifier:   verifier,
	}
}

// Drain blocks until every in-flight Execute and ForwardInbound call has
// returned, or ctx expires. Used by the node's shutdown sequence.
func (e *Executor) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute dispatches decision: locally if it names this node, otherwise by
// forwarding to the decision's next hop and awaiting a response within the
// tool's configured timeout, retrying on recomputed alternate routes up to
// the tool's retry budget.
func (e *Executor) Execute(ctx context.Context, decision router.Decision, toolName string, params map[string]any, reqCtx map[string]any, reroute func() (router.Decision, error)) (map[string]any, error) {
	e.inFlight.Add(1)
	defer e.inFlight.Done()

	tool, ok := e.registry.GetTool(decision.CapabilityID, toolName)
	if decision.NodeID == e.selfNodeID {
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, decision.CapabilityID)
		}
		return e.executeLocal(ctx, decision.CapabilityID, tool, params)
	}
	if !ok {
		// Remote capability: the owning node holds the authoritative tool
		// definition and validates there; defaults govern this side's
		// timeout and retry behavior.
		tool = capability.Tool{Name: toolName, CapID: decision.CapabilityID}
	}
	return e.executeRemote(ctx, decision, tool, params, reqCtx, reroute)
}

func (e *Executor) executeLocal(ctx context.Context, capID capability.ID, tool capability.Tool, params map[string]any) (map[string]any, error) {
	if err := capability.Validate(tool.ParamSpec, params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	handler, ok := e.handlers.Handler(capID, tool.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrToolNotFound, capID, tool.Name)
	}

	timeout := time.Duration(tool.Policy.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return handler(callCtx, params)
}

// retryBudget computes how many timeout retries a call is allowed: the
// tool's configured count when set; one implicit retry for idempotent
// calls (by policy flag or an idempotency key) that configure none; zero
// for everything else.
func retryBudget(tool capability.Tool, idemKey string) int {
	if tool.Policy.Retries > 0 {
		return tool.Policy.Retries
	}
	if tool.Policy.Idempotent || idemKey != "" {
		return 1
	}
	return 0
}

func (e *Executor) executeRemote(ctx context.Context, decision router.Decision, tool capability.Tool, params, reqCtx map[string]any, reroute func() (router.Decision, error)) (map[string]any, error) {
	timeout := time.Duration(tool.Policy.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}

	idemKey, _ := reqCtx["idempotency_key"].(string)
	budget := retryBudget(tool, idemKey)

	current := decision
	for attempt := 0; ; attempt++ {
		req, err := e.buildRequest(current, tool, params, reqCtx, timeout)
		if err != nil {
			return nil, err
		}
		resp, err := e.sender.SendInvoke(ctx, nextHopOf(current), req, timeout)
		if err == nil {
			if !resp.Success {
				return nil, errors.New(resp.Error)
			}
			return resp.Data, nil
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if attempt >= budget || reroute == nil {
			return nil, ErrTimeout
		}
		// Each retry runs on a freshly recomputed route.
		next, rerouteErr := reroute()
		if rerouteErr != nil {
			return nil, ErrTimeout
		}
		current = next
	}
}

func (e *Executor) buildRequest(decision router.Decision, tool capability.Tool, params, reqCtx map[string]any, timeout time.Duration) (InvokeRequest, error) {
	req := InvokeRequest{
		RequestID:    uuid.NewString(),
		CapabilityID: decision.CapabilityID,
		Tool:         tool.Name,
		Params:       params,
		Context:      reqCtx,
		HopBudget:    DefaultHopBudget,
	}
	if key, ok := reqCtx["idempotency_key"].(string); ok {
		req.IdempotencyKey = key
	}
	if e.signer != nil {
		g, err := grant.Mint(e.signer, req.RequestID, string(decision.CapabilityID), tool.Name, timeout+grantSlack)
		if err != nil {
			return InvokeRequest{}, fmt.Errorf("executor: mint invocation grant: %w", err)
		}
		encoded, err := g.Encode()
		if err != nil {
			return InvokeRequest{}, err
		}
		req.Grant = encoded
	}
	return req, nil
}

// checkGrant validates an inbound request's invocation grant against the
// caller's known key and the request's exact scope.
func (e *Executor) checkGrant(req InvokeRequest) error {
	if e.verifier == nil {
		return nil
	}
	if len(req.Grant) == 0 {
		return fmt.Errorf("%w: missing invocation grant", ErrAuthFailed)
	}
	g, err := grant.Decode(req.Grant)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if err := g.Check(e.verifier, req.RequestID, string(req.CapabilityID), req.Tool, time.Now()); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return nil
}

// ForwardInbound handles an InvokeRequest arriving from a peer: if this node
// owns the capability, it checks the request's grant and executes locally;
// otherwise, if HopBudget remains, it forwards to the next hop the gradient
// table names. Returns the InvokeResponse to send back.
func (e *Executor) ForwardInbound(ctx context.Context, req InvokeRequest, nextHop string) InvokeResponse {
	e.inFlight.Add(1)
	defer e.inFlight.Done()

	start := time.Now()
	if req.HopBudget == 0 {
		return InvokeResponse{RequestID: req.RequestID, Success: false, Error: ErrNoRouteForward.Error()}
	}

	if nextHop == e.selfNodeID {
		if err := e.checkGrant(req); err != nil {
			return InvokeResponse{RequestID: req.RequestID, Success: false, Error: err.Error()}
		}
		tool, ok := e.registry.GetTool(req.CapabilityID, req.Tool)
		if !ok {
			return InvokeResponse{RequestID: req.RequestID, Success: false, Error: ErrToolNotFound.Error()}
		}
		data, err := e.executeLocal(ctx, req.CapabilityID, tool, req.Params)
		resp := InvokeResponse{RequestID: req.RequestID, DurationMS: time.Since(start).Milliseconds()}
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Success = true
		resp.Data = data
		return resp
	}

	if req.HopBudget == 0 {
		return InvokeResponse{RequestID: req.RequestID, Success: false, Error: ErrNoRouteForward.Error()}
	}
	req.HopBudget--
	forwardReq := req
	resp, err := e.sender.SendInvoke(ctx, nextHop, forwardReq, defaultInvokeTimeout)
	if err != nil {
		return InvokeResponse{RequestID: req.RequestID, Success: false, Error: err.Error()}
	}
	return resp
}

// nextHopOf resolves where a forwarded request is physically sent: the
// route's next hop when known, the owning node otherwise.
func nextHopOf(d router.Decision) string {
	if d.NextHop != "" {
		return d.NextHop
	}
	return d.NodeID
}
