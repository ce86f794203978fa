package orchestrator

import (
	"context"
	"time"

	"github.com/latticemesh/meshnode/internal/executor"
	"github.com/latticemesh/meshnode/internal/gossip"
	"github.com/latticemesh/meshnode/internal/gradient"
)

// gossipSender adapts gossip.Engine's unicast invoke round-trip to the
// executor.Sender contract, converting between the executor's and gossip
// wire package's otherwise identical invoke request/response shapes.
type gossipSender struct {
	engine *gossip.Engine
}

func (s *gossipSender) SendInvoke(ctx context.Context, peerID string, req executor.InvokeRequest, timeout time.Duration) (executor.InvokeResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := s.engine.SendInvoke(cctx, peerID, gossip.InvokeRequestPayload{
		RequestID:      req.RequestID,
		CapabilityID:   req.CapabilityID,
		Tool:           req.Tool,
		Params:         req.Params,
		Context:        req.Context,
		HopBudget:      req.HopBudget,
		IdempotencyKey: req.IdempotencyKey,
		Grant:          req.Grant,
	})
	if err != nil {
		return executor.InvokeResponse{}, err
	}
	return executor.InvokeResponse{
		RequestID:  resp.RequestID,
		Success:    resp.Success,
		Data:       resp.Data,
		Error:      resp.Error,
		DurationMS: resp.DurationMS,
	}, nil
}

// invokeDispatcher adapts inbound gossip.InvokeRequestPayload messages to
// the executor's ForwardInbound, resolving the next hop from the gradient
// table's currently known route for the requested capability.
type invokeDispatcher struct {
	exec       *executor.Executor
	table      *gradient.Table
	selfNodeID string
}

func (d *invokeDispatcher) HandleInvoke(ctx context.Context, req gossip.InvokeRequestPayload) gossip.InvokeResponsePayload {
	nextHop := d.selfNodeID
	if entry, ok := d.table.Get(req.CapabilityID); ok {
		nextHop = entry.NextHop
	}

	resp := d.exec.ForwardInbound(ctx, executor.InvokeRequest{
		RequestID:      req.RequestID,
		CapabilityID:   req.CapabilityID,
		Tool:           req.Tool,
		Params:         req.Params,
		Context:        req.Context,
		HopBudget:      req.HopBudget,
		IdempotencyKey: req.IdempotencyKey,
		Grant:          req.Grant,
	}, nextHop)

	return gossip.InvokeResponsePayload{
		RequestID:  resp.RequestID,
		Success:    resp.Success,
		Data:       resp.Data,
		Error:      resp.Error,
		DurationMS: resp.DurationMS,
	}
}
