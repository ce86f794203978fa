package gossip

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"

	"github.com/latticemesh/meshnode/internal/capability"
	"github.com/latticemesh/meshnode/internal/embedding"
	"github.com/latticemesh/meshnode/internal/gradient"
	"github.com/latticemesh/meshnode/internal/grant"
	"github.com/latticemesh/meshnode/internal/meshmetrics"
)

// AnnounceInterval, PruneInterval, and Fanout are fixed per the mesh's
// convergence target; they are not meant to be tuned per-deployment.
const (
	AnnounceInterval = 30 * time.Second
	PruneInterval    = 60 * time.Second
	Fanout           = 3
	TimestampSkew    = 300 * time.Second
	zstdThreshold    = 512
	// ReceiveQueueCap bounds how many inbound messages per second a single
	// peer may push before further messages are dropped and counted.
	ReceiveQueueCap = 256
)

// Transport is the subset of the transport manager the gossip engine needs:
// broadcasting to all connected peers and sending to one.
type Transport interface {
	Broadcast(ctx context.Context, payload []byte) error
	Send(ctx context.Context, peerID string, payload []byte) error
	Peers() []string
}

// Signer produces the node's own signature over canonical envelope bytes.
type Signer interface {
	NodeID() string
	Sign(data []byte) ([]byte, error)
}

// Verifier checks a claimed sender's signature.
type Verifier interface {
	Verify(nodeID string, data, sig []byte) bool
}

// Admitter validates a joining node's credentials (public key + join token)
// and records its key so later signatures verify. Wired to
// meshauth.Admission by the node orchestrator; until wired, NodeJoin
// messages carry no admission effect.
type Admitter interface {
	Admit(nodeID string, pubKey []byte, joinToken string) error
}

// RevocationVerifier checks the founder's signature over a revoked node id,
// so a TokenRevoked message from anyone but the founder is refused.
// Implemented by meshauth.Admission alongside Admitter.
type RevocationVerifier interface {
	VerifyRevocation(nodeID string, founderSig []byte) bool
}

// RevocationSink reacts to a verified TokenRevoked message: purging the
// named node's known public key (so future signatures from it fail
// verification) and dropping its transport sessions. Wired to
// meshauth.KnownKeys and the transport manager by the node orchestrator.
// The gradient table purge happens inside the engine itself since it
// already holds the table reference.
type RevocationSink interface {
	PurgeNode(nodeID string)
}

// InvokeSink handles an inbound InvokeRequestPayload and returns the
// response to send back; wired to the executor by the node orchestrator.
type InvokeSink interface {
	HandleInvoke(ctx context.Context, req InvokeRequestPayload) InvokeResponsePayload
}

// invokeWaiter is a single in-flight SendInvoke call awaiting its response.
type invokeWaiter struct {
	ch chan InvokeResponsePayload
}

// Outcome reports the disposition of a handled announcement or other
// message, for metrics and logging.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeStale        Outcome = "stale"
	OutcomeReplay       Outcome = "replay"
	OutcomeMalformed    Outcome = "malformed"
	OutcomeBadSignature Outcome = "bad_signature"
	OutcomeTombstoned   Outcome = "tombstoned"
	OutcomeThrottled    Outcome = "throttled"
)

// Engine runs the epidemic gossip protocol over a transport, feeding a
// gradient table and capability registry.
type Engine struct {
	log      *slog.Logger
	table    *gradient.Table
	registry *capability.Registry
	transport Transport
	signer   Signer
	verifier Verifier

	nonces     *NonceCache
	tombstones *Tombstones
	revocation RevocationSink
	invokeSink InvokeSink
	admitter   Admitter
	metrics    *meshmetrics.Metrics

	mu           sync.Mutex
	lastSeen     map[string]float64 // node id -> last envelope timestamp (epoch seconds), for ordering
	recentFwd    map[string]time.Time // nonce -> time, suppresses duplicate forwards
	pending      map[string]invokeWaiter // request id -> waiter, for SendInvoke correlation
	limiters     map[string]*rate.Limiter // per-peer inbound receive budget
	running      bool
	cancel       context.CancelFunc
	selfNodeID   string
}

// New creates a stopped Engine.
func New(log *slog.Logger, table *gradient.Table, registry *capability.Registry, transport Transport, signer Signer, verifier Verifier) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:        log,
		table:      table,
		registry:   registry,
		transport:  transport,
		signer:     signer,
		verifier:   verifier,
		nonces:     NewNonceCache(),
		tombstones: NewTombstones(),
		lastSeen:   make(map[string]float64),
		recentFwd:  make(map[string]time.Time),
		pending:    make(map[string]invokeWaiter),
		limiters:   make(map[string]*rate.Limiter),
		selfNodeID: signer.NodeID(),
	}
}

// SetInvokeSink wires the executor so inbound InvokeRequest messages get
// dispatched. Until called, InvokeRequest messages are answered with an
// unsuccessful response whose error reports that no invoke sink is wired.
func (e *Engine) SetInvokeSink(sink InvokeSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invokeSink = sink
}

// Start launches the announce and prune background loops. It is idle (the
// loops run but announce() is a no-op) until at least one peer is
// connected, per the node orchestrator's startup sequence.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	go e.announceLoop(runCtx)
	go e.pruneLoop(runCtx)
}

// SetAdmitter wires join-time key learning; call before Start.
func (e *Engine) SetAdmitter(a Admitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.admitter = a
}

// SetMetrics wires the node's metrics registry; until called, the engine
// counts nothing.
func (e *Engine) SetMetrics(m *meshmetrics.Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}

// SetRevocationSink wires the TokenRevoked handler. Until called,
// TokenRevoked messages are accepted but only purge the gradient table.
func (e *Engine) SetRevocationSink(sink RevocationSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.revocation = sink
}

// Stop cancels the background loops.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.cancel()
	e.running = false
}

func (e *Engine) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(e.transport.Peers()) == 0 {
				continue
			}
			if err := e.Announce(ctx); err != nil {
				e.log.Warn("gossip: announce failed", "error", err)
			}
		}
	}
}

func (e *Engine) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := e.table.PruneExpired()
			e.nonces.Sweep()
			e.tombstones.Sweep()
			e.sweepRecentForwards()
			if n > 0 {
				e.log.Debug("gossip: pruned expired gradient entries", "count", n)
			}
		}
	}
}

// BuildAnnouncement takes up to MaxAnnouncedCapabilities local capability
// projections plus a resource snapshot and produces a signed Envelope.
func (e *Engine) BuildAnnouncement(load float64, queueDepth int) (Envelope, error) {
	infos := e.registry.List()
	if len(infos) > MaxAnnouncedCapabilities {
		infos = infos[:MaxAnnouncedCapabilities]
	}

	payload, err := EncodePayload(AnnouncePayload{
		FromNode:     e.selfNodeID,
		Capabilities: infos,
		Load:         load,
		QueueDepth:   queueDepth,
	})
	if err != nil {
		return Envelope{}, err
	}

	return e.sign(TypeAnnounce, "", payload, DefaultTTL)
}

// Announce broadcasts a fresh announcement to all current peers.
func (e *Engine) Announce(ctx context.Context) error {
	env, err := e.BuildAnnouncement(0, 0)
	if err != nil {
		return err
	}
	wire, err := e.encodeForWire(env)
	if err != nil {
		return err
	}
	return e.transport.Broadcast(ctx, wire)
}

// sign fills timestamp/nonce/signature and returns the finished envelope.
func (e *Engine) sign(t Type, to string, payload []byte, ttl uint8) (Envelope, error) {
	nonce, err := NewNonce()
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		Type:      t,
		From:      e.selfNodeID,
		To:        to,
		Payload:   payload,
		TTL:       ttl,
		Timestamp: nowSeconds(),
		Nonce:     nonce,
	}
	sig, err := e.signer.Sign(env.SigningBytes())
	if err != nil {
		return Envelope{}, fmt.Errorf("gossip: sign envelope: %w", err)
	}
	env.Signature = sig
	return env, nil
}

// encodeForWire CBOR-encodes the envelope and zstd-compresses it if it
// exceeds the compression threshold, matching klauspost/compress usage
// elsewhere in the mesh for large gossip payloads.
func (e *Engine) encodeForWire(env Envelope) ([]byte, error) {
	raw, err := Encode(env)
	if err != nil {
		return nil, err
	}
	if len(raw) <= zstdThreshold {
		return append([]byte{0}, raw...), nil // 0 = uncompressed marker
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("gossip: create zstd encoder: %w", err)
	}
	defer enc.Close()
	compressed := enc.EncodeAll(raw, nil)
	return append([]byte{1}, compressed...), nil // 1 = zstd-compressed
}

// decodeFromWire reverses encodeForWire.
func decodeFromWire(b []byte) (Envelope, error) {
	if len(b) == 0 {
		return Envelope{}, fmt.Errorf("gossip: empty wire message")
	}
	marker, body := b[0], b[1:]
	switch marker {
	case 0:
		return Decode(body)
	case 1:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return Envelope{}, fmt.Errorf("gossip: create zstd decoder: %w", err)
		}
		defer dec.Close()
		raw, err := dec.DecodeAll(body, nil)
		if err != nil {
			return Envelope{}, fmt.Errorf("gossip: zstd decode: %w", err)
		}
		return Decode(raw)
	default:
		return Envelope{}, fmt.Errorf("gossip: unknown wire marker %d", marker)
	}
}

// HandleWire decodes a raw wire message and dispatches it. Messages from a
// peer flooding faster than its receive budget are dropped before decoding,
// implementing the per-peer inbound cap.
func (e *Engine) HandleWire(ctx context.Context, raw []byte, fromPeer string) (Outcome, error) {
	if !e.inboundAllowed(fromPeer) {
		if e.metrics != nil {
			e.metrics.GossipMessagesTotal.WithLabelValues("unknown", string(OutcomeThrottled)).Inc()
		}
		return OutcomeThrottled, nil
	}
	env, err := decodeFromWire(raw)
	if err != nil {
		return OutcomeMalformed, err
	}
	return e.Handle(ctx, env, fromPeer)
}

// inboundAllowed enforces the per-peer receive budget: a burst of
// ReceiveQueueCap messages, refilled at ReceiveQueueCap per second.
func (e *Engine) inboundAllowed(fromPeer string) bool {
	e.mu.Lock()
	lim, ok := e.limiters[fromPeer]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(ReceiveQueueCap), ReceiveQueueCap)
		e.limiters[fromPeer] = lim
	}
	e.mu.Unlock()
	return lim.Allow()
}

// Handle dispatches an already-decoded envelope by type.
func (e *Engine) Handle(ctx context.Context, env Envelope, fromPeer string) (Outcome, error) {
	outcome, err := e.handle(ctx, env, fromPeer)
	if e.metrics != nil {
		e.metrics.GossipMessagesTotal.WithLabelValues(string(env.Type), string(outcome)).Inc()
		if outcome == OutcomeReplay {
			e.metrics.GossipDuplicateDropTotal.Inc()
		}
	}
	return outcome, err
}

func (e *Engine) handle(ctx context.Context, env Envelope, fromPeer string) (Outcome, error) {
	if env.From == "" || env.Nonce == "" {
		return OutcomeMalformed, fmt.Errorf("gossip: malformed envelope")
	}

	// A node_join introduces a sender we have no key for yet: admit it
	// (token check + key learning) before the signature check, so the
	// join's own signature and everything after it verify.
	if env.Type == TypeNodeJoin {
		if outcome, err := e.admitJoin(env); err != nil {
			return outcome, err
		}
	}

	if e.verifier != nil && !e.verifier.Verify(env.From, env.SigningBytes(), env.Signature) {
		return OutcomeBadSignature, fmt.Errorf("gossip: signature verification failed for %s", env.From)
	}

	now := nowSeconds()
	if math.Abs(now-env.Timestamp) > TimestampSkew.Seconds() {
		return OutcomeStale, fmt.Errorf("gossip: timestamp skew too large")
	}

	if e.nonces.SeenOrRecord(env.Nonce) {
		return OutcomeReplay, nil
	}

	e.mu.Lock()
	if last, ok := e.lastSeen[env.From]; ok && env.Timestamp < last {
		// Out-of-order arrival from a known originator: already
		// superseded, drop without further processing.
		e.mu.Unlock()
		return OutcomeStale, nil
	}
	e.lastSeen[env.From] = env.Timestamp
	e.mu.Unlock()

	switch env.Type {
	case TypeAnnounce:
		return e.handleAnnounce(ctx, env, fromPeer)
	case TypeHeartbeat:
		return e.handleHeartbeat(env)
	case TypeRemoved:
		return e.handleRemoved(env)
	case TypeUpdate:
		return e.handleUpdate(env)
	case TypeNodeJoin, TypeNodeLeave:
		return OutcomeApplied, nil // peer bookkeeping only; no gradient effect
	case TypeTriggerEvent:
		return e.handleTriggerEvent(ctx, env)
	case TypeTokenRevoked:
		return e.handleTokenRevoked(env)
	case TypeInvokeReq:
		return e.handleInvokeRequest(ctx, env, fromPeer)
	case TypeInvokeResp:
		return e.handleInvokeResponse(env)
	default:
		return OutcomeApplied, nil
	}
}

// handleInvokeRequest decodes an inbound invocation, hands it to the wired
// InvokeSink, and unicasts the response back to the sender. Unlike
// announcements, invoke messages are never forwarded by TTL/fanout: routing
// to the right hop already happened at the sender via the router/executor.
func (e *Engine) handleInvokeRequest(ctx context.Context, env Envelope, fromPeer string) (Outcome, error) {
	var payload InvokeRequestPayload
	if err := DecodePayload(env.Payload, &payload); err != nil {
		return OutcomeMalformed, err
	}

	e.mu.Lock()
	sink := e.invokeSink
	e.mu.Unlock()

	var resp InvokeResponsePayload
	if sink == nil {
		resp = InvokeResponsePayload{RequestID: payload.RequestID, Success: false, Error: "gossip: no invoke sink wired"}
	} else {
		resp = sink.HandleInvoke(ctx, payload)
	}

	respPayload, err := EncodePayload(resp)
	if err != nil {
		return OutcomeMalformed, err
	}
	respEnv, err := e.sign(TypeInvokeResp, env.From, respPayload, 0)
	if err != nil {
		return OutcomeApplied, err
	}
	wire, err := e.encodeForWire(respEnv)
	if err != nil {
		return OutcomeApplied, err
	}
	if err := e.transport.Send(ctx, fromPeer, wire); err != nil {
		e.log.Debug("gossip: send invoke response failed", "peer", fromPeer, "error", err)
	}
	return OutcomeApplied, nil
}

// handleInvokeResponse delivers a response to its waiting SendInvoke caller,
// if one is still pending; a response with no matching waiter (already
// timed out, or a duplicate) is dropped.
func (e *Engine) handleInvokeResponse(env Envelope) (Outcome, error) {
	var payload InvokeResponsePayload
	if err := DecodePayload(env.Payload, &payload); err != nil {
		return OutcomeMalformed, err
	}

	e.mu.Lock()
	waiter, ok := e.pending[payload.RequestID]
	if ok {
		delete(e.pending, payload.RequestID)
	}
	e.mu.Unlock()

	if ok {
		select {
		case waiter.ch <- payload:
		default:
		}
	}
	return OutcomeApplied, nil
}

// SendInvoke signs and unicasts an InvokeRequestPayload to peerID, blocking
// until a matching InvokeResponsePayload arrives or timeout elapses.
// Implements the executor's Sender contract once adapted by the node
// orchestrator.
func (e *Engine) SendInvoke(ctx context.Context, peerID string, req InvokeRequestPayload) (InvokeResponsePayload, error) {
	payload, err := EncodePayload(req)
	if err != nil {
		return InvokeResponsePayload{}, err
	}
	env, err := e.sign(TypeInvokeReq, peerID, payload, 0)
	if err != nil {
		return InvokeResponsePayload{}, err
	}

	ch := make(chan InvokeResponsePayload, 1)
	e.mu.Lock()
	e.pending[req.RequestID] = invokeWaiter{ch: ch}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, req.RequestID)
		e.mu.Unlock()
	}()

	wire, err := e.encodeForWire(env)
	if err != nil {
		return InvokeResponsePayload{}, err
	}
	if err := e.transport.Send(ctx, peerID, wire); err != nil {
		return InvokeResponsePayload{}, fmt.Errorf("gossip: send invoke request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return InvokeResponsePayload{}, ctx.Err()
	}
}

// admitJoin validates a node_join payload's credentials through the wired
// Admitter. A join naming a different node than the envelope's sender is
// malformed; a rejected token or unparseable key is an auth failure.
func (e *Engine) admitJoin(env Envelope) (Outcome, error) {
	var payload NodeJoinPayload
	if err := DecodePayload(env.Payload, &payload); err != nil {
		return OutcomeMalformed, err
	}
	if payload.NodeID != env.From {
		return OutcomeMalformed, fmt.Errorf("gossip: node_join for %s sent by %s", payload.NodeID, env.From)
	}

	e.mu.Lock()
	admitter := e.admitter
	e.mu.Unlock()
	if admitter == nil {
		return OutcomeApplied, nil
	}
	if err := admitter.Admit(payload.NodeID, payload.PublicKey, payload.JoinToken); err != nil {
		return OutcomeBadSignature, fmt.Errorf("gossip: admit %s: %w", payload.NodeID, err)
	}
	return OutcomeApplied, nil
}

// SendTriggerEvent unicasts a trigger event to peerID: minted with a
// single-invocation grant, signed, sent once, and never forwarded. The
// sender does not wait for any acknowledgement.
func (e *Engine) SendTriggerEvent(ctx context.Context, peerID string, ev TriggerEventPayload) error {
	requestID, err := NewNonce()
	if err != nil {
		return err
	}
	ev.RequestID = requestID

	g, err := grant.Mint(e.signer, requestID, string(ev.Target), ev.Event, triggerGrantTTL)
	if err != nil {
		return fmt.Errorf("gossip: mint trigger grant: %w", err)
	}
	if ev.Grant, err = g.Encode(); err != nil {
		return err
	}

	payload, err := EncodePayload(ev)
	if err != nil {
		return err
	}
	env, err := e.sign(TypeTriggerEvent, peerID, payload, 0)
	if err != nil {
		return err
	}
	wire, err := e.encodeForWire(env)
	if err != nil {
		return err
	}
	return e.transport.Send(ctx, peerID, wire)
}

// triggerGrantTTL bounds how long a fired trigger's grant stays usable.
const triggerGrantTTL = 60 * time.Second

// handleTriggerEvent executes an inbound trigger event through the invoke
// sink, fire-and-forget: the grant travels with it and is checked by the
// executor, and no response is sent back.
func (e *Engine) handleTriggerEvent(ctx context.Context, env Envelope) (Outcome, error) {
	var payload TriggerEventPayload
	if err := DecodePayload(env.Payload, &payload); err != nil {
		return OutcomeMalformed, err
	}

	e.mu.Lock()
	sink := e.invokeSink
	e.mu.Unlock()
	if sink == nil {
		return OutcomeApplied, nil
	}

	resp := sink.HandleInvoke(ctx, InvokeRequestPayload{
		RequestID:    payload.RequestID,
		CapabilityID: payload.Target,
		Tool:         payload.Event,
		Params:       payload.Data,
		Context:      map[string]any{"priority": payload.Priority, "intent_type": payload.IntentType, "intent_text": payload.Text},
		HopBudget:    1,
		Grant:        payload.Grant,
	})
	if !resp.Success {
		e.log.Debug("gossip: trigger event execution failed", "event", payload.Event, "target", payload.Target, "error", resp.Error)
	}
	return OutcomeApplied, nil
}

// handleTokenRevoked purges every gradient entry attributed to the revoked
// node and, if a RevocationSink is wired, forgets its key and drops its
// transport sessions so a forged signature can never be accepted again.
func (e *Engine) handleTokenRevoked(env Envelope) (Outcome, error) {
	var payload TokenRevokedPayload
	if err := DecodePayload(env.Payload, &payload); err != nil {
		return OutcomeMalformed, err
	}

	e.mu.Lock()
	admitter := e.admitter
	e.mu.Unlock()
	if rv, ok := admitter.(RevocationVerifier); ok {
		if !rv.VerifyRevocation(payload.NodeID, payload.FounderSig) {
			return OutcomeBadSignature, fmt.Errorf("gossip: revocation of %s not signed by founder", payload.NodeID)
		}
	}

	if n := e.table.RemoveByNode(payload.NodeID); n > 0 {
		e.log.Info("gossip: purged routes for revoked node", "node", payload.NodeID, "count", n)
	}
	e.mu.Lock()
	sink := e.revocation
	e.mu.Unlock()
	if sink != nil {
		sink.PurgeNode(payload.NodeID)
	}
	return OutcomeApplied, nil
}

func (e *Engine) handleAnnounce(ctx context.Context, env Envelope, fromPeer string) (Outcome, error) {
	var payload AnnouncePayload
	if err := DecodePayload(env.Payload, &payload); err != nil {
		return OutcomeMalformed, err
	}

	for _, info := range payload.Capabilities {
		if e.tombstones.IsTombstoned(string(info.ID)) {
			continue
		}
		if !embedding.IsValid(info.Vector) {
			e.log.Warn("gossip: dropping capability with invalid vector", "capability", info.ID, "from", payload.FromNode)
			continue
		}
		newHops := uint8(1)
		if !info.Local {
			if info.Hops == math.MaxUint8 {
				continue // hop counter saturated, route unusable
			}
			newHops = info.Hops + 1
		}
		via := info.Via
		if via == "" {
			via = payload.FromNode
		}
		e.table.Update(info.ID, info.Label, info.Vector, newHops, fromPeer, via, info.EstLatencyMS+gradient.HopLatencyMS, info.Constraints)
	}

	if env.TTL > 0 {
		env.TTL--
		if env.TTL > 0 {
			e.forward(ctx, env, fromPeer, payload.FromNode)
		}
	}
	return OutcomeApplied, nil
}

// forward relays env to up to Fanout random peers excluding fromPeer and
// the originator, suppressing duplicates via the recent-forward cache.
func (e *Engine) forward(ctx context.Context, env Envelope, fromPeer, originator string) {
	e.mu.Lock()
	if _, dup := e.recentFwd[env.Nonce]; dup {
		e.mu.Unlock()
		return
	}
	e.recentFwd[env.Nonce] = time.Now()
	e.mu.Unlock()

	candidates := make([]string, 0)
	for _, p := range e.transport.Peers() {
		if p == fromPeer || p == originator {
			continue
		}
		candidates = append(candidates, p)
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > Fanout {
		candidates = candidates[:Fanout]
	}

	wire, err := e.encodeForWire(env)
	if err != nil {
		e.log.Warn("gossip: forward encode failed", "error", err)
		return
	}
	for _, p := range candidates {
		if err := e.transport.Send(ctx, p, wire); err != nil {
			e.log.Debug("gossip: forward send failed", "peer", p, "error", err)
			continue
		}
		if e.metrics != nil {
			e.metrics.GossipForwardsTotal.Inc()
		}
	}
}

// sweepRecentForwards drops forward-suppression records past the nonce
// retention window, keeping the cache bounded under announcement churn.
func (e *Engine) sweepRecentForwards() {
	cutoff := time.Now().Add(-NonceRetention)
	e.mu.Lock()
	defer e.mu.Unlock()
	for nonce, at := range e.recentFwd {
		if at.Before(cutoff) {
			delete(e.recentFwd, nonce)
		}
	}
}

func (e *Engine) handleHeartbeat(env Envelope) (Outcome, error) {
	var payload HeartbeatPayload
	if err := DecodePayload(env.Payload, &payload); err != nil {
		return OutcomeMalformed, err
	}
	for _, id := range payload.CapabilityIDs {
		e.table.Touch(id)
	}
	return OutcomeApplied, nil
}

func (e *Engine) handleRemoved(env Envelope) (Outcome, error) {
	var payload RemovedPayload
	if err := DecodePayload(env.Payload, &payload); err != nil {
		return OutcomeMalformed, err
	}
	e.table.Remove(payload.CapabilityID)
	e.tombstones.Mark(string(payload.CapabilityID))
	return OutcomeApplied, nil
}

func (e *Engine) handleUpdate(env Envelope) (Outcome, error) {
	var payload UpdatePayload
	if err := DecodePayload(env.Payload, &payload); err != nil {
		return OutcomeMalformed, err
	}
	if !e.table.Touch(payload.CapabilityID) {
		return OutcomeApplied, nil // update never widens scope: no-op if unknown
	}
	return OutcomeApplied, nil
}

// BuildHeartbeat constructs a signed Heartbeat envelope refreshing liveness
// for the given local capability ids, lighter-weight than a full
// BuildAnnouncement since it carries no capability projections.
func (e *Engine) BuildHeartbeat(ids []capability.ID, load float64, queueDepth int) (Envelope, error) {
	payload, err := EncodePayload(HeartbeatPayload{
		FromNode:      e.selfNodeID,
		CapabilityIDs: ids,
		Load:          load,
		QueueDepth:    queueDepth,
	})
	if err != nil {
		return Envelope{}, err
	}
	return e.sign(TypeHeartbeat, "", payload, DefaultTTL)
}

// BuildRemoved constructs a signed Removed envelope for a local capability.
func (e *Engine) BuildRemoved(id capability.ID) (Envelope, error) {
	payload, err := EncodePayload(RemovedPayload{CapabilityID: id})
	if err != nil {
		return Envelope{}, err
	}
	return e.sign(TypeRemoved, "", payload, DefaultTTL)
}

// BuildTokenRevoked constructs a signed TokenRevoked envelope for nodeID,
// carrying the founder's signature over the revoked id alongside this
// node's envelope signature.
func (e *Engine) BuildTokenRevoked(nodeID string, founderSig []byte) (Envelope, error) {
	payload, err := EncodePayload(TokenRevokedPayload{NodeID: nodeID, FounderSig: founderSig})
	if err != nil {
		return Envelope{}, err
	}
	return e.sign(TypeTokenRevoked, "", payload, DefaultTTL)
}

// BuildNodeJoin constructs a signed NodeJoin envelope introducing this node:
// its marshaled public key plus the founder-issued join token peers admit
// it by.
func (e *Engine) BuildNodeJoin(pubKey []byte, joinToken string) (Envelope, error) {
	payload, err := EncodePayload(NodeJoinPayload{
		NodeID:    e.selfNodeID,
		PublicKey: pubKey,
		JoinToken: joinToken,
	})
	if err != nil {
		return Envelope{}, err
	}
	return e.sign(TypeNodeJoin, "", payload, DefaultTTL)
}

// BuildNodeLeave constructs a signed NodeLeave envelope for this node.
func (e *Engine) BuildNodeLeave() (Envelope, error) {
	payload, err := EncodePayload(NodeLeavePayload{NodeID: e.selfNodeID})
	if err != nil {
		return Envelope{}, err
	}
	return e.sign(TypeNodeLeave, "", payload, DefaultTTL)
}

// BroadcastEnvelope signs nothing further and sends env as-is to all peers;
// used by callers (node orchestrator shutdown) that built the envelope
// themselves via the Build* helpers.
func (e *Engine) BroadcastEnvelope(ctx context.Context, env Envelope) error {
	wire, err := e.encodeForWire(env)
	if err != nil {
		return err
	}
	return e.transport.Broadcast(ctx, wire)
}
