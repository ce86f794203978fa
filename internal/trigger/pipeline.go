// Package trigger implements the throttled emission of capability-originated
// events as routed intents: a capability fires an event, the pipeline
// renders its intent template, resolves a route (hint first, semantic
// fallback), and dispatches via the executor. Fire-and-forget at the
// sender; the throttle gate is a monotonic-clock per-(capability,event)
// gate rather than a sliding window, so idle periods never bank a burst.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/latticemesh/meshnode/internal/capability"
	"github.com/latticemesh/meshnode/internal/gossip"
	"github.com/latticemesh/meshnode/internal/gradient"
	"github.com/latticemesh/meshnode/internal/router"
)

// PriorityCritical triggers skip the throttle window entirely.
const PriorityCritical = "critical"

// Intent is the routed request a trigger becomes.
type Intent struct {
	Type     string
	Text     string
	Source   capability.ID
	Data     map[string]any
	Priority string
}

// Router is the subset of the semantic router the pipeline consults.
type Router interface {
	RouteText(ctx context.Context, intentText string, rc router.Context) (router.Decision, error)
}

// GradientLookup is the subset of the gradient table used for the
// route_hint fast-path before falling back to semantic routing.
type GradientLookup interface {
	FindByHint(hint string) (gradient.Entry, bool)
}

// Dispatcher executes a resolved route decision; normally the executor.
type Dispatcher interface {
	Execute(ctx context.Context, decision router.Decision, toolName string, params map[string]any, reqCtx map[string]any, reroute func() (router.Decision, error)) (map[string]any, error)
}

// EventSender delivers a trigger event to a remote peer as a one-way
// trigger_event message; normally the gossip engine.
type EventSender interface {
	SendTriggerEvent(ctx context.Context, peerID string, ev gossip.TriggerEventPayload) error
}

// Pipeline gates, renders, and dispatches capability triggers.
type Pipeline struct {
	log      *slog.Logger
	router   Router
	gradient GradientLookup
	exec     Dispatcher

	selfNodeID string
	events     EventSender

	mu      sync.Mutex
	lastFired map[string]time.Time // "capID/event" -> last non-throttled fire
}

// SetEventSender wires one-way remote delivery: with it set, a trigger
// routed to another node goes out as a trigger_event message instead of a
// request/response invocation. selfNodeID distinguishes local decisions.
func (p *Pipeline) SetEventSender(selfNodeID string, events EventSender) {
	p.selfNodeID = selfNodeID
	p.events = events
}

// New creates a Pipeline.
func New(log *slog.Logger, rtr Router, grad GradientLookup, exec Dispatcher) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:       log,
		router:    rtr,
		gradient:  grad,
		exec:      exec,
		lastFired: make(map[string]time.Time),
	}
}

// Fire implements the trigger pipeline's steps: throttle check,
// template render, route (hint then semantic), dispatch. It is
// fire-and-forget at the caller; errors are logged, not returned. The
// receiver may acknowledge but need not. A caller that wants the dispatch
// result synchronously should use FireSync instead.
func (p *Pipeline) Fire(ctx context.Context, capID capability.ID, tr capability.Trigger, payload map[string]any) {
	go func() {
		if _, err := p.FireSync(ctx, capID, tr, payload); err != nil {
			p.log.Warn("trigger: fire failed", "capability", capID, "event", tr.Event, "error", err)
		}
	}()
}

// FireSync runs the pipeline synchronously and returns the dispatch result
// for locally executed triggers, for callers (tests, synchronous adapters)
// that need it. A trigger delivered to a remote peer is one-way: FireSync
// returns (nil, nil) once the event is handed to the transport.
func (p *Pipeline) FireSync(ctx context.Context, capID capability.ID, tr capability.Trigger, payload map[string]any) (map[string]any, error) {
	if tr.Priority != PriorityCritical && p.throttled(capID, tr) {
		return nil, nil // silent discard within the throttle window
	}

	text := renderTemplate(tr.IntentTemplate, payload)
	intent := Intent{
		Type:     "trigger/" + capTypeOf(capID) + "/" + tr.Event,
		Text:     text,
		Source:   capID,
		Data:     payload,
		Priority: tr.Priority,
	}

	decision, err := p.resolveRoute(ctx, intent, tr.RouteHint)
	if err != nil {
		return nil, fmt.Errorf("trigger: resolve route for %s/%s: %w", capID, tr.Event, err)
	}

	if p.events != nil && decision.NodeID != p.selfNodeID {
		err := p.events.SendTriggerEvent(ctx, eventPeerOf(decision), gossip.TriggerEventPayload{
			IntentType: intent.Type,
			Text:       intent.Text,
			Source:     intent.Source,
			Target:     decision.CapabilityID,
			Event:      tr.Event,
			Data:       intent.Data,
			Priority:   intent.Priority,
		})
		if err != nil {
			return nil, fmt.Errorf("trigger: send event for %s/%s: %w", capID, tr.Event, err)
		}
		return nil, nil // one-way; no result to return
	}

	reroute := func() (router.Decision, error) {
		return p.router.RouteText(ctx, intent.Text, router.Context{})
	}
	return p.exec.Execute(ctx, decision, tr.Event, intent.Data, map[string]any{"priority": intent.Priority}, reroute)
}

// eventPeerOf picks the peer a trigger event is physically sent to.
func eventPeerOf(d router.Decision) string {
	if d.NextHop != "" {
		return d.NextHop
	}
	return d.NodeID
}

// resolveRoute attempts the glob/type-prefix hint lookup first, falling
// through to semantic routing on a miss.
func (p *Pipeline) resolveRoute(ctx context.Context, intent Intent, hint string) (router.Decision, error) {
	if hint != "" && p.gradient != nil {
		if entry, ok := p.gradient.FindByHint(hint); ok {
			return router.Decision{
				NodeID:       entry.Via,
				NextHop:      entry.NextHop,
				CapabilityID: entry.CapID,
				Hops:         entry.Hops,
				EstLatencyMS: entry.EstLatencyMS,
			}, nil
		}
	}
	return p.router.RouteText(ctx, intent.Text, router.Context{})
}

// throttled reports whether event for capID fired within its throttle
// window, and records the current fire time if not.
func (p *Pipeline) throttled(capID capability.ID, tr capability.Trigger) bool {
	if tr.ThrottleWindow <= 0 {
		return false
	}
	key := string(capID) + "/" + tr.Event

	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastFired[key]
	now := time.Now()
	if ok && now.Sub(last) < time.Duration(tr.ThrottleWindow)*time.Second {
		return true
	}
	p.lastFired[key] = now
	return false
}

// renderTemplate substitutes "{field}" placeholders in tmpl with string
// forms of payload values ("motion at {location}").
func renderTemplate(tmpl string, payload map[string]any) string {
	out := tmpl
	for k, v := range payload {
		out = strings.ReplaceAll(out, "{"+k+"}", fmt.Sprint(v))
	}
	return out
}

func capTypeOf(id capability.ID) string {
	_, typ, _, err := id.Split()
	if err != nil {
		return "unknown"
	}
	return typ
}
