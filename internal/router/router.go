// Package router implements the semantic router: resolving an intent, as
// text or a precomputed vector, to the best known capability route under a
// multiplicative scoring policy layered on top of the gradient table's raw
// cosine-times-confidence score.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/latticemesh/meshnode/internal/capability"
	"github.com/latticemesh/meshnode/internal/embedding"
	"github.com/latticemesh/meshnode/internal/gradient"
)

// MinScore is the floor applied before any policy adjustment runs.
const MinScore = 0.5

// ErrNoRoute is returned when no gradient entry clears MinScore.
var ErrNoRoute = errors.New("router: no route found for intent")

// ErrConstraintUnsatisfied is returned when a caller requires data_stays_local
// and no local capability satisfies the intent.
var ErrConstraintUnsatisfied = errors.New("router: constraint unsatisfied: no local capability available")

// largeModelIndicators are substrings in intent text that suggest the
// caller wants high-reasoning capacity, eligible for the large-model boost.
var largeModelIndicators = []string{"reason", "analyze", "complex", "plan", "deep"}

// Context carries the optional per-call routing inputs from the caller.
type Context struct {
	PreferFree     bool
	DataStaysLocal bool
	// Load reports the last known load of a candidate capability's owning
	// node, in [0,1]. Keyed by capability id; missing entries are treated
	// as unknown (no load adjustment applied).
	Load map[capability.ID]float64
}

// Decision is the result of a successful route. NodeID is the originating
// node that owns the capability; NextHop is the directly reachable peer a
// forwarded invocation is sent to (equal to NodeID at one hop or less).
type Decision struct {
	NodeID       string
	NextHop      string
	CapabilityID capability.ID
	Score        float64
	Hops         uint8
	EstLatencyMS float64
}

// Router resolves intents against a gradient table.
type Router struct {
	table    *gradient.Table
	embedder embedding.Provider
}

// New creates a Router over table, embedding intent text via embedder.
func New(table *gradient.Table, embedder embedding.Provider) *Router {
	return &Router{table: table, embedder: embedder}
}

// RouteText embeds intentText and routes it.
func (r *Router) RouteText(ctx context.Context, intentText string, rc Context) (Decision, error) {
	vec, err := r.embedder.Embed(ctx, intentText)
	if err != nil {
		return Decision{}, fmt.Errorf("router: embed intent: %w", err)
	}
	return r.Route(intentText, vec, rc)
}

// Route resolves a precomputed intent vector (intentText may be empty if
// only a vector was supplied by the caller; it is used only for the
// keyword-based policy adjustments, which degrade gracefully without it).
func (r *Router) Route(intentText string, intentVec capability.Vector, rc Context) (Decision, error) {
	if !embedding.IsValid(intentVec) {
		return Decision{}, fmt.Errorf("router: invalid intent vector")
	}

	var candidates []gradient.Scored
	if rc.DataStaysLocal {
		candidates = r.table.FindLocalCandidates(intentVec, MinScore)
		if len(candidates) == 0 {
			return Decision{}, ErrConstraintUnsatisfied
		}
	} else {
		candidates = r.table.FindCandidates(intentVec, MinScore)
		if len(candidates) == 0 {
			return Decision{}, ErrNoRoute
		}
	}

	// Policy adjustments are per-candidate and multiplicative, so a loaded
	// nearby node can lose to an idle one that scored slightly lower on raw
	// similarity. Ranking happens after adjustment, with the stable
	// tie-break order on exact score ties.
	var best gradient.Entry
	bestScore := 0.0
	found := false
	for _, c := range candidates {
		adjusted := c.Score * policyMultiplier(intentText, c.Entry, rc)
		if !found || adjusted > bestScore || (adjusted == bestScore && gradient.TieBreaks(c.Entry, best)) {
			bestScore = adjusted
			best = c.Entry
			found = true
		}
	}

	return Decision{
		NodeID:       best.Via,
		NextHop:      best.NextHop,
		CapabilityID: best.CapID,
		Score:        bestScore,
		Hops:         best.Hops,
		EstLatencyMS: best.EstLatencyMS,
	}, nil
}

// policyMultiplier computes the product of every applicable multiplicative
// adjustment from the scoring policy.
func policyMultiplier(intentText string, entry gradient.Entry, rc Context) float64 {
	m := 1.0

	if matchesLargeModelIntent(intentText) && entry.Constraints.LargeModel {
		m *= 1.2
	}
	if matchesSpecialty(intentText, entry.CapID) {
		m *= 1.2
	}

	if load, ok := rc.Load[entry.CapID]; ok {
		switch {
		case load > 0.8:
			m *= 0.7
		case load < 0.3:
			m *= 1.1
		}
	}

	if rc.PreferFree {
		if entry.Constraints.CostPerCallUSD == 0 {
			m *= 1.3
		} else {
			m *= 0.8
		}
	}

	return m
}

func matchesLargeModelIntent(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range largeModelIndicators {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// matchesSpecialty reports whether intent keywords mention the capability's
// type component (e.g. intent "transcribe this audio" matching a capability
// id "node1:audio:transcribe").
func matchesSpecialty(intentText string, capID capability.ID) bool {
	_, typ, _, err := capID.Split()
	if err != nil || typ == "" {
		return false
	}
	return strings.Contains(strings.ToLower(intentText), strings.ToLower(typ))
}
