// Package gradient implements the bounded distance-vector routing table:
// capability id -> best known route. It is the mesh's single source of
// truth for "who can handle this capability, and how far away are they."
//
// One RWMutex guards a plain map: readers (Router.Route, FindBest) take
// the read lock, writers (gossip ingestion) take the write lock. No
// CPU-bound work holds a lock; the cosine scan snapshots entries under the
// read lock, releases it, then scores.
package gradient

import (
	"sort"
	"sync"
	"time"

	"github.com/latticemesh/meshnode/internal/capability"
	"github.com/latticemesh/meshnode/internal/embedding"
)

const (
	// MaxSize is the default bound on the number of tracked entries.
	MaxSize = 1000
	// ExpirySeconds is how long an entry survives without a refresh.
	ExpirySeconds = 300
	// HopLatencyMS is the assumed per-hop link latency estimate.
	HopLatencyMS = 10
	// ConfidenceDecay is the per-hop confidence multiplier (0.95^hops).
	ConfidenceDecay = 0.95
	// StaleAfter marks an entry stale when no heartbeat or announcement has
	// refreshed it for this long; stale entries stay routable but score as
	// if they were one hop farther away.
	StaleAfter = 90 * time.Second
)

// Entry is a single routing record.
type Entry struct {
	CapID        capability.ID
	Label        string
	Vector       capability.Vector
	Hops         uint8
	NextHop      string // peer id of the directly-reachable next hop
	Via          string // originating node id
	EstLatencyMS float64
	Constraints  capability.Constraints
	LastUpdated  time.Time
	local        bool // true for this node's own capabilities: hops=0, never evicted/expired
}

// Confidence returns 0.95^hops.
func (e Entry) Confidence() float64 {
	c := 1.0
	for i := uint8(0); i < e.Hops; i++ {
		c *= ConfidenceDecay
	}
	return c
}

func (e Entry) expired(now time.Time) bool {
	if e.local {
		return false
	}
	return now.Sub(e.LastUpdated) > ExpirySeconds*time.Second
}

// Stale reports whether the entry has gone StaleAfter without a refresh.
func (e Entry) Stale(now time.Time) bool {
	if e.local {
		return false
	}
	return now.Sub(e.LastUpdated) > StaleAfter
}

// Table is the bounded routing store.
type Table struct {
	mu      sync.RWMutex
	maxSize int
	entries map[capability.ID]Entry

	// offline reports whether a next-hop peer is currently unreachable;
	// entries routed through an offline peer score as if one hop farther
	// but are not removed. Nil means no peer is considered offline.
	offline func(peerID string) bool

	evictions uint64
}

// New creates an empty Table bounded at maxSize entries (0 = MaxSize default).
func New(maxSize int) *Table {
	if maxSize <= 0 {
		maxSize = MaxSize
	}
	return &Table{
		maxSize: maxSize,
		entries: make(map[capability.ID]Entry),
	}
}

// SetOfflineCheck wires the transport layer's peer-offline signal into
// scoring. Safe to call before any reads; not safe to swap concurrently
// with them.
func (t *Table) SetOfflineCheck(check func(peerID string) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offline = check
}

// Evictions returns the total number of capacity evictions so far.
func (t *Table) Evictions() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.evictions
}

// UpdateLocal installs or refreshes a local capability's own entry: hops=0,
// next-hop=self, never expired or evicted. Local entries do not count
// against eviction pressure from remote churn in the sense that they are
// never chosen as the eviction victim.
func (t *Table) UpdateLocal(capID capability.ID, label string, vec capability.Vector, selfID string, constraints capability.Constraints) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[capID] = Entry{
		CapID:       capID,
		Label:       label,
		Vector:      vec,
		Hops:        0,
		NextHop:     selfID,
		Via:         selfID,
		Constraints: constraints,
		LastUpdated: time.Now(),
		local:       true,
	}
}

// Update accepts a remote route if no entry exists for capID, or if the new
// hop count strictly improves on the incumbent, or if the incumbent has
// expired. On capacity, the lowest confidence/(1+age_minutes) entry is
// evicted first. Returns whether the table was changed.
func (t *Table) Update(capID capability.ID, label string, vec capability.Vector, hops uint8, nextHop, via string, estLatencyMS float64, constraints capability.Constraints) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	existing, ok := t.entries[capID]
	if ok {
		if existing.local {
			return false // never overwritten by gossip
		}
		if !existing.expired(now) && hops >= existing.Hops {
			return false
		}
	}

	if !ok && len(t.entries) >= t.maxSize {
		t.evictOne(now)
	}

	t.entries[capID] = Entry{
		CapID:        capID,
		Label:        label,
		Vector:       vec,
		Hops:         hops,
		NextHop:      nextHop,
		Via:          via,
		EstLatencyMS: estLatencyMS,
		Constraints:  constraints,
		LastUpdated:  now,
	}
	return true
}

// evictOne removes the entry minimizing confidence/(1+age_minutes), never
// choosing a local entry. Caller must hold the write lock.
func (t *Table) evictOne(now time.Time) {
	var victim capability.ID
	best := -1.0
	found := false
	for id, e := range t.entries {
		if e.local {
			continue
		}
		ageMinutes := now.Sub(e.LastUpdated).Minutes()
		score := e.Confidence() / (1 + ageMinutes)
		if !found || score < best {
			best = score
			victim = id
			found = true
		}
	}
	if found {
		delete(t.entries, victim)
		t.evictions++
	}
}

// Scored pairs a candidate entry with its raw similarity-times-confidence
// score, before any router policy adjustment.
type Scored struct {
	Entry Entry
	Score float64
}

// FindCandidates returns every non-expired entry whose raw score
// similarity(intentVec, entry.vec) * entry.confidence exceeds minScore,
// for callers that layer policy adjustments on top before final ranking.
// Entries whose next hop is offline, or that have gone stale awaiting a
// heartbeat, score with one extra hop of confidence decay but stay
// eligible.
func (t *Table) FindCandidates(intentVec capability.Vector, minScore float64) []Scored {
	snapshot, offline := t.snapshotLive()
	now := time.Now()

	var out []Scored
	for _, e := range snapshot {
		sim := float64(embedding.Dot(intentVec, e.Vector))
		conf := e.Confidence()
		if (offline != nil && offline(e.NextHop)) || e.Stale(now) {
			conf *= ConfidenceDecay
		}
		if adjusted := sim * conf; adjusted > minScore {
			out = append(out, Scored{Entry: e, Score: adjusted})
		}
	}
	return out
}

// FindBest scans non-expired entries, scores each by
// similarity(intentVec, entry.vec) * entry.confidence, and returns the
// maximum exceeding minScore. Returns ok=false if nothing qualifies.
func (t *Table) FindBest(intentVec capability.Vector, minScore float64) (Entry, float64, bool) {
	var best Entry
	bestScore := minScore
	found := false
	for _, c := range t.FindCandidates(intentVec, minScore) {
		if c.Score > bestScore || (found && c.Score == bestScore && tieBreaks(c.Entry, best)) {
			bestScore = c.Score
			best = c.Entry
			found = true
		}
	}
	return best, bestScore, found
}

// tieBreaks reports whether candidate should replace incumbent under equal
// score: fewer hops, then lower estimated latency, then lower capability id.
func tieBreaks(candidate, incumbent Entry) bool {
	if candidate.Hops != incumbent.Hops {
		return candidate.Hops < incumbent.Hops
	}
	if candidate.EstLatencyMS != incumbent.EstLatencyMS {
		return candidate.EstLatencyMS < incumbent.EstLatencyMS
	}
	return candidate.CapID < incumbent.CapID
}

// snapshotLive returns a copy of all non-expired entries plus the current
// offline check, taken under the read lock so the cosine scan that follows
// never holds it.
func (t *Table) snapshotLive() ([]Entry, func(string) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if e.expired(now) {
			continue
		}
		out = append(out, e)
	}
	return out, t.offline
}

// FindLocalCandidates behaves like FindCandidates but only considers this
// node's own capabilities, for callers enforcing a data-stays-local
// constraint.
func (t *Table) FindLocalCandidates(intentVec capability.Vector, minScore float64) []Scored {
	t.mu.RLock()
	local := make([]Entry, 0)
	for _, e := range t.entries {
		if e.local {
			local = append(local, e)
		}
	}
	t.mu.RUnlock()

	var out []Scored
	for _, e := range local {
		sim := float64(embedding.Dot(intentVec, e.Vector))
		if adjusted := sim * e.Confidence(); adjusted > minScore {
			out = append(out, Scored{Entry: e, Score: adjusted})
		}
	}
	return out
}

// TieBreaks reports whether candidate should replace incumbent under an
// equal adjusted score: fewer hops, then lower estimated latency, then
// lower capability id (stable).
func TieBreaks(candidate, incumbent Entry) bool {
	return tieBreaks(candidate, incumbent)
}

// IsLocal reports whether capID's current entry is locally owned.
func (t *Table) IsLocal(capID capability.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[capID]
	return ok && e.local
}

// Touch refreshes an existing entry's LastUpdated without otherwise
// mutating it or re-running the hop-strictness check, for heartbeat
// handling: liveness is monotonic in last_updated regardless of hops.
// Returns false if no entry exists for capID.
func (t *Table) Touch(capID capability.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[capID]
	if !ok {
		return false
	}
	e.LastUpdated = time.Now()
	t.entries[capID] = e
	return true
}

// PruneExpired drops entries whose last-updated is older than ExpirySeconds
// and returns the count removed. Local entries are never pruned.
func (t *Table) PruneExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, e := range t.entries {
		if e.expired(now) {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

// Remove deletes an entry by capability id, regardless of local/remote.
func (t *Table) Remove(capID capability.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, capID)
}

// RemoveByNode purges every non-local entry whose originating node (Via) or
// next hop matches nodeID, used when a TokenRevoked message immediately
// invalidates a node's routes. Returns the count removed.
func (t *Table) RemoveByNode(nodeID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, e := range t.entries {
		if e.local {
			continue
		}
		if e.Via == nodeID || e.NextHop == nodeID {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

// Get returns a copy of the entry for capID, if present.
func (t *Table) Get(capID capability.ID) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[capID]
	return e, ok
}

// Size returns the number of tracked entries.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns a stable-ordered copy of all entries, for status
// reporting and tests.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapID < out[j].CapID })
	return out
}

// FindByHint looks up a live entry (local or remote) whose capability id matches a
// glob-ish type prefix hint (used by the trigger pipeline's route_hint
// fast-path before falling back to semantic routing). An exact prefix match
// on "node_id:type:" is treated as a hit; "*" suffixes are stripped.
func (t *Table) FindByHint(hint string) (Entry, bool) {
	if hint == "" {
		return Entry{}, false
	}
	prefix := hint
	if len(prefix) > 0 && prefix[len(prefix)-1] == '*' {
		prefix = prefix[:len(prefix)-1]
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	for id, e := range t.entries {
		if e.expired(now) {
			continue
		}
		if hasPrefix(string(id), prefix) {
			return e, true
		}
	}
	return Entry{}, false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
