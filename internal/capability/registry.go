package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// HeartbeatInterval is how often a registered capability's local entry is
// expected to be refreshed. The registry does not run its own ticker; the
// node orchestrator drives Touch on this cadence, alongside its other
// fixed-interval health ticks.
const HeartbeatInterval = 30 * time.Second

// record is the registry's internal bookkeeping for a capability: the
// authoritative definition plus local liveness state.
type record struct {
	Capability  Capability `json:"capability"`
	LastSeen    time.Time  `json:"last_seen"`
}

// TriggerSink receives a fired trigger event; wired to the trigger
// pipeline by the node orchestrator. The registry itself has no opinion on
// throttling or routing; it only hands the event off.
type TriggerSink interface {
	Fire(ctx context.Context, capID ID, tr Trigger, payload map[string]any)
}

// Provider produces a deterministic, unit-normalized embedding for text.
// Defined here (rather than imported from internal/embedding) so the
// registry depends only on this interface and not on the embedding
// package's concrete implementations, avoiding an import cycle.
type Provider interface {
	Embed(ctx context.Context, text string) (Vector, error)
}

// Registry is the authoritative, local store of capabilities this node
// hosts. It embeds each capability once at registration time and refreshes
// liveness via Touch. One RWMutex guards a plain map, with snapshot-style
// reads that copy out from under the lock.
type Registry struct {
	mu       sync.RWMutex
	path     string // optional snapshot file; empty disables persistence
	embedder Provider
	records  map[ID]*record
	sink     TriggerSink
}

// NewRegistry creates an empty registry. If path is non-empty, the registry
// attempts a best-effort load from it.
func NewRegistry(embedder Provider, path string) *Registry {
	r := &Registry{
		path:     path,
		embedder: embedder,
		records:  make(map[ID]*record),
	}
	if path != "" {
		_ = r.Load()
	}
	return r
}

// SetTriggerSink wires the trigger pipeline; FireTrigger is a no-op until
// this is called (at startup the registry loads before the trigger
// pipeline exists).
func (r *Registry) SetTriggerSink(sink TriggerSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// FireTrigger looks up event on capID's registered triggers and hands it to
// the trigger pipeline. Returns false if capID has no such trigger or no
// sink is wired.
func (r *Registry) FireTrigger(ctx context.Context, capID ID, event string, payload map[string]any) bool {
	r.mu.RLock()
	rec, ok := r.records[capID]
	sink := r.sink
	r.mu.RUnlock()
	if !ok || sink == nil {
		return false
	}
	for _, tr := range rec.Capability.Triggers {
		if tr.Event == event {
			sink.Fire(ctx, capID, tr, payload)
			return true
		}
	}
	return false
}

// Register computes the capability's embedding (if not already set) and
// installs it. Registration is idempotent: re-registering the same ID
// replaces the definition and resets liveness without error.
func (r *Registry) Register(ctx context.Context, c Capability) (Capability, error) {
	if c.ID == "" {
		return Capability{}, fmt.Errorf("capability: register requires a non-empty id")
	}
	if _, _, _, err := c.ID.Split(); err != nil {
		return Capability{}, err
	}

	zero := Vector{}
	if c.Vector == zero {
		text := c.Label + " " + c.Description
		vec, err := r.embedder.Embed(ctx, text)
		if err != nil {
			return Capability{}, fmt.Errorf("capability: embed at registration: %w", err)
		}
		c.Vector = vec
	}

	r.mu.Lock()
	r.records[c.ID] = &record{Capability: c, LastSeen: time.Now()}
	r.mu.Unlock()
	return c, nil
}

// Deregister removes a capability. Returns false if it was not present.
func (r *Registry) Deregister(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return false
	}
	delete(r.records, id)
	return true
}

// Touch refreshes a capability's liveness timestamp, used for the periodic
// heartbeat. Returns false if the capability is not registered.
func (r *Registry) Touch(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return false
	}
	rec.LastSeen = time.Now()
	return true
}

// Get returns a copy of the capability, if registered.
func (r *Registry) Get(id ID) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Capability{}, false
	}
	return rec.Capability, true
}

// GetTool returns the named tool of a registered capability.
func (r *Registry) GetTool(id ID, toolName string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Tool{}, false
	}
	for _, t := range rec.Capability.Tools {
		if t.Name == toolName {
			return t, true
		}
	}
	return Tool{}, false
}

// List returns the gossiped Info projection of every registered capability.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, Project(rec.Capability))
	}
	return out
}

// FindTriggers returns every trigger across registered capabilities whose
// Event matches, along with the owning capability ID.
func (r *Registry) FindTriggers(event string) []TriggerMatch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []TriggerMatch
	for id, rec := range r.records {
		for _, tr := range rec.Capability.Triggers {
			if tr.Event == event {
				out = append(out, TriggerMatch{CapID: id, Trigger: tr})
			}
		}
	}
	return out
}

// TriggerMatch pairs a trigger definition with the capability that owns it.
type TriggerMatch struct {
	CapID   ID
	Trigger Trigger
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// snapshotFile is the on-disk shape used by Load/Save.
type snapshotFile struct {
	Records map[ID]*record `json:"records"`
}

// Load reads the registry snapshot from disk, if persistence is enabled.
func (r *Registry) Load() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("capability: read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("capability: parse snapshot: %w", err)
	}

	r.mu.Lock()
	r.records = snap.Records
	if r.records == nil {
		r.records = make(map[ID]*record)
	}
	r.mu.Unlock()
	return nil
}

// Save persists the registry atomically via temp file + rename.
func (r *Registry) Save() error {
	if r.path == "" {
		return nil
	}

	r.mu.RLock()
	data, err := json.MarshalIndent(snapshotFile{Records: r.records}, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("capability: marshal snapshot: %w", err)
	}

	tmpPath := r.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("capability: write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("capability: rename temp snapshot: %w", err)
	}
	return nil
}
