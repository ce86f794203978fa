// Package capability defines the core data model for mesh capabilities:
// named units of work a node can perform, the tools they expose, and the
// triggers they may emit.
package capability

import (
	"fmt"
	"strings"
)

// Vector is a 384-dimensional unit-normalized embedding.
type Vector [384]float32

// ID identifies a capability as "node_id:type:name".
type ID string

// NewID builds a capability ID from its three components.
func NewID(nodeID, typ, name string) ID {
	return ID(nodeID + ":" + typ + ":" + name)
}

// Split parses an ID back into node id, type, and name.
func (id ID) Split() (nodeID, typ, name string, err error) {
	parts := strings.SplitN(string(id), ":", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("capability: malformed id %q", id)
	}
	return parts[0], parts[1], parts[2], nil
}

// Constraints describes execution constraints advertised by a capability.
type Constraints struct {
	GPURequired     bool     `json:"gpu_required,omitempty"`
	MaxInputBytes   int64    `json:"max_input_bytes,omitempty"`
	AllowedFormats  []string `json:"allowed_formats,omitempty"`
	LargeModel      bool     `json:"large_model,omitempty"`
	CostPerCallUSD  float64  `json:"cost_per_call_usd,omitempty"`
}

// Capability is a local, authoritative definition owned by the capability
// registry. It is created at registration, mutated only by its owner, and
// destroyed on explicit removal or node shutdown.
type Capability struct {
	ID          ID
	Type        string
	Label       string
	Description string
	Vector      Vector
	Tools       []Tool
	Triggers    []Trigger
	Metadata    map[string]string
	Constraints Constraints
}

// Tool is a callable operation bound to a capability.
type Tool struct {
	Name        string
	Description string
	ParamSpec   Schema
	ReturnSpec  Schema
	CapID       ID
	Policy      ExecutionPolicy
	Hints       RoutingHints
	Permissions []string
}

// ExecutionPolicy controls how a tool call is dispatched.
type ExecutionPolicy struct {
	TimeoutMS    int64
	Retries      int
	Idempotent   bool
	AsyncAllowed bool
}

// RoutingHints bias the router/executor's choice of next hop for a tool.
type RoutingHints struct {
	PreferLocal  bool
	NodeAffinity string
	HopLimit     uint8
}

// Trigger is a capability-originated event that becomes a routed intent.
type Trigger struct {
	Event          string
	Description    string
	IntentTemplate string
	PayloadSchema  Schema
	RouteHint      string // glob or type prefix, empty = none
	Priority       string // "normal" | "critical"
	ThrottleWindow int64  // seconds
}

// Schema is a minimal JSON-schema-style parameter/return descriptor: a map
// from field name to a type tag ("string", "number", "bool", "object",
// "array") plus which fields are required.
type Schema struct {
	Fields   map[string]string
	Required []string
}

// Validate checks that params satisfies the schema: every required field is
// present, and every present field's Go value kind matches the declared
// type tag. It is a pure function with no side effects, used by both the
// executor (before local dispatch) and tests.
func Validate(s Schema, params map[string]any) error {
	for _, req := range s.Required {
		if _, ok := params[req]; !ok {
			return fmt.Errorf("capability: missing required field %q", req)
		}
	}
	for field, val := range params {
		want, declared := s.Fields[field]
		if !declared {
			continue // additional fields are tolerated
		}
		if !kindMatches(want, val) {
			return fmt.Errorf("capability: field %q expected type %q", field, want)
		}
	}
	return nil
}

func kindMatches(tag string, v any) bool {
	switch tag {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true // unknown tag: don't block on it
	}
}
