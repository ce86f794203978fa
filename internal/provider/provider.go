// Package provider defines the boundary between the mesh core and external
// backend adapters (local inference runtimes, model registries, smart-home
// bridges, cloud APIs). Adapters live outside the core; this package is
// the interface the core consumes, with no concrete implementations
// shipped here.
package provider

import "context"

// HealthStatus reports a backend's current reachability.
type HealthStatus struct {
	Healthy    bool
	LatencyMS  float64
	Details    string
}

// ExecResult is the outcome of one tool invocation against a backend.
type ExecResult struct {
	Success    bool
	Data       map[string]any
	Error      string
	DurationMS int64
}

// Provider is the capability-provider boundary: the five methods an
// external adapter implements so the core can discover,
// connect, health-check, execute, and disconnect without knowing anything
// about the concrete backend.
type Provider interface {
	// Discover reports whether the backend is reachable at all.
	Discover(ctx context.Context) (bool, error)
	// Connect establishes a session and returns the capabilities and tools
	// this backend currently exposes.
	Connect(ctx context.Context) (capabilities []CapabilityDescriptor, err error)
	// HealthCheck reports current backend health.
	HealthCheck(ctx context.Context) (HealthStatus, error)
	// Execute invokes toolName with params and returns its result.
	Execute(ctx context.Context, toolName string, params map[string]any, callCtx map[string]any) (ExecResult, error)
	// Disconnect tears down the session.
	Disconnect(ctx context.Context) error
}

// CapabilityDescriptor is the adapter-side description of a capability
// before it is registered with the core's capability registry: the
// adapter supplies label/description/tools/triggers; the core computes the
// embedding and owns the resulting capability.Capability.
type CapabilityDescriptor struct {
	Type        string
	Label       string
	Description string
	Tools       []ToolDescriptor
	Triggers    []TriggerDescriptor
	Metadata    map[string]string
}

// ToolDescriptor mirrors capability.Tool minus the capability binding,
// which the registry fills in at registration time.
type ToolDescriptor struct {
	Name        string
	Description string
	ParamFields map[string]string
	Required    []string
	TimeoutMS   int64
	Retries     int
	Idempotent  bool
}

// TriggerDescriptor mirrors capability.Trigger minus the owning capability.
type TriggerDescriptor struct {
	Event          string
	Description    string
	IntentTemplate string
	RouteHint      string
	Priority       string
	ThrottleWindow int64
}
