package gossip

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/latticemesh/meshnode/internal/capability"
)

// MaxAnnouncedCapabilities bounds how many local capability projections ride
// in a single announcement.
const MaxAnnouncedCapabilities = 50

// AnnouncePayload carries a node's local capability projections plus a
// lightweight resource snapshot.
type AnnouncePayload struct {
	FromNode     string               `cbor:"1,keyasint"`
	Capabilities []capability.Info    `cbor:"2,keyasint"`
	Load         float64              `cbor:"3,keyasint"` // 0..1, this node's current load
	QueueDepth   int                  `cbor:"4,keyasint"`
}

// HeartbeatPayload refreshes liveness for a set of capability ids without
// creating new gradient entries.
type HeartbeatPayload struct {
	FromNode     string        `cbor:"1,keyasint"`
	CapabilityIDs []capability.ID `cbor:"2,keyasint"`
	Load         float64       `cbor:"3,keyasint"`
	QueueDepth   int           `cbor:"4,keyasint"`
}

// RemovedPayload tombstones a capability id.
type RemovedPayload struct {
	CapabilityID capability.ID `cbor:"1,keyasint"`
}

// UpdatePayload names an existing entry to update without widening routing
// scope. Receivers only refresh that entry's last-updated time; the gradient
// table keeps no metadata, so Metadata is carried but not stored.
type UpdatePayload struct {
	CapabilityID capability.ID     `cbor:"1,keyasint"`
	Metadata     map[string]string `cbor:"2,keyasint"`
}

// NodeJoinPayload introduces a node to its peers: its public key (so
// subsequent signatures from it can be verified) and its founder-signed
// join token (so peers admit it without contacting the founder).
// Capability changes travel in their own messages.
type NodeJoinPayload struct {
	NodeID    string `cbor:"1,keyasint"`
	PublicKey []byte `cbor:"2,keyasint"`
	JoinToken string `cbor:"3,keyasint"`
}

type NodeLeavePayload struct {
	NodeID string `cbor:"1,keyasint"`
}

// TokenRevokedPayload is signed by the mesh founder key and propagated with
// the same priority as a capability removal. FounderSig covers the revoked
// node id, independent of the envelope's sender signature, so only the
// founder can revoke.
type TokenRevokedPayload struct {
	NodeID     string `cbor:"1,keyasint"`
	FounderSig []byte `cbor:"2,keyasint"`
}

// InvokeRequestPayload is the wire form of a forwarded tool invocation,
// unicast (never fanned out) to a single next hop. Grant carries the
// caller-signed single-invocation authorization checked by the executing
// node.
type InvokeRequestPayload struct {
	RequestID      string            `cbor:"1,keyasint"`
	CapabilityID   capability.ID     `cbor:"2,keyasint"`
	Tool           string            `cbor:"3,keyasint"`
	Params         map[string]any    `cbor:"4,keyasint"`
	Context        map[string]any    `cbor:"5,keyasint"`
	HopBudget      uint8             `cbor:"6,keyasint"`
	IdempotencyKey string            `cbor:"7,keyasint"`
	Grant          []byte            `cbor:"8,keyasint"`
}

// TriggerEventPayload is a fire-and-forget routed intent: unicast to the
// chosen peer, executed there, never gossiped onward, and the sender does
// not await a response.
type TriggerEventPayload struct {
	RequestID  string         `cbor:"1,keyasint"`
	IntentType string         `cbor:"2,keyasint"`
	Text       string         `cbor:"3,keyasint"`
	Source     capability.ID  `cbor:"4,keyasint"`
	Target     capability.ID  `cbor:"5,keyasint"`
	Event      string         `cbor:"6,keyasint"`
	Data       map[string]any `cbor:"7,keyasint"`
	Priority   string         `cbor:"8,keyasint"`
	Grant      []byte         `cbor:"9,keyasint"`
}

// InvokeResponsePayload answers an InvokeRequestPayload, correlated by
// RequestID.
type InvokeResponsePayload struct {
	RequestID  string         `cbor:"1,keyasint"`
	Success    bool           `cbor:"2,keyasint"`
	Data       map[string]any `cbor:"3,keyasint"`
	Error      string         `cbor:"4,keyasint"`
	DurationMS int64          `cbor:"5,keyasint"`
}

// EncodePayload CBOR-encodes any payload value for embedding in an Envelope.
func EncodePayload(v any) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("gossip: encode payload: %w", err)
	}
	return b, nil
}

// DecodePayload decodes payload bytes into out.
func DecodePayload(payload []byte, out any) error {
	if err := cbor.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("gossip: decode payload: %w", err)
	}
	return nil
}
