package transport

import "context"

// Driver is a single transport class's concrete send path to one peer. The
// core ships a libp2p-backed driver for the LAN and direct-radio classes, a
// secure-websocket driver for the relay, and no-op placeholders for the two
// hardware-backed classes (BLE mesh, smart-home bridge), whose concrete
// drivers live with the platform adapters. Whichever driver answers for the
// BLE class, the manager wraps it with shard framing (FramedDriver); no hop
// or TTL bound is applied to payloads.
type Driver interface {
	// Class reports which transport class this driver answers for.
	Class() Class
	// Dial establishes or confirms reachability of peerID over this class.
	// Implementations may no-op if the underlying transport is connectionless.
	Dial(ctx context.Context, peerID string) error
	// Send delivers payload to peerID over this class. Returns an error the
	// pool treats as a transient send failure eligible for same-transport
	// retry once, then fallthrough to the next class.
	Send(ctx context.Context, peerID string, payload []byte) error
	// Probe measures current latency to peerID over this class without
	// requiring application-level delivery; used for the 30s metrics probe
	// on non-preferred transports.
	Probe(ctx context.Context, peerID string) (latencyMS float64, ok bool)
	// Close releases any resources the driver holds for peerID.
	Close(peerID string) error
}

// NoopDriver answers for a class with no concrete backing implementation:
// every Dial/Send fails, Probe reports unreachable. It lets the manager
// carry a full set of five classes even when BLE mesh or the smart-home
// bridge have no real driver wired.
type NoopDriver struct {
	class Class
}

// NewNoopDriver creates a placeholder driver for class.
func NewNoopDriver(class Class) *NoopDriver { return &NoopDriver{class: class} }

func (d *NoopDriver) Class() Class { return d.class }

func (d *NoopDriver) Dial(context.Context, string) error {
	return errUnavailable(d.class)
}

func (d *NoopDriver) Send(context.Context, string, []byte) error {
	return errUnavailable(d.class)
}

func (d *NoopDriver) Probe(context.Context, string) (float64, bool) {
	return 0, false
}

func (d *NoopDriver) Close(string) error { return nil }

func errUnavailable(c Class) error {
	return &unavailableError{class: c}
}

type unavailableError struct{ class Class }

func (e *unavailableError) Error() string {
	return "transport: no driver wired for class " + e.class.String()
}
