package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RelayAuthFailedReason is the close-frame reason the relay sends when the
// admission handshake's mesh token does not verify.
const RelayAuthFailedReason = "auth_failed"

// RelayAdmissionAck is the frame the relay sends once a mesh token has been
// accepted; the driver waits for it before treating the connection as live.
var RelayAdmissionAck = []byte("meshnode-relay/admitted")

// ErrRelayAuthFailed reports that the relay refused this node's mesh token.
var ErrRelayAuthFailed = errors.New("transport: relay admission auth_failed")

// relayAdmissionTimeout bounds how long the driver waits for the relay's
// admission verdict after presenting its token.
const relayAdmissionTimeout = 10 * time.Second

// RelayDriver backs the always-on relay fallback class: a secure WebSocket
// connection to the relay server, multiplexing every peer behind one
// socket. The relay itself routes by destination node id embedded in each
// frame.
type RelayDriver struct {
	relayURL string
	token    []byte // pre-encoded mesh token presented at the admission handshake

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewRelayDriver creates a driver that connects to relayURL on first use,
// presenting token as the admission handshake payload.
func NewRelayDriver(relayURL string, token []byte) *RelayDriver {
	return &RelayDriver{relayURL: relayURL, token: token}
}

func (d *RelayDriver) Class() Class { return ClassRelay }

func (d *RelayDriver) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return d.conn, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, d.relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial relay %s: %w", d.relayURL, err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, d.token); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: relay admission handshake: %w", err)
	}

	// The relay answers the handshake with an admission ack, or a Close
	// frame whose reason is auth_failed.
	_ = conn.SetReadDeadline(time.Now().Add(relayAdmissionTimeout))
	msgType, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Text == RelayAuthFailedReason {
			return nil, ErrRelayAuthFailed
		}
		return nil, fmt.Errorf("transport: relay admission response: %w", err)
	}
	if msgType != websocket.BinaryMessage || !bytes.Equal(msg, RelayAdmissionAck) {
		conn.Close()
		return nil, fmt.Errorf("transport: unexpected relay admission response")
	}
	_ = conn.SetReadDeadline(time.Time{})

	d.conn = conn
	return conn, nil
}

func (d *RelayDriver) Dial(ctx context.Context, peerID string) error {
	_, err := d.ensureConn(ctx)
	return err
}

// relayFrame prefixes the destination node id so the relay can route a
// single multiplexed connection to many peers.
func relayFrame(peerID string, payload []byte) []byte {
	out := make([]byte, 0, 2+len(peerID)+len(payload))
	out = append(out, byte(len(peerID)>>8), byte(len(peerID)))
	out = append(out, peerID...)
	out = append(out, payload...)
	return out
}

func (d *RelayDriver) Send(ctx context.Context, peerID string, payload []byte) error {
	conn, err := d.ensureConn(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, relayFrame(peerID, payload)); err != nil {
		d.conn.Close()
		d.conn = nil
		return fmt.Errorf("transport: relay send to %s: %w", peerID, err)
	}
	return nil
}

func (d *RelayDriver) Probe(ctx context.Context, peerID string) (float64, bool) {
	start := time.Now()
	if err := d.Send(ctx, peerID, relayPingPayload); err != nil {
		return 0, false
	}
	return float64(time.Since(start).Milliseconds()), true
}

var relayPingPayload = []byte{0} // a zero-length gossip wire marker byte, a harmless no-op frame the relay forwards but peers ignore

func (d *RelayDriver) Close(peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}
