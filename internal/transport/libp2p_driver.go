package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// GossipProtocolID is the libp2p stream protocol ID the LAN and
// direct-radio drivers speak: one stream per send, length-prefixed
// payload.
const GossipProtocolID = protocol.ID("/meshnode/gossip/1.0.0")

// dialTimeout bounds a single Dial/Send attempt.
const dialTimeout = 10 * time.Second

// Libp2pDriver backs the LAN class (host over TCP/QUIC, mDNS-discovered)
// and, under a distinct service name, the direct peer-to-peer radio class.
type Libp2pDriver struct {
	class Class
	host  host.Host
}

// NewLibp2pDriver wraps h for class (ClassLAN or ClassP2PDirect).
func NewLibp2pDriver(class Class, h host.Host) *Libp2pDriver {
	return &Libp2pDriver{class: class, host: h}
}

func (d *Libp2pDriver) Class() Class { return d.class }

func (d *Libp2pDriver) Dial(ctx context.Context, peerIDStr string) error {
	pid, err := peer.Decode(peerIDStr)
	if err != nil {
		return fmt.Errorf("transport: decode peer id %q: %w", peerIDStr, err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	s, err := d.host.NewStream(dialCtx, pid, GossipProtocolID)
	if err != nil {
		return fmt.Errorf("transport: dial %s over %s: %w", peerIDStr, d.class, err)
	}
	return s.Close()
}

func (d *Libp2pDriver) Send(ctx context.Context, peerIDStr string, payload []byte) error {
	pid, err := peer.Decode(peerIDStr)
	if err != nil {
		return fmt.Errorf("transport: decode peer id %q: %w", peerIDStr, err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	s, err := d.host.NewStream(sendCtx, pid, GossipProtocolID)
	if err != nil {
		return fmt.Errorf("transport: open stream to %s over %s: %w", peerIDStr, d.class, err)
	}
	defer s.Close()

	w := bufio.NewWriter(s)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: write payload: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("transport: flush stream: %w", err)
	}
	return nil
}

func (d *Libp2pDriver) Probe(ctx context.Context, peerIDStr string) (float64, bool) {
	start := time.Now()
	if err := d.Dial(ctx, peerIDStr); err != nil {
		return 0, false
	}
	return float64(time.Since(start).Milliseconds()), true
}

func (d *Libp2pDriver) Close(peerIDStr string) error {
	pid, err := peer.Decode(peerIDStr)
	if err != nil {
		return nil
	}
	return d.host.Network().ClosePeer(pid)
}

// ReadGossipStream reads one length-prefixed payload from a stream opened by
// a remote peer's Send, for the listener side registered via
// host.SetStreamHandler(GossipProtocolID, ...). Registered by the node
// orchestrator's wiring, not used internally by the driver.
func ReadGossipStream(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("transport: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	const maxGossipMessage = 1 << 20 // 1 MiB, generous for a 50-capability announcement
	if n > maxGossipMessage {
		return nil, fmt.Errorf("transport: payload too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("transport: read payload: %w", err)
	}
	return buf, nil
}
