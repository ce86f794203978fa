package orchestrator

import (
	"context"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/latticemesh/meshnode/internal/meshconfig"
	"github.com/latticemesh/meshnode/internal/transport"
)

// buildDriverFactory wires the concrete per-class drivers: the libp2p host
// backs the LAN and direct-radio classes, the websocket relay driver backs
// the relay class (one multiplexed connection shared across peers), and
// every class without a real backing falls to NoopDriver so the pool keeps
// its full priority order.
func buildDriverFactory(cfg meshconfig.Config, lan, p2p, relay transport.Driver) transport.DriverFactory {
	return func(class transport.Class, peerID string) transport.Driver {
		switch class {
		case transport.ClassLAN:
			if lan != nil {
				return lan
			}
		case transport.ClassP2PDirect:
			if p2p != nil {
				return p2p
			}
		case transport.ClassRelay:
			if relay != nil {
				return relay
			}
		}
		return transport.NewNoopDriver(class)
	}
}

// startDiscovery launches mDNS browse/advertise for the LAN and direct
// classes plus DHT rendezvous discovery for peers beyond mDNS reach, per
// the enabled transports. No-op when the node runs without a libp2p host
// (tests, pure-relay deployments).
func (n *Node) startDiscovery(ctx context.Context) error {
	if n.host == nil {
		return nil
	}

	n.host.SetStreamHandler(transport.GossipProtocolID, n.handleGossipStream)

	if n.cfg.Transports.LAN.Enabled {
		d := transport.NewDiscovery(n.host, n.transport, transport.ClassLAN, n.cfg.Transports.LAN.MDNSServiceName)
		if err := d.Start(ctx); err != nil {
			n.log.Warn("orchestrator: start lan discovery failed", "error", err)
		} else {
			n.discoveries = append(n.discoveries, d)
		}
	}
	if n.cfg.Transports.P2PDirect.Enabled {
		d := transport.NewDiscovery(n.host, n.transport, transport.ClassP2PDirect, n.cfg.Transports.P2PDirect.MDNSServiceName)
		if err := d.Start(ctx); err != nil {
			n.log.Warn("orchestrator: start p2p-direct discovery failed", "error", err)
		} else {
			n.discoveries = append(n.discoveries, d)
		}
	}

	if n.cfg.Mesh.MeshID != "" {
		dhtDisc := transport.NewDHTDiscovery(n.host, n.transport, n.cfg.Mesh.MeshID)
		if err := dhtDisc.Start(ctx, nil); err != nil {
			n.log.Warn("orchestrator: start dht discovery failed", "error", err)
		} else {
			n.dhtDisc = dhtDisc
		}
	}
	return nil
}

// handleGossipStream feeds one inbound length-prefixed gossip payload to
// the engine, attributed to the remote libp2p peer.
func (n *Node) handleGossipStream(s network.Stream) {
	defer s.Close()
	payload, err := transport.ReadGossipStream(s)
	if err != nil {
		n.log.Debug("orchestrator: read gossip stream failed", "error", err)
		return
	}
	from := s.Conn().RemotePeer().String()
	if _, err := n.gossipEng.HandleWire(context.Background(), payload, from); err != nil {
		n.log.Debug("orchestrator: handle gossip failed", "peer", from, "error", err)
	}
}

// stopDiscovery tears discovery down in reverse of startDiscovery.
func (n *Node) stopDiscovery() {
	if n.dhtDisc != nil {
		if err := n.dhtDisc.Close(); err != nil {
			n.log.Debug("orchestrator: close dht discovery failed", "error", err)
		}
		n.dhtDisc = nil
	}
	for _, d := range n.discoveries {
		if err := d.Close(); err != nil {
			n.log.Debug("orchestrator: close mdns discovery failed", "error", err)
		}
	}
	n.discoveries = nil
	if n.host != nil {
		n.host.RemoveStreamHandler(transport.GossipProtocolID)
		if err := n.host.Close(); err != nil {
			n.log.Debug("orchestrator: close libp2p host failed", "error", err)
		}
	}
}
