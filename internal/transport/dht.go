package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
)

const (
	dhtProtocolPrefix = "/meshnode"
	dhtFindInterval   = 60 * time.Second
	dhtFindTimeout    = 30 * time.Second
)

// DHTDiscovery finds mesh peers beyond mDNS reach: nodes bootstrap a
// Kademlia DHT off their relay (or any already-known peer), advertise under
// a per-mesh rendezvous string, and periodically look the rendezvous up to
// connect new arrivals. Peers it connects are registered with the Manager
// the same way mDNS discovery registers LAN peers.
type DHTDiscovery struct {
	host       host.Host
	mgr        *Manager
	rendezvous string

	kdht   *dht.IpfsDHT
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDHTDiscovery creates a stopped DHTDiscovery advertising meshID as the
// rendezvous namespace.
func NewDHTDiscovery(h host.Host, mgr *Manager, meshID string) *DHTDiscovery {
	return &DHTDiscovery{host: h, mgr: mgr, rendezvous: "meshnode:" + meshID}
}

// Start bootstraps the DHT off bootstrapPeers and launches the
// advertise/find loop.
func (d *DHTDiscovery) Start(ctx context.Context, bootstrapPeers []peer.AddrInfo) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	kdht, err := dht.New(runCtx, d.host,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(protocol.ID(dhtProtocolPrefix)),
	)
	if err != nil {
		cancel()
		return fmt.Errorf("transport: create dht: %w", err)
	}
	if err := kdht.Bootstrap(runCtx); err != nil {
		cancel()
		return fmt.Errorf("transport: bootstrap dht: %w", err)
	}
	d.kdht = kdht

	for _, pi := range bootstrapPeers {
		if pi.ID == d.host.ID() {
			continue
		}
		d.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, time.Hour)
		if err := d.host.Connect(runCtx, pi); err != nil {
			slog.Debug("transport: dht bootstrap dial failed", "peer", pi.ID, "error", err)
		}
	}

	d.wg.Add(1)
	go d.loop(runCtx)
	return nil
}

// Close stops the advertise/find loop and shuts the DHT down.
func (d *DHTDiscovery) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	if d.kdht != nil {
		return d.kdht.Close()
	}
	return nil
}

func (d *DHTDiscovery) loop(ctx context.Context) {
	defer d.wg.Done()

	routingDiscovery := drouting.NewRoutingDiscovery(d.kdht)

	ticker := time.NewTicker(dhtFindInterval)
	defer ticker.Stop()
	for {
		if _, err := routingDiscovery.Advertise(ctx, d.rendezvous); err != nil && ctx.Err() == nil {
			slog.Debug("transport: dht advertise failed", "error", err)
		}
		d.findPeers(ctx, routingDiscovery)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *DHTDiscovery) findPeers(ctx context.Context, routingDiscovery *drouting.RoutingDiscovery) {
	findCtx, cancel := context.WithTimeout(ctx, dhtFindTimeout)
	defer cancel()

	ch, err := routingDiscovery.FindPeers(findCtx, d.rendezvous)
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("transport: dht find peers failed", "error", err)
		}
		return
	}
	for pi := range ch {
		if pi.ID == d.host.ID() || len(pi.Addrs) == 0 {
			continue
		}
		if err := d.host.Connect(findCtx, pi); err != nil {
			slog.Debug("transport: dht dial failed", "peer", pi.ID, "error", err)
			continue
		}
		d.mgr.AddPeer(pi.ID.String())
	}
}
