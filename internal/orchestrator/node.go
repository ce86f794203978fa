// Package orchestrator ties the mesh node's subsystems together: identity,
// transport, gradient table, gossip, capability registry, router, executor,
// and trigger pipeline. It owns the startup and shutdown sequence and
// exposes the local control API.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"

	"github.com/latticemesh/meshnode/internal/capability"
	"github.com/latticemesh/meshnode/internal/embedding"
	"github.com/latticemesh/meshnode/internal/executor"
	"github.com/latticemesh/meshnode/internal/gossip"
	"github.com/latticemesh/meshnode/internal/gradient"
	"github.com/latticemesh/meshnode/internal/meshauth"
	"github.com/latticemesh/meshnode/internal/meshconfig"
	"github.com/latticemesh/meshnode/internal/meshmetrics"
	"github.com/latticemesh/meshnode/internal/router"
	"github.com/latticemesh/meshnode/internal/transport"
	"github.com/latticemesh/meshnode/internal/trigger"
	"github.com/latticemesh/meshnode/internal/watchdog"
)

// HeartbeatInterval drives both the capability registry's local Touch and
// the systemd watchdog kick, once the tick loops are healthy.
const HeartbeatInterval = 30 * time.Second

// Node owns every subsystem for one running mesh node.
type Node struct {
	log       *slog.Logger
	cfg       meshconfig.Config
	identity  *meshauth.NodeIdentity
	knownKeys *meshauth.KnownKeys

	embedder  *embedding.Cache
	table     *gradient.Table
	registry  *capability.Registry
	rtr       *router.Router
	transport *transport.Manager
	gossipEng *gossip.Engine
	exec      *executor.Executor
	trig      *trigger.Pipeline
	control   *ControlAPI
	watch     *watchdog.Tracker
	metrics   *meshmetrics.Metrics

	host        host.Host
	discoveries []*transport.Discovery
	dhtDisc     *transport.DHTDiscovery
	metricsSrv  *http.Server

	joinToken string

	mu        sync.Mutex
	startTime time.Time
	cancel    context.CancelFunc
}

// Options configures a Node at construction time. Handlers is optional: a
// node with no local tool handlers still participates in routing and
// forwarding, it just has nothing to execute locally.
type Options struct {
	Config        meshconfig.Config
	Log           *slog.Logger
	Version       string
	IdentityPath  string
	RegistryPath  string
	ControlSocket string
	Handlers      executor.HandlerRegistry
	// MeshToken is this node's founder-signed relay admission token, as
	// presented on every relay connection; nil leaves the relay class
	// unwired.
	MeshToken []byte
	// JoinToken is the founder-issued join token (encoded form) this node
	// presents in its NodeJoin broadcast so peers admit it.
	JoinToken string
	// FounderPubPath points at the mesh founder's marshaled public key; when
	// present, inbound NodeJoin tokens are verified against it.
	FounderPubPath string
	// DriverFactory overrides the default concrete transport wiring; nil
	// builds a libp2p host for LAN/direct plus a websocket relay driver per
	// the config, falling back to NoopDriver per class where disabled.
	DriverFactory transport.DriverFactory
	// DisableNetwork skips libp2p host construction even when the config
	// enables LAN/direct transports, for tests and offline tooling.
	DisableNetwork bool
}

// New constructs a Node: loads or generates the node's identity, wires every
// subsystem, but does not start any background loop (see Bootstrap).
func New(opts Options) (*Node, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	priv, err := meshauth.LoadOrCreateIdentity(opts.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load identity: %w", err)
	}
	identity := meshauth.NewNodeIdentity(peerIDFromKey(priv), priv)
	knownKeys := meshauth.NewKnownKeys()

	embedder, err := embedding.NewCache(embedding.DefaultProvider{}, 0)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build embedding cache: %w", err)
	}

	table := gradient.New(opts.Config.Limits.GradientTableMax)
	registry := capability.NewRegistry(embedder, opts.RegistryPath)
	rtr := router.New(table, embedder)

	metrics := meshmetrics.New(opts.Version, runtime.Version())
	embedder.SetMetrics(metrics)

	var p2pHost host.Host
	factory := opts.DriverFactory
	if factory == nil {
		var lanDrv, p2pDrv, relayDrv transport.Driver
		if !opts.DisableNetwork && (opts.Config.Transports.LAN.Enabled || opts.Config.Transports.P2PDirect.Enabled) {
			p2pHost, err = transport.NewHost(priv, opts.Config.Transports.LAN.ListenAddresses)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: create libp2p host: %w", err)
			}
			if opts.Config.Transports.LAN.Enabled {
				lanDrv = transport.NewLibp2pDriver(transport.ClassLAN, p2pHost)
			}
			if opts.Config.Transports.P2PDirect.Enabled {
				p2pDrv = transport.NewLibp2pDriver(transport.ClassP2PDirect, p2pHost)
			}
		}
		if len(opts.Config.Transports.Relay.Addresses) > 0 && opts.MeshToken != nil {
			relayDrv = transport.NewRelayDriver(opts.Config.Transports.Relay.Addresses[0], opts.MeshToken)
		}
		factory = buildDriverFactory(opts.Config, lanDrv, p2pDrv, relayDrv)
	}
	mgr := transport.NewManager(log, factory, nil)
	mgr.SetMetrics(metrics)
	table.SetOfflineCheck(mgr.Offline)

	gossipEng := gossip.New(log, table, registry, mgr, identity, knownKeys)
	gossipEng.SetMetrics(metrics)

	var founderPub crypto.PubKey
	if opts.FounderPubPath != "" {
		raw, err := os.ReadFile(opts.FounderPubPath)
		if err == nil {
			founderPub, err = crypto.UnmarshalPublicKey(raw)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: parse founder public key: %w", err)
			}
		}
	}
	gossipEng.SetAdmitter(meshauth.NewAdmission(opts.Config.Mesh.MeshID, founderPub, knownKeys))

	handlers := opts.Handlers
	if handlers == nil {
		handlers = noopHandlers{}
	}

	n := &Node{
		log:       log,
		cfg:       opts.Config,
		identity:  identity,
		knownKeys: knownKeys,
		embedder:  embedder,
		table:     table,
		registry:  registry,
		rtr:       rtr,
		transport: mgr,
		gossipEng: gossipEng,
		watch:     watchdog.NewTracker(),
		metrics:   metrics,
		host:      p2pHost,
		joinToken: opts.JoinToken,
	}

	sender := &gossipSender{engine: gossipEng}
	n.exec = executor.New(identity.NodeID(), registry, handlers, sender, identity, knownKeys)
	n.trig = trigger.New(log, rtr, table, n.exec)
	n.trig.SetEventSender(identity.NodeID(), gossipEng)
	registry.SetTriggerSink(n.trig)
	gossipEng.SetRevocationSink(n)
	gossipEng.SetInvokeSink(&invokeDispatcher{exec: n.exec, table: table, selfNodeID: identity.NodeID()})

	if opts.ControlSocket != "" {
		n.control = NewControlAPI(n, opts.ControlSocket)
	}

	return n, nil
}

// NodeID returns this node's stable mesh identifier.
func (n *Node) NodeID() string { return n.identity.NodeID() }

// Registry exposes the capability registry for adapters to register
// capabilities against before or during Bootstrap.
func (n *Node) Registry() *capability.Registry { return n.registry }

// RegisterCapability registers c as a local capability and installs its
// hops=0 gradient entry immediately, rather than waiting for the next
// heartbeat tick to do it.
func (n *Node) RegisterCapability(ctx context.Context, c capability.Capability) (capability.Capability, error) {
	reg, err := n.registry.Register(ctx, c)
	if err != nil {
		return capability.Capability{}, err
	}
	n.table.UpdateLocal(reg.ID, reg.Label, reg.Vector, n.identity.NodeID(), reg.Constraints)
	return reg, nil
}

// DeregisterCapability removes a local capability, drops its gradient
// entry, and broadcasts its removal to the mesh.
func (n *Node) DeregisterCapability(ctx context.Context, id capability.ID) bool {
	if !n.registry.Deregister(id) {
		return false
	}
	n.table.Remove(id)
	if env, err := n.gossipEng.BuildRemoved(id); err == nil {
		if err := n.gossipEng.BroadcastEnvelope(ctx, env); err != nil {
			n.log.Debug("orchestrator: broadcast removed failed", "capability", id, "error", err)
		}
	}
	return true
}

// Router exposes the semantic router for callers resolving intents outside
// the trigger pipeline (e.g. a future REST-free local CLI command).
func (n *Node) Router() *router.Router { return n.rtr }

// Transport exposes the transport manager so callers can AddPeer as peer
// discovery (mDNS, DHT) surfaces new peers.
func (n *Node) Transport() *transport.Manager { return n.transport }

// Health returns the most recent result of every watchdog check, for the
// control API's status endpoint.
func (n *Node) Health() []watchdog.Result { return n.watch.Snapshot() }

// Metrics exposes the node's isolated Prometheus registry.
func (n *Node) Metrics() *meshmetrics.Metrics { return n.metrics }

// PurgeNode implements gossip.RevocationSink: forgets the node's key so
// future signatures fail verification, and drops its transport sessions.
func (n *Node) PurgeNode(nodeID string) {
	n.knownKeys.Forget(nodeID)
	if err := n.transport.RemovePeer(nodeID); err != nil {
		n.log.Warn("orchestrator: remove transport peer on revoke failed", "node", nodeID, "error", err)
	}
}

// Bootstrap runs the startup sequence: start the transport
// manager and gossip engine's background loops, begin the local heartbeat
// loop, and start the control API and systemd watchdog heartbeat.
func (n *Node) Bootstrap(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.startTime = time.Now()
	n.mu.Unlock()

	n.transport.Start(runCtx)
	if err := n.startDiscovery(runCtx); err != nil {
		cancel()
		return fmt.Errorf("orchestrator: start discovery: %w", err)
	}
	n.gossipEng.Start(runCtx)
	go n.heartbeatLoop(runCtx)
	go transport.NewNetworkMonitor(func() { n.transport.ProbeAll(runCtx) }, n.metrics).Run(runCtx)

	if n.cfg.Telemetry.Metrics.Enabled {
		addr := n.cfg.Telemetry.Metrics.ListenAddress
		if addr == "" {
			addr = "127.0.0.1:9464"
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", n.metrics.Handler())
		n.metricsSrv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := n.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				n.log.Error("orchestrator: metrics server error", "error", err)
			}
		}()
	}

	if n.control != nil {
		if err := n.control.Start(); err != nil {
			cancel()
			return fmt.Errorf("orchestrator: start control API: %w", err)
		}
	}

	go watchdog.Run(runCtx, watchdog.Config{Interval: HeartbeatInterval}, []watchdog.HealthCheck{
		{Name: "gradient_table", Check: func() error {
			if n.table.Size() < 0 {
				return fmt.Errorf("gradient table in inconsistent state")
			}
			return nil
		}},
		{Name: "transport_reachable", Check: func() error {
			if len(n.transport.Peers()) == 0 && n.cfg.Mesh.Role != "founder" {
				return fmt.Errorf("no reachable peers")
			}
			return nil
		}},
	}, n.watch)
	_ = watchdog.Ready()

	// Introduce ourselves, then emit the first announcement; both are
	// best-effort no-ops while no peer is connected yet.
	if pubBytes, err := n.identity.PublicKeyBytes(); err == nil {
		if env, err := n.gossipEng.BuildNodeJoin(pubBytes, n.joinToken); err == nil {
			if err := n.gossipEng.BroadcastEnvelope(runCtx, env); err != nil {
				n.log.Debug("orchestrator: broadcast node_join failed", "error", err)
			}
		}
	}
	if err := n.gossipEng.Announce(runCtx); err != nil {
		n.log.Debug("orchestrator: first announcement failed", "error", err)
	}

	n.log.Info("orchestrator: node bootstrapped", "node_id", n.identity.NodeID())
	return nil
}

// heartbeatLoop refreshes liveness for every locally registered capability
// and broadcasts a heartbeat envelope, the cadence the capability registry
// documents but does not itself drive.
func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.metrics.GradientEntries.Set(float64(n.table.Size()))
			infos := n.registry.List()
			ids := make([]capability.ID, 0, len(infos))
			for _, info := range infos {
				ids = append(ids, info.ID)
				n.registry.Touch(info.ID)
				// UpdateLocal rather than Touch: installs the hops=0 entry
				// for capabilities registered directly against the registry
				// and refreshes it otherwise.
				n.table.UpdateLocal(info.ID, info.Label, info.Vector, n.identity.NodeID(), info.Constraints)
			}
			if len(ids) == 0 {
				continue
			}
			env, err := n.gossipEng.BuildHeartbeat(ids, 0, 0)
			if err != nil {
				n.log.Warn("orchestrator: build heartbeat failed", "error", err)
				continue
			}
			if err := n.gossipEng.BroadcastEnvelope(ctx, env); err != nil {
				n.log.Debug("orchestrator: broadcast heartbeat failed", "error", err)
			}
		}
	}
}

// Shutdown runs the shutdown sequence: emit Removed for every
// local capability, emit NodeLeave, then stop gossip and transport in
// reverse startup order, within deadline.
func (n *Node) Shutdown(ctx context.Context, deadline time.Duration) error {
	sctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for _, info := range n.registry.List() {
		env, err := n.gossipEng.BuildRemoved(info.ID)
		if err != nil {
			n.log.Warn("orchestrator: build removed envelope failed", "capability", info.ID, "error", err)
			continue
		}
		if err := n.gossipEng.BroadcastEnvelope(sctx, env); err != nil {
			n.log.Debug("orchestrator: broadcast removed failed", "capability", info.ID, "error", err)
		}
	}

	if env, err := n.gossipEng.BuildNodeLeave(); err == nil {
		if err := n.gossipEng.BroadcastEnvelope(sctx, env); err != nil {
			n.log.Debug("orchestrator: broadcast node_leave failed", "error", err)
		}
	}

	_ = watchdog.Stopping()
	if n.control != nil {
		n.control.Stop()
	}

	// Drain in-flight executions before tearing the transports down, bounded
	// by the shutdown deadline.
	if err := n.exec.Drain(sctx); err != nil {
		n.log.Warn("orchestrator: shutdown drain incomplete", "error", err)
	}

	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
	}
	n.mu.Unlock()

	n.gossipEng.Stop()
	if err := n.registry.Save(); err != nil {
		n.log.Warn("orchestrator: save registry snapshot failed", "error", err)
	}
	if n.metricsSrv != nil {
		_ = n.metricsSrv.Close()
	}
	if err := n.transport.Stop(); err != nil {
		return fmt.Errorf("orchestrator: stop transport: %w", err)
	}
	n.stopDiscovery()
	n.log.Info("orchestrator: node shut down", "node_id", n.identity.NodeID())
	return nil
}

// peerIDFromKey derives a stable string identifier from a public key, used
// as the mesh node id when no externally assigned id is supplied.
func peerIDFromKey(priv crypto.PrivKey) string {
	b, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil || len(b) < 8 {
		return "node"
	}
	return fmt.Sprintf("%x", b[:8])
}

// noopHandlers answers every lookup with not-found, for nodes that host no
// local tool handlers (pure router/relay role).
type noopHandlers struct{}

func (noopHandlers) Handler(capability.ID, string) (executor.HandlerFunc, bool) { return nil, false }
