package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/latticemesh/meshnode/internal/meshmetrics"
)

// ProbeInterval is the cadence at which non-preferred transports are probed
// to keep their metrics fresh.
const ProbeInterval = 30 * time.Second

// DriverFactory builds a Driver for a given class and peer, used by the
// manager to lazily create per-peer connection pools. Concrete wiring (the
// node orchestrator) supplies one factory per enabled class.
type DriverFactory func(class Class, peerID string) Driver

// Manager owns one ConnectionPool per known peer and implements
// gossip.Transport and the executor's forwarding contract.
type Manager struct {
	log     *slog.Logger
	factory DriverFactory
	weights compositeWeights
	classes []Class // enabled classes, subset of defaultPriority
	metrics *meshmetrics.Metrics

	mu    sync.RWMutex
	pools map[string]*ConnectionPool

	cancel context.CancelFunc
}

// SetMetrics wires the node's metrics registry into the manager and every
// pool it subsequently creates. Call before Start.
func (m *Manager) SetMetrics(metrics *meshmetrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

// NewManager creates a Manager. enabledClasses restricts which transport
// classes are wired; an empty slice enables all five.
func NewManager(log *slog.Logger, factory DriverFactory, enabledClasses []Class) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if len(enabledClasses) == 0 {
		enabledClasses = defaultPriority
	}
	return &Manager{
		log:     log,
		factory: factory,
		weights: DefaultWeights,
		classes: enabledClasses,
		pools:   make(map[string]*ConnectionPool),
	}
}

// poolFor returns the pool for peerID, creating it (and dialing every
// enabled class) if this is the first time the peer has been seen.
func (m *Manager) poolFor(peerID string) *ConnectionPool {
	m.mu.RLock()
	p, ok := m.pools[peerID]
	m.mu.RUnlock()
	if ok {
		return p
	}

	drivers := make(map[Class]Driver, len(m.classes))
	for _, c := range m.classes {
		drv := m.factory(c, peerID)
		if c == ClassBLEMesh && drv != nil {
			if framed, err := NewFramedDriver(drv); err == nil {
				drv = framed
			}
		}
		drivers[c] = drv
	}
	p = NewConnectionPool(peerID, drivers, m.weights)

	m.mu.Lock()
	if existing, ok := m.pools[peerID]; ok {
		m.mu.Unlock()
		return existing
	}
	p.metrics = m.metrics
	m.pools[peerID] = p
	if m.metrics != nil {
		m.metrics.ConnectedPeers.Set(float64(len(m.pools)))
	}
	m.mu.Unlock()
	return p
}

// Send implements gossip.Transport: deliver payload to one peer.
func (m *Manager) Send(ctx context.Context, peerID string, payload []byte) error {
	return m.poolFor(peerID).SendPayload(ctx, payload)
}

// Broadcast implements gossip.Transport: parallel send to every known peer;
// independent failures do not block the rest and never fail the broadcast
// as a whole.
func (m *Manager) Broadcast(ctx context.Context, payload []byte) error {
	m.mu.RLock()
	peers := make([]*ConnectionPool, 0, len(m.pools))
	for _, p := range m.pools {
		peers = append(peers, p)
	}
	m.mu.RUnlock()

	var failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSends)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			if err := p.SendPayload(gctx, payload); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		m.log.Debug("transport: broadcast had failures", "failed", n, "total", len(peers))
	}
	return nil
}

// maxConcurrentSends bounds broadcast parallelism the same way the
// discovery dial semaphore bounds concurrent mDNS dials.
const maxConcurrentSends = 32

// Peers implements gossip.Transport: every peer with a live, non-offline pool.
func (m *Manager) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pools))
	for id, p := range m.pools {
		if !p.Offline() {
			out = append(out, id)
		}
	}
	return out
}

// AddPeer registers peerID so it participates in Broadcast/Peers even
// before its first send.
func (m *Manager) AddPeer(peerID string) {
	m.poolFor(peerID)
}

// RemovePeer closes and forgets peerID's pool, used on NodeLeave/TokenRevoked.
func (m *Manager) RemovePeer(peerID string) error {
	m.mu.Lock()
	p, ok := m.pools[peerID]
	if ok {
		delete(m.pools, peerID)
	}
	if m.metrics != nil {
		m.metrics.ConnectedPeers.Set(float64(len(m.pools)))
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Close()
}

// PreferredTransport reports the currently preferred class for peerID, for
// status reporting; returns false if the peer is unknown.
func (m *Manager) PreferredTransport(peerID string) (Class, bool) {
	m.mu.RLock()
	p, ok := m.pools[peerID]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return p.Preferred(), true
}

// Offline reports whether peerID's pool is currently marked offline.
func (m *Manager) Offline(peerID string) bool {
	m.mu.RLock()
	p, ok := m.pools[peerID]
	m.mu.RUnlock()
	return ok && p.Offline()
}

// Start launches the periodic probe loop across every known peer's pool.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.probeLoop(runCtx)
}

// Stop cancels the probe loop and closes every pool's connections in
// reverse priority order: the relay fallback first, the LAN class last, so
// the cheapest path stays up for any final frames.
func (m *Manager) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for i := len(defaultPriority) - 1; i >= 0; i-- {
		c := defaultPriority[i]
		for id, p := range m.pools {
			if err := p.closeClass(c); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("transport: close %s pool for %s: %w", c, id, err)
			}
		}
	}
	for id := range m.pools {
		delete(m.pools, id)
	}
	return firstErr
}

func (m *Manager) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every known peer's pool immediately, used by the probe
// loop and after a local network change invalidates current metrics.
func (m *Manager) ProbeAll(ctx context.Context) {
	m.mu.RLock()
	pools := make([]*ConnectionPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()
	for _, p := range pools {
		p.Probe(ctx)
	}
}
