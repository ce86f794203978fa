package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/latticemesh/meshnode/internal/meshmetrics"
)

// offlineAfter is how long a pool must fail to deliver before the peer is
// marked offline.
const offlineAfter = 90 * time.Second

// ConnectionPool holds up to one active connection per transport class for
// a single peer, with rolling metrics driving composite-score ranking and
// hysteresis-gated preferred-transport switching.
type ConnectionPool struct {
	peerID  string
	drivers map[Class]Driver
	weights compositeWeights
	metrics *meshmetrics.Metrics

	mu          sync.Mutex
	classStats  map[Class]*classMetrics
	preferred   Class
	lastSuccess time.Time
	firstFail   time.Time // zero when not currently failing
}

// NewConnectionPool creates a pool for peerID backed by drivers, one per
// enabled transport class. Unlisted classes fall back to NoopDriver so the
// pool always has a full priority order to walk.
func NewConnectionPool(peerID string, drivers map[Class]Driver, weights compositeWeights) *ConnectionPool {
	m := make(map[Class]*classMetrics, numClasses)
	d := make(map[Class]Driver, numClasses)
	for _, c := range defaultPriority {
		m[c] = newClassMetrics()
		if drv, ok := drivers[c]; ok && drv != nil {
			d[c] = drv
		} else {
			d[c] = NewNoopDriver(c)
		}
	}
	if weights == (compositeWeights{}) {
		weights = DefaultWeights
	}
	return &ConnectionPool{
		peerID:      peerID,
		drivers:     d,
		weights:     weights,
		classStats:  m,
		preferred:   ClassLAN,
		lastSuccess: time.Now(),
	}
}

// priorityOrder returns classes ranked by current composite score,
// descending, used as the fallthrough order on a send failure.
func (p *ConnectionPool) priorityOrder() []Class {
	order := append([]Class(nil), defaultPriority...)
	scores := make(map[Class]float64, len(order))
	for _, c := range order {
		scores[c] = p.classStats[c].score(p.weights)
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && scores[order[j]] > scores[order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	return order
}

// SendPayload tries the preferred transport first, falling through the
// priority order on failure, each class retried once before moving on. On
// success, the sending class's metrics are
// updated and may become newly preferred per hysteresis.
func (p *ConnectionPool) SendPayload(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	preferred := p.preferred
	p.mu.Unlock()

	order := append([]Class{preferred}, without(p.priorityOrder(), preferred)...)

	var lastErr error
	for _, c := range order {
		drv := p.drivers[c]
		start := time.Now()
		err := drv.Send(ctx, p.peerID, payload)
		if err != nil {
			err = drv.Send(ctx, p.peerID, payload) // single retry, same transport
		}
		elapsed := float64(time.Since(start).Milliseconds())
		if err == nil {
			p.recordSuccess(c, elapsed)
			return nil
		}
		p.recordFailure(c)
		lastErr = err
	}
	return fmt.Errorf("transport: send to %s failed on all classes: %w", p.peerID, lastErr)
}

func (p *ConnectionPool) recordSuccess(c Class, latencyMS float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.classStats[c]
	m.recordSuccess(latencyMS, m.bandwidthMbps, m.powerMW)
	p.lastSuccess = time.Now()
	p.firstFail = time.Time{}
	p.maybeSwitchPreferred(c)
	if p.metrics != nil {
		p.metrics.TransportSendsTotal.WithLabelValues(c.String(), "ok").Inc()
	}
}

func (p *ConnectionPool) recordFailure(c Class) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.classStats[c].recordFailure()
	if p.firstFail.IsZero() {
		p.firstFail = time.Now()
	}
	if p.metrics != nil {
		p.metrics.TransportSendsTotal.WithLabelValues(c.String(), "error").Inc()
	}
}

// maybeSwitchPreferred re-marks the class that just succeeded as preferred
// if it beats the incumbent by the hysteresis margin; the caller must hold
// the lock.
func (p *ConnectionPool) maybeSwitchPreferred(candidate Class) {
	if candidate == p.preferred {
		return
	}
	candidateScore := p.classStats[candidate].score(p.weights)
	incumbentScore := p.classStats[p.preferred].score(p.weights)
	if candidateScore >= incumbentScore+hysteresisMargin {
		p.preferred = candidate
	}
}

// Probe sends a probe on every non-preferred transport to keep metrics
// fresh.
func (p *ConnectionPool) Probe(ctx context.Context) {
	p.mu.Lock()
	preferred := p.preferred
	p.mu.Unlock()

	for _, c := range defaultPriority {
		if c == preferred {
			continue
		}
		drv := p.drivers[c]
		latencyMS, ok := drv.Probe(ctx, p.peerID)
		p.mu.Lock()
		if ok {
			m := p.classStats[c]
			m.recordSuccess(latencyMS, m.bandwidthMbps, m.powerMW)
		} else {
			p.classStats[c].recordFailure()
		}
		p.mu.Unlock()
	}
}

// Offline reports whether this pool has failed to deliver for offlineAfter.
func (p *ConnectionPool) Offline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.firstFail.IsZero() && time.Since(p.firstFail) >= offlineAfter
}

// Preferred returns the currently preferred transport class, for metrics
// and status reporting.
func (p *ConnectionPool) Preferred() Class {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.preferred
}

// closeClass releases one class's driver resources for this peer.
func (p *ConnectionPool) closeClass(c Class) error {
	drv, ok := p.drivers[c]
	if !ok {
		return nil
	}
	return drv.Close(p.peerID)
}

// Close releases every class's driver resources for this peer, in reverse
// priority order.
func (p *ConnectionPool) Close() error {
	var firstErr error
	for i := len(defaultPriority) - 1; i >= 0; i-- {
		if err := p.closeClass(defaultPriority[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func without(classes []Class, c Class) []Class {
	out := make([]Class, 0, len(classes))
	for _, x := range classes {
		if x != c {
			out = append(out, x)
		}
	}
	return out
}
