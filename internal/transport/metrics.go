package transport

import "time"

// rollingAlpha is the exponential-moving-average weight applied to each new
// latency/success sample: recent samples dominate without a single bad
// probe swinging the score.
const rollingAlpha = 0.3

// classMetrics tracks the rolling per-transport-class, per-peer signal the
// composite score is computed from.
type classMetrics struct {
	avgLatencyMS float64
	successRate  float64 // EMA of 1.0/0.0 per attempt
	bandwidthMbps float64
	powerMW      float64
	samples      int
	lastProbe    time.Time
}

func newClassMetrics() *classMetrics {
	// Start optimistic (mid-scale) so an untried transport isn't scored as
	// worthless before its first probe; the first few real samples correct
	// it quickly given rollingAlpha.
	return &classMetrics{
		avgLatencyMS:  150,
		successRate:   0.5,
		bandwidthMbps: 10,
		powerMW:       500,
	}
}

func (m *classMetrics) recordSuccess(latencyMS, bandwidthMbps, powerMW float64) {
	m.observe(latencyMS, bandwidthMbps, powerMW, 1.0)
}

func (m *classMetrics) recordFailure() {
	m.observe(m.avgLatencyMS, m.bandwidthMbps, m.powerMW, 0.0)
}

func (m *classMetrics) observe(latencyMS, bandwidthMbps, powerMW, success float64) {
	if m.samples == 0 {
		m.avgLatencyMS, m.bandwidthMbps, m.powerMW, m.successRate = latencyMS, bandwidthMbps, powerMW, success
	} else {
		m.avgLatencyMS = ema(m.avgLatencyMS, latencyMS)
		m.bandwidthMbps = ema(m.bandwidthMbps, bandwidthMbps)
		m.powerMW = ema(m.powerMW, powerMW)
		m.successRate = ema(m.successRate, success)
	}
	m.samples++
	m.lastProbe = time.Now()
}

func ema(prev, sample float64) float64 {
	return rollingAlpha*sample + (1-rollingAlpha)*prev
}

// compositeWeights weight the composite transport score:
// 0.4 latency + 0.3 success + 0.2 bandwidth + 0.1 power by default.
type compositeWeights struct {
	Latency, Success, Bandwidth, Power float64
}

// DefaultWeights is the standard weighting.
var DefaultWeights = compositeWeights{Latency: 0.4, Success: 0.3, Bandwidth: 0.2, Power: 0.1}

// score computes the composite transport score; higher is better.
func (m *classMetrics) score(w compositeWeights) float64 {
	latencyTerm := 100 - m.avgLatencyMS
	if latencyTerm < 0 {
		latencyTerm = 0
	}
	bwTerm := m.bandwidthMbps
	if bwTerm > 100 {
		bwTerm = 100
	}
	powerTerm := 100 - m.powerMW/10
	if powerTerm < 0 {
		powerTerm = 0
	}
	return w.Latency*latencyTerm + w.Success*m.successRate*100 + w.Bandwidth*bwTerm + w.Power*powerTerm
}

// hysteresisMargin is the minimum point lead a challenger must hold over the
// incumbent preferred transport before the pool switches, avoiding flapping
// under noisy samples.
const hysteresisMargin = 20.0
