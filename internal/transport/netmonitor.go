package transport

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/latticemesh/meshnode/internal/meshmetrics"
)

// netMonitorInterval is the polling cadence for interface changes: network
// moves (WiFi switch, tethering) are infrequent, so a slow poll suffices.
const netMonitorInterval = 30 * time.Second

// NetworkMonitor watches for local interface changes and calls onChange
// when the set of global IP addresses moves, so transport metrics can be
// re-probed immediately instead of waiting out stale scores on a network
// that no longer exists.
type NetworkMonitor struct {
	onChange func()
	metrics  *meshmetrics.Metrics // nil-safe
	previous []string
}

// NewNetworkMonitor creates a NetworkMonitor. metrics is optional.
func NewNetworkMonitor(onChange func(), metrics *meshmetrics.Metrics) *NetworkMonitor {
	return &NetworkMonitor{onChange: onChange, metrics: metrics}
}

// Run blocks until ctx is cancelled, polling for interface changes.
func (nm *NetworkMonitor) Run(ctx context.Context) {
	nm.previous = globalIPs()

	ticker := time.NewTicker(netMonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nm.checkForChanges()
		}
	}
}

func (nm *NetworkMonitor) checkForChanges() {
	current := globalIPs()
	if equalStrings(nm.previous, current) {
		return
	}
	slog.Info("transport: network change detected",
		"previous", len(nm.previous), "current", len(current))
	nm.previous = current
	if nm.metrics != nil {
		nm.metrics.NetworkChangeTotal.Inc()
	}
	nm.onChange()
}

// globalIPs returns a sorted list of non-loopback, non-link-local IPs
// across all up interfaces.
func globalIPs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var ips []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			ips = append(ips, ip.String())
		}
	}
	sort.Strings(ips)
	return ips
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
