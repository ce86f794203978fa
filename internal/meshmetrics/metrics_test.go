package meshmetrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func findFamily(t *testing.T, fams []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, f := range fams {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}

func TestIsolatedRegistries(t *testing.T) {
	a := New("test", "go-test")
	b := New("test", "go-test")

	a.GossipDuplicateDropTotal.Inc()

	bFams, err := b.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	fam := findFamily(t, bFams, "meshnode_gossip_duplicate_drop_total")
	if got := fam.GetMetric()[0].GetCounter().GetValue(); got != 0 {
		t.Fatalf("second registry saw counter from first: %v", got)
	}
}

func TestCountersAccumulate(t *testing.T) {
	m := New("test", "go-test")

	m.GossipMessagesTotal.WithLabelValues("announce", "applied").Inc()
	m.GossipMessagesTotal.WithLabelValues("announce", "applied").Inc()
	m.GossipMessagesTotal.WithLabelValues("heartbeat", "applied").Inc()
	m.TransportSendsTotal.WithLabelValues("lan", "ok").Inc()

	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	gossip := findFamily(t, fams, "meshnode_gossip_messages_total")
	total := 0.0
	for _, metric := range gossip.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	if total != 3 {
		t.Fatalf("expected 3 gossip messages counted, got %v", total)
	}

	sends := findFamily(t, fams, "meshnode_transport_sends_total")
	if got := sends.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected 1 transport send counted, got %v", got)
	}
}

func TestBuildInfoLabels(t *testing.T) {
	m := New("1.2.3", "go1.26")
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	info := findFamily(t, fams, "meshnode_info")
	labels := info.GetMetric()[0].GetLabel()
	seen := map[string]string{}
	for _, l := range labels {
		seen[l.GetName()] = l.GetValue()
	}
	if seen["version"] != "1.2.3" || seen["go_version"] != "go1.26" {
		t.Fatalf("unexpected build info labels: %v", seen)
	}
}
