package transport

import (
	"context"
	"errors"
	"testing"
)

// fakeDriver is a deterministic, in-memory Driver for pool tests.
type fakeDriver struct {
	class      Class
	latencyMS  float64
	fail       bool
	sendCalls  int
	probeCalls int
}

func (d *fakeDriver) Class() Class { return d.class }
func (d *fakeDriver) Dial(context.Context, string) error { return nil }
func (d *fakeDriver) Send(_ context.Context, _ string, _ []byte) error {
	d.sendCalls++
	if d.fail {
		return errors.New("fake send failure")
	}
	return nil
}
func (d *fakeDriver) Probe(context.Context, string) (float64, bool) {
	d.probeCalls++
	if d.fail {
		return 0, false
	}
	return d.latencyMS, true
}
func (d *fakeDriver) Close(string) error { return nil }

func TestConnectionPoolFailsOverToNextClass(t *testing.T) {
	lan := &fakeDriver{class: ClassLAN, fail: true}
	relay := &fakeDriver{class: ClassRelay, latencyMS: 50}
	pool := NewConnectionPool("peer1", map[Class]Driver{
		ClassLAN:   lan,
		ClassRelay: relay,
	}, DefaultWeights)

	if err := pool.SendPayload(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("expected fallthrough send to succeed, got %v", err)
	}
	if lan.sendCalls != 2 {
		t.Errorf("expected LAN to be tried twice (one retry) before falling through, got %d", lan.sendCalls)
	}
	if relay.sendCalls != 1 {
		t.Errorf("expected relay to receive the successful send, got %d calls", relay.sendCalls)
	}
}

func TestConnectionPoolAllClassesFail(t *testing.T) {
	pool := NewConnectionPool("peer1", map[Class]Driver{
		ClassLAN:   &fakeDriver{class: ClassLAN, fail: true},
		ClassRelay: &fakeDriver{class: ClassRelay, fail: true},
	}, DefaultWeights)

	if err := pool.SendPayload(context.Background(), []byte("hi")); err == nil {
		t.Fatal("expected error when every class fails")
	}
}

func TestConnectionPoolHysteresisPreventsFlapping(t *testing.T) {
	pool := NewConnectionPool("peer1", map[Class]Driver{
		ClassLAN: &fakeDriver{class: ClassLAN, latencyMS: 10},
	}, DefaultWeights)
	pool.preferred = ClassLAN

	// A marginally better score (below hysteresisMargin) must not switch:
	// 90 ms against the fresh 150 ms default is a 4-point lead.
	pool.classStats[ClassP2PDirect] = newClassMetrics()
	pool.classStats[ClassP2PDirect].avgLatencyMS = 90
	pool.maybeSwitchPreferred(ClassP2PDirect)
	if pool.preferred != ClassLAN {
		t.Fatalf("expected LAN to remain preferred under a sub-margin lead, got %s", pool.preferred)
	}

	// A lead clearing hysteresisMargin does switch.
	pool.classStats[ClassP2PDirect].avgLatencyMS = 1
	pool.classStats[ClassP2PDirect].successRate = 1
	pool.classStats[ClassLAN].successRate = 0
	pool.maybeSwitchPreferred(ClassP2PDirect)
	if pool.preferred != ClassP2PDirect {
		t.Fatalf("expected preferred to switch once the margin clears, got %s", pool.preferred)
	}
}

func TestConnectionPoolOfflineAfterSustainedFailure(t *testing.T) {
	pool := NewConnectionPool("peer1", map[Class]Driver{
		ClassLAN:   &fakeDriver{class: ClassLAN, fail: true},
		ClassRelay: &fakeDriver{class: ClassRelay, fail: true},
	}, DefaultWeights)

	_ = pool.SendPayload(context.Background(), []byte("x"))
	if pool.Offline() {
		t.Fatal("a single failure burst should not immediately mark offline")
	}
	pool.firstFail = pool.firstFail.Add(-offlineAfter - 1)
	if !pool.Offline() {
		t.Fatal("expected pool to report offline once failures span offlineAfter")
	}
}

type closeOrderDriver struct {
	class Class
	order *[]Class
}

func (d *closeOrderDriver) Class() Class                                  { return d.class }
func (d *closeOrderDriver) Dial(context.Context, string) error            { return nil }
func (d *closeOrderDriver) Send(context.Context, string, []byte) error    { return nil }
func (d *closeOrderDriver) Probe(context.Context, string) (float64, bool) { return 1, true }
func (d *closeOrderDriver) Close(string) error {
	*d.order = append(*d.order, d.class)
	return nil
}

func TestCloseRunsInReversePriorityOrder(t *testing.T) {
	var order []Class
	drivers := make(map[Class]Driver, len(defaultPriority))
	for _, c := range defaultPriority {
		drivers[c] = &closeOrderDriver{class: c, order: &order}
	}
	pool := NewConnectionPool("peer1", drivers, DefaultWeights)

	if err := pool.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(order) != len(defaultPriority) {
		t.Fatalf("expected every class closed, got %v", order)
	}
	for i, c := range order {
		want := defaultPriority[len(defaultPriority)-1-i]
		if c != want {
			t.Fatalf("close order position %d: got %s, want %s (full order %v)", i, c, want, order)
		}
	}
}
