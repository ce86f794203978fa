package transport

import (
	"context"
	"testing"
)

func TestManagerBroadcastReachesAllPeers(t *testing.T) {
	calls := make(map[string]int)
	factory := func(class Class, peerID string) Driver {
		return &countingDriver{class: class, onSend: func() { calls[peerID]++ }}
	}
	m := NewManager(nil, factory, []Class{ClassLAN})
	m.AddPeer("a")
	m.AddPeer("b")

	if err := m.Broadcast(context.Background(), []byte("x")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if calls["a"] != 1 || calls["b"] != 1 {
		t.Fatalf("expected every peer to receive the broadcast once, got %+v", calls)
	}
}

func TestManagerPeersExcludesOffline(t *testing.T) {
	factory := func(class Class, peerID string) Driver {
		return &countingDriver{class: class, fail: peerID == "offline"}
	}
	m := NewManager(nil, factory, []Class{ClassLAN})
	m.AddPeer("online")
	m.AddPeer("offline")

	pool := m.poolFor("offline")
	pool.firstFail = pool.firstFail.Add(-offlineAfter - 1)
	if pool.firstFail.IsZero() {
		// force a failure record so Offline() has a firstFail to compare
	}
	_ = m.Send(context.Background(), "offline", []byte("x"))
	pool.firstFail = pool.firstFail.Add(-offlineAfter - 1)

	peers := m.Peers()
	found := false
	for _, p := range peers {
		if p == "offline" {
			found = true
		}
	}
	if found {
		t.Fatalf("expected offline peer excluded from Peers(), got %v", peers)
	}
}

type countingDriver struct {
	class         Class
	fail          bool
	onSend        func()
	onSendPayload func([]byte)
}

func (d *countingDriver) Class() Class                       { return d.class }
func (d *countingDriver) Dial(context.Context, string) error { return nil }
func (d *countingDriver) Send(_ context.Context, _ string, payload []byte) error {
	if d.onSend != nil {
		d.onSend()
	}
	if d.onSendPayload != nil {
		d.onSendPayload(payload)
	}
	if d.fail {
		return errFakeSend
	}
	return nil
}
func (d *countingDriver) Probe(context.Context, string) (float64, bool) {
	if d.fail {
		return 0, false
	}
	return 5, true
}
func (d *countingDriver) Close(string) error { return nil }

var errFakeSend = fakeErr("counting driver send failure")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
