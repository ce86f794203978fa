package trigger

import (
	"context"
	"testing"

	"github.com/latticemesh/meshnode/internal/capability"
	"github.com/latticemesh/meshnode/internal/gossip"
	"github.com/latticemesh/meshnode/internal/gradient"
	"github.com/latticemesh/meshnode/internal/router"
)

type fakeRouter struct {
	decision router.Decision
	err      error
	calls    int
}

func (f *fakeRouter) RouteText(_ context.Context, _ string, _ router.Context) (router.Decision, error) {
	f.calls++
	return f.decision, f.err
}

type fakeDispatcher struct {
	calls  int
	result map[string]any
}

func (f *fakeDispatcher) Execute(_ context.Context, _ router.Decision, _ string, _ map[string]any, _ map[string]any, _ func() (router.Decision, error)) (map[string]any, error) {
	f.calls++
	return f.result, nil
}

type fakeEventSender struct {
	sent   []gossip.TriggerEventPayload
	toPeer string
}

func (f *fakeEventSender) SendTriggerEvent(_ context.Context, peerID string, ev gossip.TriggerEventPayload) error {
	f.toPeer = peerID
	f.sent = append(f.sent, ev)
	return nil
}

func TestFireLocalDecisionExecutes(t *testing.T) {
	capID := capability.NewID("self", "camera", "front")
	rtr := &fakeRouter{decision: router.Decision{NodeID: "self", CapabilityID: capID}}
	exec := &fakeDispatcher{result: map[string]any{"ok": true}}
	p := New(nil, rtr, gradient.New(4), exec)
	p.SetEventSender("self", &fakeEventSender{})

	tr := capability.Trigger{Event: "motion", IntentTemplate: "motion at {location}"}
	out, err := p.FireSync(context.Background(), capID, tr, map[string]any{"location": "porch"})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if exec.calls != 1 || out["ok"] != true {
		t.Fatalf("expected local dispatch through the executor, got calls=%d out=%v", exec.calls, out)
	}
}

func TestFireRemoteDecisionSendsTriggerEvent(t *testing.T) {
	capID := capability.NewID("other", "camera", "front")
	rtr := &fakeRouter{decision: router.Decision{NodeID: "other", NextHop: "hop-1", CapabilityID: capID}}
	exec := &fakeDispatcher{}
	events := &fakeEventSender{}
	p := New(nil, rtr, gradient.New(4), exec)
	p.SetEventSender("self", events)

	tr := capability.Trigger{Event: "motion", IntentTemplate: "motion at {location}"}
	if _, err := p.FireSync(context.Background(), capID, tr, map[string]any{"location": "porch"}); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if exec.calls != 0 {
		t.Fatal("remote decision must not run through the executor")
	}
	if len(events.sent) != 1 || events.toPeer != "hop-1" {
		t.Fatalf("expected one trigger event to the next hop, got %d to %q", len(events.sent), events.toPeer)
	}
	ev := events.sent[0]
	if ev.Text != "motion at porch" || ev.Event != "motion" || ev.Target != capID {
		t.Fatalf("unexpected event payload: %+v", ev)
	}
}

func TestThrottleWindowSuppressesRepeatFires(t *testing.T) {
	capID := capability.NewID("self", "camera", "front")
	rtr := &fakeRouter{decision: router.Decision{NodeID: "self", CapabilityID: capID}}
	exec := &fakeDispatcher{}
	p := New(nil, rtr, gradient.New(4), exec)

	tr := capability.Trigger{Event: "motion", IntentTemplate: "motion", ThrottleWindow: 60}
	for i := 0; i < 3; i++ {
		if _, err := p.FireSync(context.Background(), capID, tr, nil); err != nil {
			t.Fatalf("fire %d: %v", i, err)
		}
	}
	if exec.calls != 1 {
		t.Fatalf("expected the throttle window to suppress repeats, got %d dispatches", exec.calls)
	}
}

func TestCriticalPriorityBypassesThrottle(t *testing.T) {
	capID := capability.NewID("self", "alarm", "smoke")
	rtr := &fakeRouter{decision: router.Decision{NodeID: "self", CapabilityID: capID}}
	exec := &fakeDispatcher{}
	p := New(nil, rtr, gradient.New(4), exec)

	tr := capability.Trigger{Event: "alarm", IntentTemplate: "smoke detected", ThrottleWindow: 60, Priority: PriorityCritical}
	for i := 0; i < 3; i++ {
		if _, err := p.FireSync(context.Background(), capID, tr, nil); err != nil {
			t.Fatalf("fire %d: %v", i, err)
		}
	}
	if exec.calls != 3 {
		t.Fatalf("critical triggers must bypass the throttle, got %d dispatches", exec.calls)
	}
}
