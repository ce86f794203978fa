package gradient

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/latticemesh/meshnode/internal/capability"
)

// Property coverage for the table invariants: the size bound holds after
// every update, each capability id maps to at most one entry, and a
// replacement is only ever accepted on strictly fewer hops.
func TestTableProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxSize := rapid.IntRange(1, 8).Draw(t, "maxSize")
		tb := New(maxSize)

		ids := rapid.SliceOfN(rapid.StringMatching(`cap[0-9]`), 1, 6).Draw(t, "ids")
		steps := rapid.IntRange(1, 40).Draw(t, "steps")

		bestHops := make(map[capability.ID]uint8)
		for i := 0; i < steps; i++ {
			raw := rapid.SampledFrom(ids).Draw(t, "id")
			id := capability.NewID("n", "t", raw)
			hops := uint8(rapid.IntRange(1, 12).Draw(t, "hops"))

			// An id evicted earlier comes back as a fresh insert, not a
			// replacement, so only an entry still present is held to the
			// strict-hops rule.
			_, present := tb.Get(id)
			changed := tb.Update(id, raw, unitVec(1), hops, "peer", "origin", 10, capability.Constraints{})

			if prev, seen := bestHops[id]; seen && present {
				if changed && hops >= prev {
					t.Fatalf("replacement accepted without strict hop improvement: %d >= %d", hops, prev)
				}
				if changed {
					bestHops[id] = hops
				}
			} else if changed {
				bestHops[id] = hops
			}

			if tb.Size() > maxSize {
				t.Fatalf("size bound violated: %d > %d", tb.Size(), maxSize)
			}
		}

		seen := make(map[capability.ID]bool)
		for _, e := range tb.Snapshot() {
			if seen[e.CapID] {
				t.Fatalf("duplicate entry for %s", e.CapID)
			}
			seen[e.CapID] = true
			if e.Hops > 255 {
				t.Fatalf("hops out of range: %d", e.Hops)
			}
		}
	})
}

// Local entries survive arbitrary remote churn at capacity.
func TestLocalEntriesSurviveChurn(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tb := New(3)
		localID := capability.NewID("self", "llm", "chat")
		tb.UpdateLocal(localID, "chat", unitVec(1), "self", capability.Constraints{})

		churn := rapid.IntRange(1, 30).Draw(t, "churn")
		for i := 0; i < churn; i++ {
			suffix := rapid.StringMatching(`[a-z]{1,4}`).Draw(t, "suffix")
			id := capability.NewID("remote", "t", suffix)
			tb.Update(id, suffix, unitVec(1), 1, "p", "remote", 10, capability.Constraints{})
		}

		e, ok := tb.Get(localID)
		if !ok || e.Hops != 0 || e.NextHop != "self" {
			t.Fatalf("local entry lost or mutated under churn: %+v ok=%v", e, ok)
		}
	})
}
