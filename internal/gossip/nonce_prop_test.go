package gossip

import (
	"testing"

	"pgregory.net/rapid"
)

// Every first sighting of a nonce is accepted, every repeat within the
// retention window is rejected, regardless of interleaving.
func TestNonceCacheProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := NewNonceCache()
		seen := make(map[string]bool)

		nonces := rapid.SliceOfN(rapid.StringMatching(`[0-9a-f]{16}`), 1, 50).Draw(t, "nonces")
		for _, n := range nonces {
			replay := c.SeenOrRecord(n)
			if replay != seen[n] {
				t.Fatalf("nonce %q: got replay=%v, want %v", n, replay, seen[n])
			}
			seen[n] = true
		}
	})
}

func TestNonceGenerationShape(t *testing.T) {
	prev := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n, err := NewNonce()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(n) != 16 {
			t.Fatalf("expected 16 hex chars, got %d (%q)", len(n), n)
		}
		if prev[n] {
			t.Fatalf("nonce repeated within 100 draws: %q", n)
		}
		prev[n] = true
	}
}
