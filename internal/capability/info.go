package capability

// Info is the gossiped projection of a Capability: everything a remote peer
// needs to route to it, and nothing else. It carries no secrets and no
// per-user state.
type Info struct {
	ID          ID
	Label       string
	Description string
	Vector      Vector
	Local       bool // true if originating node considers this capability local
	Hops        uint8
	Via         string // node id the route was learned through; empty if Local
	Constraints Constraints
	EstLatencyMS float64
}

// Project converts a local Capability into its gossiped Info, with Hops=0
// and Local=true, as seen by the owning node.
func Project(c Capability) Info {
	return Info{
		ID:          c.ID,
		Label:       c.Label,
		Description: c.Description,
		Vector:      c.Vector,
		Local:       true,
		Hops:        0,
		Constraints: c.Constraints,
	}
}
