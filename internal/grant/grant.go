// Package grant implements single-invocation authorization tokens. The
// calling node mints a grant bound to one request id, capability, and tool,
// with a short expiry, and signs it with its own node key. Any peer that
// learned the caller's key at join time can check the grant offline, so a
// captured InvokeRequest cannot be replayed against a different tool or
// capability, and goes stale quickly even against the same one.
package grant

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrBadSignature  = errors.New("grant: signature verification failed")
	ErrScopeMismatch = errors.New("grant: request outside granted scope")
	ErrExpired       = errors.New("grant: expired")
)

// Signer produces the minting node's signature; satisfied by
// meshauth.NodeIdentity.
type Signer interface {
	NodeID() string
	Sign(data []byte) ([]byte, error)
}

// Verifier checks a signature against a node's known public key; satisfied
// by meshauth.KnownKeys.
type Verifier interface {
	Verify(nodeID string, data, sig []byte) bool
}

// Grant authorizes exactly one tool invocation.
type Grant struct {
	RequestID    string  `cbor:"1,keyasint"`
	Caller       string  `cbor:"2,keyasint"`
	CapabilityID string  `cbor:"3,keyasint"`
	Tool         string  `cbor:"4,keyasint"`
	ExpiresAt    float64 `cbor:"5,keyasint"` // epoch seconds
	Sig          []byte  `cbor:"6,keyasint"`
}

// signingBytes is the canonical signed form: each field length-prefixed so
// no field can bleed into its neighbor.
func (g Grant) signingBytes() []byte {
	var buf []byte
	appendField := func(b []byte) {
		var lenBytes [4]byte
		n := uint32(len(b))
		for i := 0; i < 4; i++ {
			lenBytes[3-i] = byte(n)
			n >>= 8
		}
		buf = append(buf, lenBytes[:]...)
		buf = append(buf, b...)
	}
	appendField([]byte(g.RequestID))
	appendField([]byte(g.Caller))
	appendField([]byte(g.CapabilityID))
	appendField([]byte(g.Tool))
	appendField([]byte(fmt.Sprintf("%.6f", g.ExpiresAt)))
	return buf
}

// Mint builds and signs a grant for one invocation, valid for ttl.
func Mint(s Signer, requestID, capabilityID, tool string, ttl time.Duration) (Grant, error) {
	g := Grant{
		RequestID:    requestID,
		Caller:       s.NodeID(),
		CapabilityID: capabilityID,
		Tool:         tool,
		ExpiresAt:    float64(time.Now().Add(ttl).UnixNano()) / 1e9,
	}
	sig, err := s.Sign(g.signingBytes())
	if err != nil {
		return Grant{}, fmt.Errorf("grant: sign: %w", err)
	}
	g.Sig = sig
	return g, nil
}

// Check verifies the grant against the presented request: the caller's
// signature must hold, the scope must match exactly, and the grant must not
// have expired.
func (g Grant) Check(v Verifier, requestID, capabilityID, tool string, now time.Time) error {
	if !v.Verify(g.Caller, g.signingBytes(), g.Sig) {
		return ErrBadSignature
	}
	if g.RequestID != requestID || g.CapabilityID != capabilityID || g.Tool != tool {
		return ErrScopeMismatch
	}
	if float64(now.UnixNano())/1e9 > g.ExpiresAt {
		return ErrExpired
	}
	return nil
}

// Encode serializes the grant for the wire.
func (g Grant) Encode() ([]byte, error) {
	b, err := cbor.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("grant: encode: %w", err)
	}
	return b, nil
}

// Decode parses wire bytes back into a Grant.
func Decode(b []byte) (Grant, error) {
	var g Grant
	if err := cbor.Unmarshal(b, &g); err != nil {
		return Grant{}, fmt.Errorf("grant: decode: %w", err)
	}
	return g, nil
}
