// Package gossip implements epidemic propagation of capability
// announcements, heartbeats, removals, and the other mesh-wide message
// types over the canonical signed envelope.
package gossip

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Type enumerates the on-the-wire message types, in the order the
// envelope's canonical signing form expects them to be reasoned about.
type Type string

const (
	TypeAnnounce     Type = "announce"
	TypeHeartbeat    Type = "heartbeat"
	TypeRemoved      Type = "removed"
	TypeUpdate       Type = "update"
	TypeTriggerEvent Type = "trigger_event"
	TypeNodeJoin     Type = "node_join"
	TypeNodeLeave    Type = "node_leave"
	TypeTokenRevoked Type = "token_revoked"
	TypeInvokeReq    Type = "invoke_request"
	TypeInvokeResp   Type = "invoke_response"
)

// DefaultTTL is the hop budget assigned to a freshly built announcement.
const DefaultTTL = 10

// Envelope is the canonical wire message. Field order here matches the
// canonical signing order fixed by the mesh auth layer: the CBOR codec is
// a deterministic, order-preserving encoding, so this struct's field
// order IS the wire order.
type Envelope struct {
	Type      Type    `cbor:"1,keyasint"`
	From      string  `cbor:"2,keyasint"`
	To        string  `cbor:"3,keyasint"` // empty string = broadcast
	Payload   []byte  `cbor:"4,keyasint"` // CBOR-encoded, type-specific
	TTL       uint8   `cbor:"5,keyasint"`
	Timestamp float64 `cbor:"6,keyasint"`
	Nonce     string  `cbor:"7,keyasint"` // 16 hex chars
	Signature []byte  `cbor:"8,keyasint"`
}

// SigningBytes returns the canonical byte form over which the signature is
// computed: from || to || payload || ttl || timestamp || nonce, each
// length-prefixed so no field can bleed into its neighbor. The TTL slot is
// masked to zero: forwarders decrement the live TTL on every hop, and a
// signature bound to its current value could never survive the first
// forward. Every other field stays covered.
func (e Envelope) SigningBytes() []byte {
	var buf []byte
	appendField := func(b []byte) {
		var lenBytes [8]byte
		n := uint64(len(b))
		for i := 0; i < 8; i++ {
			lenBytes[7-i] = byte(n)
			n >>= 8
		}
		buf = append(buf, lenBytes[:]...)
		buf = append(buf, b...)
	}
	appendField([]byte(e.From))
	appendField([]byte(e.To))
	appendField(e.Payload)
	appendField([]byte{0}) // TTL slot, masked

	var tsBytes [8]byte
	ts := int64(e.Timestamp * 1e9)
	for i := 0; i < 8; i++ {
		tsBytes[7-i] = byte(ts)
		ts >>= 8
	}
	appendField(tsBytes[:])
	appendField([]byte(e.Nonce))
	return buf
}

// NewNonce generates a fresh 16-hex-char nonce.
func NewNonce() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("gossip: generate nonce: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Encode serializes the envelope with CBOR's canonical (deterministic)
// encoding mode, suitable for signing and for wire transmission.
func Encode(e Envelope) ([]byte, error) {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("gossip: build cbor encoder: %w", err)
	}
	b, err := mode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("gossip: encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses bytes into an Envelope.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("gossip: decode envelope: %w", err)
	}
	return e, nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
