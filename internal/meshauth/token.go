package meshauth

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// JoinTokenValidity is the default lifetime of a founder-issued join token.
const JoinTokenValidity = 24 * time.Hour

var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// JoinToken is presented by a joining node to the relay and LAN peers. It
// is signed by the mesh founder key so any peer can admit the bearer
// without contacting the founder directly.
type JoinToken struct {
	MeshID    string    `json:"mesh_id"`
	RelayAddr string    `json:"relay_addr,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Nonce     []byte    `json:"nonce"` // random per token and signed; used nonces are not recorded
	Signature []byte    `json:"signature,omitempty"`
}

func (t JoinToken) signingBytes() []byte {
	b, _ := json.Marshal(struct {
		MeshID    string    `json:"mesh_id"`
		RelayAddr string    `json:"relay_addr,omitempty"`
		IssuedAt  time.Time `json:"issued_at"`
		ExpiresAt time.Time `json:"expires_at"`
		Nonce     []byte    `json:"nonce"`
	}{t.MeshID, t.RelayAddr, t.IssuedAt, t.ExpiresAt, t.Nonce})
	return b
}

// IssueJoinToken builds and signs a join token with the founder's private key.
func IssueJoinToken(founder crypto.PrivKey, meshID, relayAddr string) (JoinToken, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return JoinToken{}, fmt.Errorf("meshauth: generate join token nonce: %w", err)
	}
	now := time.Now()
	tok := JoinToken{
		MeshID:    meshID,
		RelayAddr: relayAddr,
		IssuedAt:  now,
		ExpiresAt: now.Add(JoinTokenValidity),
		Nonce:     nonce,
	}
	sig, err := founder.Sign(tok.signingBytes())
	if err != nil {
		return JoinToken{}, fmt.Errorf("meshauth: sign join token: %w", err)
	}
	tok.Signature = sig
	return tok, nil
}

// Verify checks the join token's signature and expiry against the founder
// public key.
func (t JoinToken) Verify(founderPub crypto.PubKey) error {
	if time.Now().After(t.ExpiresAt) {
		return fmt.Errorf("meshauth: join token expired at %s", t.ExpiresAt)
	}
	ok, err := founderPub.Verify(t.signingBytes(), t.Signature)
	if err != nil || !ok {
		return fmt.Errorf("meshauth: join token signature invalid")
	}
	return nil
}

// Encode serializes the token into a compact base32 string suitable for a
// QR code or deep link, the same encoding family invite.Encode uses.
func (t JoinToken) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("meshauth: marshal join token: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))
	return tokenEncoding.EncodeToString(append(lenPrefix[:], data...)), nil
}

// DecodeJoinToken reverses Encode.
func DecodeJoinToken(s string) (JoinToken, error) {
	raw, err := tokenEncoding.DecodeString(s)
	if err != nil {
		return JoinToken{}, fmt.Errorf("meshauth: decode join token: %w", err)
	}
	if len(raw) < 4 {
		return JoinToken{}, fmt.Errorf("meshauth: join token too short")
	}
	n := binary.BigEndian.Uint32(raw[:4])
	if uint32(len(raw)-4) != n {
		return JoinToken{}, fmt.Errorf("meshauth: join token length mismatch")
	}
	var tok JoinToken
	if err := json.Unmarshal(raw[4:], &tok); err != nil {
		return JoinToken{}, fmt.Errorf("meshauth: unmarshal join token: %w", err)
	}
	return tok, nil
}

// MeshToken authenticates a connection to the relay: { mesh_id, node_id,
// issued_at, expires_at, capabilities, signature }, signed by the mesh
// founder key per the wire contract.
type MeshToken struct {
	MeshID       string    `json:"mesh_id"`
	NodeID       string    `json:"node_id"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Signature    []byte    `json:"signature,omitempty"`
}

func (t MeshToken) signingBytes() []byte {
	b, _ := json.Marshal(struct {
		MeshID       string    `json:"mesh_id"`
		NodeID       string    `json:"node_id"`
		IssuedAt     time.Time `json:"issued_at"`
		ExpiresAt    time.Time `json:"expires_at"`
		Capabilities []string  `json:"capabilities,omitempty"`
	}{t.MeshID, t.NodeID, t.IssuedAt, t.ExpiresAt, t.Capabilities})
	return b
}

// IssueMeshToken builds and signs a mesh token for nodeID.
func IssueMeshToken(founder crypto.PrivKey, meshID, nodeID string, ttl time.Duration, capabilities []string) (MeshToken, error) {
	now := time.Now()
	tok := MeshToken{
		MeshID:       meshID,
		NodeID:       nodeID,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
		Capabilities: capabilities,
	}
	sig, err := founder.Sign(tok.signingBytes())
	if err != nil {
		return MeshToken{}, fmt.Errorf("meshauth: sign mesh token: %w", err)
	}
	tok.Signature = sig
	return tok, nil
}

// Verify checks signature, mesh id match, and non-expiration, the three
// checks the relay performs on every connection.
func (t MeshToken) Verify(meshID string, founderPub crypto.PubKey) error {
	if t.MeshID != meshID {
		return fmt.Errorf("meshauth: mesh token mesh_id mismatch")
	}
	if time.Now().After(t.ExpiresAt) {
		return fmt.Errorf("meshauth: mesh token expired at %s", t.ExpiresAt)
	}
	ok, err := founderPub.Verify(t.signingBytes(), t.Signature)
	if err != nil || !ok {
		return fmt.Errorf("meshauth: mesh token signature invalid")
	}
	return nil
}
