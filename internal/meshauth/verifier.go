package meshauth

import (
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// KnownKeys tracks the public keys of nodes learned at join time, and
// implements gossip.Verifier: a receiver verifies the claimed from_node's
// signature against the key it learned when that node joined. Unknown
// signers are rejected without state change, per the mesh auth contract.
type KnownKeys struct {
	mu   sync.RWMutex
	keys map[string]crypto.PubKey
}

// NewKnownKeys creates an empty key store.
func NewKnownKeys() *KnownKeys {
	return &KnownKeys{keys: make(map[string]crypto.PubKey)}
}

// Learn records nodeID's public key, overwriting any prior key (re-join
// after a key rotation installs the newer key; callers that need
// first-use-wins semantics should check Has first).
func (k *KnownKeys) Learn(nodeID string, pub crypto.PubKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[nodeID] = pub
}

// Has reports whether nodeID's key is known.
func (k *KnownKeys) Has(nodeID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[nodeID]
	return ok
}

// Verify implements gossip.Verifier.
func (k *KnownKeys) Verify(nodeID string, data, sig []byte) bool {
	k.mu.RLock()
	pub, ok := k.keys[nodeID]
	k.mu.RUnlock()
	if !ok {
		return false
	}
	valid, err := pub.Verify(data, sig)
	return err == nil && valid
}

// Forget drops a node's key, used when a TokenRevoked message purges it.
func (k *KnownKeys) Forget(nodeID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, nodeID)
}

// Admission implements gossip's Admitter: a joining node presents its
// public key and founder-signed join token; a valid pair records the key in
// KnownKeys so the joiner's signatures verify from then on. A nil founder
// key (mesh bootstrapping before the founder key is distributed, tests)
// skips the token check but still requires a parseable key.
type Admission struct {
	meshID     string
	founderPub crypto.PubKey
	keys       *KnownKeys
}

// NewAdmission builds an Admission for meshID. founderPub may be nil.
func NewAdmission(meshID string, founderPub crypto.PubKey, keys *KnownKeys) *Admission {
	return &Admission{meshID: meshID, founderPub: founderPub, keys: keys}
}

// revocationSigningBytes is the canonical input the founder signs to revoke
// nodeID.
func revocationSigningBytes(nodeID string) []byte {
	return []byte("meshauth/revoke/v1:" + nodeID)
}

// SignRevocation produces the founder's signature authorizing nodeID's
// revocation, carried in the TokenRevoked payload.
func SignRevocation(founder crypto.PrivKey, nodeID string) ([]byte, error) {
	sig, err := founder.Sign(revocationSigningBytes(nodeID))
	if err != nil {
		return nil, fmt.Errorf("meshauth: sign revocation: %w", err)
	}
	return sig, nil
}

// VerifyRevocation implements gossip.RevocationVerifier. With no founder
// key configured, revocations are accepted on the envelope signature alone.
func (a *Admission) VerifyRevocation(nodeID string, founderSig []byte) bool {
	if a.founderPub == nil {
		return true
	}
	ok, err := a.founderPub.Verify(revocationSigningBytes(nodeID), founderSig)
	return err == nil && ok
}

// Admit implements gossip.Admitter.
func (a *Admission) Admit(nodeID string, pubKey []byte, joinToken string) error {
	if a.founderPub != nil {
		tok, err := DecodeJoinToken(joinToken)
		if err != nil {
			return err
		}
		if tok.MeshID != a.meshID {
			return fmt.Errorf("meshauth: join token for mesh %q, expected %q", tok.MeshID, a.meshID)
		}
		if err := tok.Verify(a.founderPub); err != nil {
			return err
		}
	}
	pub, err := crypto.UnmarshalPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("meshauth: unmarshal joining node's public key: %w", err)
	}
	a.keys.Learn(nodeID, pub)
	return nil
}
