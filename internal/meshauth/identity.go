// Package meshauth holds the mesh's two keypairs (per-node and per-mesh
// founder) and the signed tokens built from them: join tokens presented by
// a joining node, and mesh tokens presented on every relay connection.
package meshauth

import (
	"fmt"
	"os"
	"runtime"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// CheckKeyFilePermissions verifies a key file is not group/world readable.
func CheckKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("meshauth: cannot stat key file %s: %w", path, err)
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("meshauth: key file %s has insecure permissions %04o (expected 0600)", path, mode)
	}
	return nil
}

// LoadOrCreateIdentity loads an existing Ed25519 keypair from path, or
// generates and persists a new one.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		if err := CheckKeyFilePermissions(path); err != nil {
			return nil, err
		}
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("meshauth: unmarshal key from %s: %w", path, err)
		}
		return priv, nil
	}

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, fmt.Errorf("meshauth: generate keypair: %w", err)
	}
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("meshauth: marshal private key: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("meshauth: save key to %s: %w", path, err)
	}
	return priv, nil
}

// NodeIdentity wraps a node's keypair and exposes gossip.Signer.
type NodeIdentity struct {
	nodeID string
	priv   crypto.PrivKey
	pub    crypto.PubKey
}

// NewNodeIdentity derives a NodeIdentity from a loaded keypair. nodeID is
// the stable mesh-level identifier (distinct from the libp2p peer id,
// though in practice callers usually set them equal).
func NewNodeIdentity(nodeID string, priv crypto.PrivKey) *NodeIdentity {
	return &NodeIdentity{nodeID: nodeID, priv: priv, pub: priv.GetPublic()}
}

// NodeID implements gossip.Signer.
func (n *NodeIdentity) NodeID() string { return n.nodeID }

// Sign implements gossip.Signer.
func (n *NodeIdentity) Sign(data []byte) ([]byte, error) {
	sig, err := n.priv.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("meshauth: sign: %w", err)
	}
	return sig, nil
}

// PublicKeyBytes returns the marshaled public key, for publishing at join
// time so peers can later verify this node's signatures.
func (n *NodeIdentity) PublicKeyBytes() ([]byte, error) {
	b, err := crypto.MarshalPublicKey(n.pub)
	if err != nil {
		return nil, fmt.Errorf("meshauth: marshal public key: %w", err)
	}
	return b, nil
}
