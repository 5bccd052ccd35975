// SPDX-License-Identifier: GPL-3.0-or-later

package meshnode

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// NodeID is the public half of a [NodeIdentity]: a fixed-length identifier
// derived from an Ed25519 public key.
//
// Equality is bytewise. The zero value is not a valid node identifier.
type NodeID [ed25519.PublicKeySize]byte

// String returns the lowercase hex encoding of the node identifier.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseNodeID decodes a hex-encoded [NodeID] as produced by [NodeID.String].
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("meshnode: invalid node id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("meshnode: invalid node id length: got %d, want %d", len(raw), len(id))
	}
	copy(id[:], raw)
	return id, nil
}

// NodeIdentity is a node's long-lived signing key pair. The public half,
// obtained via [NodeIdentity.Public], is the node's [NodeID].
//
// Created once per node lifetime (generated, loaded from disk, or injected)
// and immutable after construction. The endpoint uses the private key to
// negotiate the TLS session backing every QUIC connection the node accepts
// or initiates; [NodeIdentity.Public] is what peers learn as the remote
// node's identifier.
type NodeIdentity struct {
	private ed25519.PrivateKey
	public  NodeID
}

// NewNodeIdentity generates a fresh [NodeIdentity] from the system CSPRNG.
//
// Panics if the system random number generator fails, which should only
// happen under extraordinary circumstances (same convention as [NewSpanID]).
func NewNodeIdentity() *NodeIdentity {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(fmt.Sprintf("meshnode: identity generation: %s", err.Error()))
	}
	var id NodeID
	copy(id[:], pub)
	return &NodeIdentity{private: priv, public: id}
}

// NodeIdentityFromSeed deterministically derives a [NodeIdentity] from a
// 32-byte seed, as loaded from an on-disk secret-key file in persistent
// [StorageMode].
func NodeIdentityFromSeed(seed []byte) (*NodeIdentity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("meshnode: invalid identity seed length: got %d, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	var id NodeID
	copy(id[:], pub)
	return &NodeIdentity{private: priv, public: id}, nil
}

// Public returns the node's [NodeID].
func (ni *NodeIdentity) Public() NodeID {
	return ni.public
}

// Seed returns the 32-byte seed from which the private key was derived.
// Persistent [StorageMode] writes this to the secret-key file on first run.
func (ni *NodeIdentity) Seed() []byte {
	return ni.private.Seed()
}

// Sign signs msg with the node's private key, as used during the TLS
// handshake negotiated by the endpoint.
func (ni *NodeIdentity) Sign(msg []byte) []byte {
	return ed25519.Sign(ni.private, msg)
}
