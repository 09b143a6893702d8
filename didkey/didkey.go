// Package didkey implements the did:key identity scheme used to name peers
// and token issuers (spec.md §3): a DID is the multicodec-prefixed Ed25519
// public key, base58btc-encoded and tagged with the 'z' multibase prefix.
package didkey

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/tos-network/cascade/crypto/ed25519"
)

// multicodec varint prefix for ed25519-pub (0xed01), per the did:key spec.
var multicodecEd25519Pub = []byte{0xed, 0x01}

const prefix = "did:key:z"

var (
	ErrBadPrefix  = errors.New("didkey: missing did:key:z prefix")
	ErrBadCodec   = errors.New("didkey: unexpected multicodec prefix")
	ErrBadKeySize = errors.New("didkey: decoded key has wrong length")
)

// Identity binds a DID to the keypair that produced it.
type Identity struct {
	DID     string
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateIdentity creates a fresh Ed25519 keypair and its did:key identity.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("didkey: generate key: %w", err)
	}
	return &Identity{DID: Encode(pub), Public: pub, Private: priv}, nil
}

// Encode renders a public key as a did:key DID string.
func Encode(pub ed25519.PublicKey) string {
	buf := make([]byte, 0, len(multicodecEd25519Pub)+len(pub))
	buf = append(buf, multicodecEd25519Pub...)
	buf = append(buf, pub...)
	return prefix + base58.Encode(buf)
}

// Decode parses a did:key DID string back into an Ed25519 public key.
func Decode(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, prefix) {
		return nil, ErrBadPrefix
	}
	raw, err := base58.Decode(strings.TrimPrefix(did, prefix))
	if err != nil {
		return nil, fmt.Errorf("didkey: base58 decode: %w", err)
	}
	if len(raw) < len(multicodecEd25519Pub) {
		return nil, ErrBadKeySize
	}
	if raw[0] != multicodecEd25519Pub[0] || raw[1] != multicodecEd25519Pub[1] {
		return nil, ErrBadCodec
	}
	pub := raw[len(multicodecEd25519Pub):]
	if len(pub) != ed25519.PublicKeySize {
		return nil, ErrBadKeySize
	}
	return ed25519.PublicKey(pub), nil
}

// NodeID is the short form used in logs and peer tables: the DID itself,
// since did:key values are already a compact, self-certifying identifier.
type NodeID = string
