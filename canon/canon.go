// Package canon provides the deterministic, canonical CBOR encoding that
// spec.md §3 requires for anything that is hashed or signed: sorted map
// keys, fixed-width integers, no floats, no indefinite-length items.
package canon

import (
	"bytes"
	"crypto/sha256"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic("canon: bad canonical encoding options: " + err.Error())
	}
	encMode = m
}

// Marshal encodes v using the canonical CBOR options, producing the same
// byte sequence for semantically equal values regardless of struct field
// order or map insertion order.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes canonical CBOR into v.
func Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// Digest returns the SHA-256 digest of the canonical encoding of v, the
// content-address used throughout the token cache and ledger.
func Digest(v interface{}) ([32]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// Equal reports whether a and b canonically encode to the same bytes.
func Equal(a, b interface{}) (bool, error) {
	ab, err := Marshal(a)
	if err != nil {
		return false, err
	}
	bb, err := Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}
