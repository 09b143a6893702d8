// Package ucpt implements the Universal Computational Provenance Token:
// a COSE_Sign1-shaped, Ed25519-signed, content-addressed envelope
// recording that a given tool produced a given output from a given input.
package ucpt

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/tos-network/cascade/canon"
	"github.com/tos-network/cascade/crypto/ed25519"
	"github.com/tos-network/cascade/didkey"
)

var (
	ErrUnsupportedAlgorithm = errors.New("ucpt: unsupported signature algorithm")
	ErrTruncated            = errors.New("ucpt: truncated token bytes")
	ErrBadSignature         = errors.New("ucpt: signature verification failed")
)

const algEdDSA = "EdDSA"

// Protected mirrors a COSE_Sign1 protected header: the signature algorithm
// and the signing key's identifier.
type Protected struct {
	Alg string `cbor:"alg"`
	Kid string `cbor:"kid"`
}

// Payload is the provenance claim itself.
type Payload struct {
	Iss                    string   `cbor:"iss"`
	Subject                string   `cbor:"subject_did,omitempty"`
	Nbf                    int64    `cbor:"nbf"`
	Iat                    int64    `cbor:"iat"`
	Exp                    int64    `cbor:"exp"`
	Jti                    string   `cbor:"jti"`
	UcptVersion            string   `cbor:"ucpt_version"`
	Tool                   string   `cbor:"tool"`
	TaskID                 string   `cbor:"task_id"`
	TaskType               string   `cbor:"task_type"`
	InputHash              [32]byte `cbor:"input_hash"`
	DeterministicRerunHash [32]byte `cbor:"deterministic_rerun_hash"`
	ResultHash             [32]byte `cbor:"result_hash"`
	ParentHash             string   `cbor:"parent_hash,omitempty"`
	GraphCommit            string   `cbor:"graph_commit,omitempty"`
	GraphVersion           string   `cbor:"graph_version,omitempty"`
	CausalPathIDs          []string `cbor:"causal_path_ids,omitempty"`
}

// Envelope is the signed wire structure.
type Envelope struct {
	Protected Protected `cbor:"protected"`
	Payload   Payload   `cbor:"payload"`
	Signature []byte    `cbor:"signature"`
}

// Metadata carries node-local bookkeeping that is never signed over.
type Metadata struct {
	ReceivedAt        time.Time
	SourcePeer        string
	PeerConfirmations int
	Disputed          bool
}

// Token is the in-memory, content-addressed representation of a UCPT.
type Token struct {
	Hash     string
	Envelope Envelope
	Metadata Metadata
}

// MintRequest carries the caller-supplied fields of a new token.
type MintRequest struct {
	TaskID           string
	TaskType         string
	SubjectDID       string
	Input            []byte
	Output           []byte
	ParentHash       string
	TTL              time.Duration
	ResultHash       [32]byte
	ComputationProof []byte
	ResourceUsage    map[string]int64
}

const currentVersion = "1.0"

const sigContext = "Signature1"

func signingStructure(protectedEnc, payloadEnc []byte) []byte {
	buf := make([]byte, 0, len(sigContext)+len(protectedEnc)+len(payloadEnc))
	buf = append(buf, sigContext...)
	buf = append(buf, protectedEnc...)
	buf = append(buf, payloadEnc...)
	return buf
}

// Mint builds, signs, and content-addresses a new token.
func Mint(issuer ed25519.PrivateKey, issuerDID string, req MintRequest) (Token, error) {
	now := time.Now().UTC()
	exp := int64(0)
	if req.TTL > 0 {
		exp = now.Add(req.TTL).Unix()
	}

	inputHash, err := canonHash(req.Input)
	if err != nil {
		return Token{}, fmt.Errorf("ucpt: input hash: %w", err)
	}
	rerunHash, err := canonHash(append(append([]byte{}, req.Input...), req.ComputationProof...))
	if err != nil {
		return Token{}, fmt.Errorf("ucpt: rerun hash: %w", err)
	}

	payload := Payload{
		Iss:                    issuerDID,
		Subject:                req.SubjectDID,
		Nbf:                    now.Unix(),
		Iat:                    now.Unix(),
		Exp:                    exp,
		Jti:                    fmt.Sprintf("%x", sha256.Sum256(append([]byte(req.TaskID), req.Output...))),
		UcptVersion:            currentVersion,
		Tool:                   req.TaskType,
		TaskID:                 req.TaskID,
		TaskType:               req.TaskType,
		InputHash:              inputHash,
		DeterministicRerunHash: rerunHash,
		ResultHash:             req.ResultHash,
		ParentHash:             req.ParentHash,
	}
	protected := Protected{Alg: algEdDSA, Kid: issuerDID}

	protectedEnc, err := canon.Marshal(protected)
	if err != nil {
		return Token{}, fmt.Errorf("ucpt: marshal protected: %w", err)
	}
	payloadEnc, err := canon.Marshal(payload)
	if err != nil {
		return Token{}, fmt.Errorf("ucpt: marshal payload: %w", err)
	}

	sig := ed25519.Sign(issuer, signingStructure(protectedEnc, payloadEnc))
	hash := sha256.Sum256(append(append([]byte{}, protectedEnc...), payloadEnc...))

	return Token{
		Hash: fmt.Sprintf("%x", hash),
		Envelope: Envelope{
			Protected: protected,
			Payload:   payload,
			Signature: sig,
		},
	}, nil
}

func canonHash(data []byte) ([32]byte, error) {
	enc, err := canon.Marshal(data)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(enc), nil
}

// wireFormat is the on-the-wire encoding of a Token's signed portion.
type wireFormat struct {
	Protected Protected `cbor:"protected"`
	Payload   Payload   `cbor:"payload"`
	Signature []byte    `cbor:"signature"`
}

// Serialize encodes a Token's envelope to canonical CBOR bytes.
func Serialize(t Token) ([]byte, error) {
	return canon.Marshal(wireFormat{
		Protected: t.Envelope.Protected,
		Payload:   t.Envelope.Payload,
		Signature: t.Envelope.Signature,
	})
}

// Parse decodes bytes produced by Serialize back into a Token, recomputing
// its content hash. It does not verify the signature; call Verify for that.
func Parse(data []byte) (Token, error) {
	if len(data) == 0 {
		return Token{}, ErrTruncated
	}
	var w wireFormat
	if err := canon.Unmarshal(data, &w); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if w.Protected.Alg != algEdDSA {
		return Token{}, ErrUnsupportedAlgorithm
	}

	protectedEnc, err := canon.Marshal(w.Protected)
	if err != nil {
		return Token{}, err
	}
	payloadEnc, err := canon.Marshal(w.Payload)
	if err != nil {
		return Token{}, err
	}
	hash := sha256.Sum256(append(append([]byte{}, protectedEnc...), payloadEnc...))

	return Token{
		Hash: fmt.Sprintf("%x", hash),
		Envelope: Envelope{
			Protected: w.Protected,
			Payload:   w.Payload,
			Signature: w.Signature,
		},
	}, nil
}

// Verify recomputes the signing structure and checks the Ed25519 signature
// against the issuer's did:key-encoded public key.
func Verify(t Token, expectedIssuerDID string) (bool, error) {
	if t.Envelope.Protected.Alg != algEdDSA {
		return false, ErrUnsupportedAlgorithm
	}
	if expectedIssuerDID != "" && t.Envelope.Payload.Iss != expectedIssuerDID {
		return false, errors.New("ucpt: issuer mismatch")
	}
	pub, err := didkey.Decode(t.Envelope.Payload.Iss)
	if err != nil {
		return false, fmt.Errorf("ucpt: decode issuer did: %w", err)
	}
	protectedEnc, err := canon.Marshal(t.Envelope.Protected)
	if err != nil {
		return false, err
	}
	payloadEnc, err := canon.Marshal(t.Envelope.Payload)
	if err != nil {
		return false, err
	}
	ok := ed25519.Verify(pub, signingStructure(protectedEnc, payloadEnc), t.Envelope.Signature)
	if !ok {
		return false, ErrBadSignature
	}
	return true, nil
}
