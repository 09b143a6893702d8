// Package errs defines the sentinel error kinds shared across the cascade
// core, following the teacher's package-level sentinel-var-block idiom
// (see validator/handler.go's ErrXxx = errors.New(...) block).
package errs

import "errors"

// Kind classifies a failure for metrics and log filtering without forcing
// callers to string-match error text.
type Kind int

const (
	KindUnknown Kind = iota
	KindMalformed
	KindBadSignature
	KindTimestamp
	KindOrphan
	KindNoQuorum
	KindDuplicate
	KindStorage
	KindConsensus
	KindAdmission
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindBadSignature:
		return "bad_signature"
	case KindTimestamp:
		return "timestamp"
	case KindOrphan:
		return "orphan"
	case KindNoQuorum:
		return "no_quorum"
	case KindDuplicate:
		return "duplicate"
	case KindStorage:
		return "storage"
	case KindConsensus:
		return "consensus"
	case KindAdmission:
		return "admission"
	default:
		return "unknown"
	}
}

var (
	ErrMalformedToken   = errors.New("ucpt: malformed token")
	ErrBadSignature     = errors.New("ucpt: signature verification failed")
	ErrClockSkew        = errors.New("ucpt: timestamp outside allowed skew")
	ErrTokenExpired     = errors.New("ucpt: token exceeds max age")
	ErrOrphanToken      = errors.New("ucpt: parent token not found")
	ErrNoQuorum         = errors.New("ucpt: peer quorum not reached")
	ErrDuplicateToken   = errors.New("ucpt: token already present")
	ErrTokenDisputed    = errors.New("ucpt: token marked disputed")
	ErrCacheMiss        = errors.New("tokencache: key not found")
	ErrLedgerCorrupt    = errors.New("ledger: hash chain broken")
	ErrLedgerSealed     = errors.New("ledger: block already sealed")
	ErrPeerBanned       = errors.New("spamfilter: peer is banned")
	ErrRateLimited      = errors.New("spamfilter: rate limit exceeded")
	ErrPoWInsufficient  = errors.New("spamfilter: proof of work insufficient")
	ErrConsensusNoPeers = errors.New("consensus: insufficient eligible peers")
	ErrConsensusTimeout = errors.New("consensus: vote collection deadline exceeded")
	ErrVaultLocked      = errors.New("vault: incorrect passphrase or corrupt vault")
)

// Wrapped pairs an error with a Kind for structured reporting.
type Wrapped struct {
	Kind Kind
	Err  error
}

func (w *Wrapped) Error() string { return w.Err.Error() }
func (w *Wrapped) Unwrap() error { return w.Err }

// Wrap annotates err with a Kind, leaving errors.Is/As able to see through it.
func Wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Wrapped{Kind: k, Err: err}
}

// KindOf extracts the Kind from an error produced by Wrap, or KindUnknown.
func KindOf(err error) Kind {
	var w *Wrapped
	if errors.As(err, &w) {
		return w.Kind
	}
	return KindUnknown
}
