// Package validate runs the five-step admission check on incoming UCPT
// tokens. Grounded on validator/handler.go's "── Validation phase ──"/
// "── Mutation phase ──" comment split, here applied to a signature →
// timestamp → parent-link → peer-consensus → confidence pipeline instead
// of a state-mutating system action.
package validate

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tos-network/cascade/errs"
	"github.com/tos-network/cascade/params"
	"github.com/tos-network/cascade/ucpt"
)

// ParentLookup resolves a token hash to its cached token, if any.
type ParentLookup func(hash string) (ucpt.Token, bool)

// PeerProbe asks n connected peers whether they have seen hash, returning
// one bool per response received (slice length may be < n).
type PeerProbe func(ctx context.Context, hash string, n int) []bool

// Result is the outcome of validating one token.
type Result struct {
	Valid          bool
	Confidence     int
	Errors         []error
	QuorumReached  bool
	OrphanBuffered bool
}

// Validator runs the admission pipeline.
type Validator struct {
	lookupParent ParentLookup
	probePeers   PeerProbe
	orphans      *lru.Cache
	issuerDID    string // expected issuer, "" to accept any valid signer
}

type orphanEntry struct {
	token    ucpt.Token
	arrived  time.Time
}

// New creates a Validator. lookupParent and probePeers are the two ports
// spec.md §9 calls out to break the cyclic dependency on the cache and
// gossip layers.
func New(lookupParent ParentLookup, probePeers PeerProbe) *Validator {
	cache, err := lru.New(params.OrphanBufferMaxEntries)
	if err != nil {
		panic("validate: failed to allocate orphan buffer: " + err.Error())
	}
	return &Validator{lookupParent: lookupParent, probePeers: probePeers, orphans: cache}
}

// Validate runs the five-step algorithm of spec.md §4.4 against token.
func (v *Validator) Validate(ctx context.Context, token ucpt.Token) Result {
	res := Result{Confidence: params.ConfidenceStart}

	// ── Step 1: signature ────────────────────────────────────────────────
	ok, err := ucpt.Verify(token, "")
	if err != nil || !ok {
		res.Errors = append(res.Errors, errs.Wrap(errs.KindBadSignature, errs.ErrBadSignature))
		res.Confidence -= params.ConfidencePenaltyBadSig
	}

	// ── Step 2: timestamp bounds ─────────────────────────────────────────
	now := time.Now().UTC()
	issued := time.Unix(token.Envelope.Payload.Iat, 0).UTC()
	if issued.After(now.Add(params.ClockSkew)) || now.Sub(issued) > params.MaxTokenAge {
		res.Errors = append(res.Errors, errs.Wrap(errs.KindTimestamp, errs.ErrClockSkew))
		res.Confidence -= params.ConfidencePenaltyTimestamp
	}

	// ── Step 3: parent link ──────────────────────────────────────────────
	if parent := token.Envelope.Payload.ParentHash; parent != "" {
		if _, ok := v.lookupParent(parent); !ok {
			res.OrphanBuffered = true
			v.orphans.Add(token.Hash, orphanEntry{token: token, arrived: now})
			res.Errors = append(res.Errors, errs.Wrap(errs.KindOrphan, errs.ErrOrphanToken))
			res.Confidence -= params.ConfidencePenaltyOrphan
		}
	}

	// ── Step 4: peer-consensus probe ─────────────────────────────────────
	if v.probePeers != nil {
		votes := v.probePeers(ctx, token.Hash, params.PeerProbeCount)
		if len(votes) < params.PeerProbeCount {
			// Fewer than PeerProbeCount peers reachable is non-fatal
			// (spec.md §4.4 point 4, a normal bootstrap/small-network
			// condition): dock confidence only, never block validity.
			res.Confidence -= params.ConfidencePenaltyNoQuorum
		} else {
			positive := 0
			for _, vote := range votes {
				if vote {
					positive++
				}
			}
			res.QuorumReached = positive >= params.PeerProbeQuorum
			if !res.QuorumReached {
				res.Confidence -= params.ConfidencePenaltyNoQuorum
			}
		}
	}

	// ── Step 5: confidence tally ─────────────────────────────────────────
	res.Valid = len(res.Errors) == 0 && res.Confidence >= params.ConfidenceAdmitThreshold
	return res
}

// SweepOrphans removes buffered orphans whose parent has since arrived,
// counting them as revalidated, and discards entries past the grace
// period. The released tokens are neither run through Validate again nor
// stored. Run periodically (every 60s per spec.md §5).
func (v *Validator) SweepOrphans(ctx context.Context) (revalidated, discarded int) {
	now := time.Now().UTC()
	for _, key := range v.orphans.Keys() {
		raw, ok := v.orphans.Peek(key)
		if !ok {
			continue
		}
		entry := raw.(orphanEntry)
		if _, found := v.lookupParent(entry.token.Envelope.Payload.ParentHash); found {
			v.orphans.Remove(key)
			revalidated++
			continue
		}
		if now.Sub(entry.arrived) > params.OrphanGraceTime {
			v.orphans.Remove(key)
			discarded++
		}
	}
	return revalidated, discarded
}

// OrphanCount returns the number of tokens currently buffered.
func (v *Validator) OrphanCount() int {
	return v.orphans.Len()
}
