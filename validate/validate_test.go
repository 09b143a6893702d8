package validate

import (
	"context"
	"testing"
	"time"

	"github.com/tos-network/cascade/didkey"
	"github.com/tos-network/cascade/params"
	"github.com/tos-network/cascade/ucpt"
)

func mintToken(t *testing.T, parentHash string) ucpt.Token {
	t.Helper()
	id, err := didkey.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	tok, err := ucpt.Mint(id.Private, id.DID, ucpt.MintRequest{
		TaskID:     "t1",
		TaskType:   "transform",
		Input:      []byte("in"),
		ParentHash: parentHash,
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return tok
}

func noParents(string) (ucpt.Token, bool) { return ucpt.Token{}, false }

func allPositive(ctx context.Context, hash string, n int) []bool {
	votes := make([]bool, n)
	for i := range votes {
		votes[i] = true
	}
	return votes
}

func TestValidateAcceptsWellFormedToken(t *testing.T) {
	tok := mintToken(t, "")
	v := New(noParents, allPositive)
	res := v.Validate(context.Background(), tok)
	if !res.Valid {
		t.Fatalf("expected valid token, got %+v", res)
	}
}

func TestValidateBuffersOrphanOnMissingParent(t *testing.T) {
	tok := mintToken(t, "deadbeef")
	v := New(noParents, allPositive)
	res := v.Validate(context.Background(), tok)
	if !res.OrphanBuffered {
		t.Fatalf("expected token to be orphan-buffered")
	}
	if v.OrphanCount() != 1 {
		t.Fatalf("OrphanCount = %d, want 1", v.OrphanCount())
	}
}

func TestValidateDocksConfidenceWhenQuorumMissing(t *testing.T) {
	tok := mintToken(t, "")
	noVotes := func(ctx context.Context, hash string, n int) []bool { return nil }
	v := New(noParents, noVotes)
	res := v.Validate(context.Background(), tok)
	if !res.Valid || res.QuorumReached || len(res.Errors) != 0 || res.Confidence != params.ConfidenceStart-params.ConfidencePenaltyNoQuorum {
		t.Fatalf("expected a valid token with only the no-quorum confidence penalty when fewer peers respond than requested, got %+v", res)
	}
}

func TestSweepOrphansDiscardsPastGracePeriod(t *testing.T) {
	tok := mintToken(t, "deadbeef")
	v := New(noParents, allPositive)
	v.Validate(context.Background(), tok)

	// Manually age the buffered entry past the grace period.
	raw, _ := v.orphans.Peek(tok.Hash)
	entry := raw.(orphanEntry)
	entry.arrived = time.Now().Add(-10 * time.Minute)
	v.orphans.Add(tok.Hash, entry)

	_, discarded := v.SweepOrphans(context.Background())
	if discarded != 1 {
		t.Fatalf("discarded = %d, want 1", discarded)
	}
	if v.OrphanCount() != 0 {
		t.Fatalf("expected orphan buffer empty after sweep")
	}
}
