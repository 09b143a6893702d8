package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/tos-network/cascade/peer"
)

func TestDetectConflictRequiresTwoDistinctHashes(t *testing.T) {
	if _, ok := DetectConflict([]string{"a", "a", "a"}); ok {
		t.Fatalf("expected no conflict for identical hashes")
	}
	distinct, ok := DetectConflict([]string{"a", "b", "a"})
	if !ok || len(distinct) != 2 {
		t.Fatalf("expected conflict with 2 distinct hashes, got %v ok=%v", distinct, ok)
	}
}

func TestSelectPeersFiltersByScore(t *testing.T) {
	scores := map[string]float64{"a": 500, "b": 100, "c": 400}
	candidates := []peer.Record{{DID: "a"}, {DID: "b"}, {DID: "c"}}
	selected := SelectPeers(scores, candidates)
	if len(selected) != 2 {
		t.Fatalf("expected 2 eligible peers (score >= 300), got %d: %+v", len(selected), selected)
	}
	for _, p := range selected {
		if p.DID == "b" {
			t.Fatalf("low-score peer b should have been filtered out")
		}
	}
}

func TestTallyPicksQuorumWinner(t *testing.T) {
	round := &Round{
		TaskID:     "t1",
		Candidates: []string{"hashA", "hashB"},
		Peers: []peer.Record{
			{DID: "v1"}, {DID: "v2"}, {DID: "v3"}, {DID: "v4"},
			{DID: "v5"}, {DID: "v6"}, {DID: "v7"},
		},
		Votes: map[string]map[string]bool{
			"v1": {"hashA": true},
			"v2": {"hashA": true},
			"v3": {"hashA": true},
			"v4": {"hashA": true},
			"v5": {"hashA": true},
			"v6": {"hashB": true},
			"v7": {"hashB": true},
		},
	}
	scores := map[string]float64{
		"v1": 1000, "v2": 1000, "v3": 1000, "v4": 1000, "v5": 1000, "v6": 1000, "v7": 1000,
	}
	winner, ok := Tally(round, scores)
	if !ok || winner != "hashA" {
		t.Fatalf("expected hashA to win with quorum, got winner=%s ok=%v", winner, ok)
	}
}

func TestTallyReturnsNoQuorumWhenSplit(t *testing.T) {
	round := &Round{
		TaskID:     "t1",
		Candidates: []string{"hashA", "hashB"},
		Peers:      []peer.Record{{DID: "v1"}, {DID: "v2"}, {DID: "v3"}, {DID: "v4"}, {DID: "v5"}, {DID: "v6"}, {DID: "v7"}},
		Votes: map[string]map[string]bool{
			"v1": {"hashA": true},
			"v2": {"hashA": true},
			"v3": {"hashA": true},
			"v4": {"hashB": true},
			"v5": {"hashB": true},
			"v6": {"hashB": true},
			"v7": {"hashB": true},
		},
	}
	scores := map[string]float64{"v1": 1000, "v2": 1000, "v3": 1000, "v4": 1000, "v5": 1000, "v6": 1000, "v7": 1000}
	_, ok := Tally(round, scores)
	if ok {
		t.Fatalf("expected no quorum for a 4/3 split below the 5/7 threshold")
	}
}

func TestResolveClearsInFlightRound(t *testing.T) {
	e := New(nil)
	round, _ := e.StartRound("t1", []string{"a", "b"}, nil)
	out := e.Resolve(round, "a", true)
	if out.WinnerHash != "a" || len(out.LoserHashes) != 1 || out.LoserHashes[0] != "b" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	again, _ := e.StartRound("t1", []string{"a", "b"}, nil)
	if again == round {
		t.Fatalf("expected a fresh round after resolution, got the same pointer")
	}
}

func TestStartRoundCoalescesConcurrentTriggers(t *testing.T) {
	e := New(nil)
	r1, _ := e.StartRound("t1", []string{"a", "b"}, nil)
	r2, isNew := e.StartRound("t1", []string{"a", "b"}, nil)
	if r1 != r2 {
		t.Fatalf("expected concurrent StartRound calls to coalesce to the same round")
	}
	if isNew {
		t.Fatalf("expected the second StartRound call to report isNew=false")
	}
}

func TestTallyRejectsUnanimousButInsufficientPeerSet(t *testing.T) {
	round := &Round{
		TaskID:     "t1",
		Candidates: []string{"hashA", "hashB"},
		Peers:      []peer.Record{{DID: "v1"}, {DID: "v2"}, {DID: "v3"}},
		Votes: map[string]map[string]bool{
			"v1": {"hashA": true},
			"v2": {"hashA": true},
			"v3": {"hashA": true},
		},
	}
	scores := map[string]float64{"v1": 1000, "v2": 1000, "v3": 1000}
	_, ok := Tally(round, scores)
	if ok {
		t.Fatalf("expected no quorum: 3 unanimous votes normalised against the fixed denominator of 7 fall below 5/7")
	}
}

func TestCollectRespectsDeadline(t *testing.T) {
	called := false
	e := New(func(ctx context.Context, round *Round) map[string]map[string]bool {
		called = true
		if _, ok := ctx.Deadline(); !ok {
			t.Fatalf("expected vote context to carry a deadline")
		}
		return nil
	})
	round, _ := e.StartRound("t1", []string{"a", "b"}, nil)
	round.Deadline = time.Now().Add(time.Second)
	e.Collect(context.Background(), round)
	if !called {
		t.Fatalf("expected VoteRequester to be invoked")
	}
}
