package reputation

import (
	"math/big"
	"testing"

	"github.com/tos-network/cascade/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestNewPeerStartsAtBaseline(t *testing.T) {
	e := newTestEngine(t)
	f := e.Score("did:key:unknown")
	if f.Overall != 100.0 {
		t.Fatalf("Overall = %v, want 100", f.Overall)
	}
}

func TestTokenValidatedRaisesScore(t *testing.T) {
	e := newTestEngine(t)
	before := e.Score("did:key:a").Overall
	e.TokenValidated("evt-1", "did:key:a")
	after := e.Score("did:key:a").Overall
	if after < before {
		t.Fatalf("expected score to rise or hold: before=%v after=%v", before, after)
	}
}

func TestDisputeLostAppliesFlatPenalty(t *testing.T) {
	e := newTestEngine(t)
	before := e.Score("did:key:a").Overall
	e.DisputeLost("evt-1", "did:key:a")
	after := e.Score("did:key:a").Overall
	if after != before-100 {
		t.Fatalf("after = %v, want %v", after, before-100)
	}
}

func TestEventDedupIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	e.DisputeLost("evt-1", "did:key:a")
	once := e.Score("did:key:a").Overall
	e.DisputeLost("evt-1", "did:key:a")
	twice := e.Score("did:key:a").Overall
	if once != twice {
		t.Fatalf("repeated event id changed score: %v -> %v", once, twice)
	}
}

func TestDecayAllShrinksScores(t *testing.T) {
	e := newTestEngine(t)
	e.TokenValidated("evt-1", "did:key:a")
	before := e.Score("did:key:a").Overall
	e.DecayAll()
	after := e.Score("did:key:a").Overall
	if after >= before {
		t.Fatalf("expected decay to shrink score: before=%v after=%v", before, after)
	}
}

func TestTopAgentsOrdersDescending(t *testing.T) {
	e := newTestEngine(t)
	e.TaskCompleted("evt-a", "did:key:a", 0, big.NewInt(1))
	e.TaskCompleted("evt-b", "did:key:b", 0, big.NewInt(1))
	e.DisputeLost("evt-c", "did:key:b")

	top := e.TopAgents(5)
	if len(top) != 2 {
		t.Fatalf("expected 2 ranked agents, got %d", len(top))
	}
	if top[0].DID != "did:key:a" {
		t.Fatalf("expected did:key:a to rank first, got %s", top[0].DID)
	}
	if top[0].Rank != 1 || top[1].Rank != 2 {
		t.Fatalf("unexpected ranks: %+v", top)
	}
}

func TestSnapshotPersistsAcrossReopen(t *testing.T) {
	db, err := store.OpenMem()
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	defer db.Close()

	e, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.TaskCompleted("evt-a", "did:key:a", 0, big.NewInt(42))
	e.DisputeLost("evt-b", "did:key:a")
	before := e.Score("did:key:a")

	if err := e.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	reopened, err := New(db)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	after := reopened.Score("did:key:a")
	if after.Overall != before.Overall {
		t.Fatalf("Overall did not survive reopen: before=%v after=%v", before.Overall, after.Overall)
	}
	if after.TotalEarned.Cmp(before.TotalEarned) != 0 {
		t.Fatalf("TotalEarned did not survive reopen: before=%v after=%v", before.TotalEarned, after.TotalEarned)
	}
}
