package peer

import (
	"testing"
	"time"
)

func TestUpsertGetRemove(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert(Record{DID: "did:key:a", Endpoint: "10.0.0.1:9000"})
	r, ok := tbl.Get("did:key:a")
	if !ok || r.Endpoint != "10.0.0.1:9000" {
		t.Fatalf("Get returned %+v, %v", r, ok)
	}
	tbl.Remove("did:key:a")
	if _, ok := tbl.Get("did:key:a"); ok {
		t.Fatalf("expected record removed")
	}
}

func TestMarkFailureTripsCircuitBreaker(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert(Record{DID: "did:key:a"})
	for i := 0; i < 4; i++ {
		tbl.MarkFailure("did:key:a", 5)
	}
	r, _ := tbl.Get("did:key:a")
	if r.Failed {
		t.Fatalf("peer marked failed before reaching threshold")
	}
	tbl.MarkFailure("did:key:a", 5)
	r, _ = tbl.Get("did:key:a")
	if !r.Failed {
		t.Fatalf("expected peer marked failed at threshold")
	}
}

func TestMarkSuccessResetsFailures(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert(Record{DID: "did:key:a"})
	tbl.MarkFailure("did:key:a", 5)
	tbl.MarkSuccess("did:key:a", time.Now())
	r, _ := tbl.Get("did:key:a")
	if r.FailureCount != 0 || r.Failed {
		t.Fatalf("expected failures reset, got %+v", r)
	}
}

func TestTopByLatencyOrdersAscendingAndExcludesFailed(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert(Record{DID: "slow", Latency: 300 * time.Millisecond})
	tbl.Upsert(Record{DID: "fast", Latency: 10 * time.Millisecond})
	tbl.Upsert(Record{DID: "failed", Latency: time.Millisecond, Failed: true})

	top := tbl.TopByLatency(2)
	if len(top) != 2 {
		t.Fatalf("expected 2 results, got %d", len(top))
	}
	if top[0].DID != "fast" || top[1].DID != "slow" {
		t.Fatalf("unexpected order: %+v", top)
	}
}

func TestStalePeers(t *testing.T) {
	tbl := NewTable()
	old := time.Now().Add(-time.Hour)
	tbl.Upsert(Record{DID: "old", LastSeen: old})
	tbl.Upsert(Record{DID: "fresh", LastSeen: time.Now()})

	stale := tbl.StalePeers(time.Now().Add(-time.Minute))
	if len(stale) != 1 || stale[0].DID != "old" {
		t.Fatalf("unexpected stale set: %+v", stale)
	}
}
