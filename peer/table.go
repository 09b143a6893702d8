// Package peer is the in-memory table of connected peers consulted by
// gossip, consensus, and the spam filter. It is an adaptation of
// agent/registry.go's RWMutex-guarded map-of-records shape, repurposed
// from agent capability records to gossip peer records, including its
// insertion-sort-for-small-result-sets idiom for top-N ranking.
package peer

import (
	"sync"
	"time"
)

// Record describes a peer known to this node.
type Record struct {
	DID             string
	NodeID          [32]byte
	Endpoint        string
	LastSeen        time.Time
	FailureCount    int
	ReputationScore float64
	Latency         time.Duration
	Failed          bool
}

// Table is the RWMutex-guarded peer index.
type Table struct {
	mu      sync.RWMutex
	records map[string]*Record // DID -> record
}

// NewTable creates an empty peer table.
func NewTable() *Table {
	return &Table{records: make(map[string]*Record)}
}

// Upsert inserts or replaces a peer record.
func (t *Table) Upsert(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	clone := r
	t.records[r.DID] = &clone
}

// Get returns the record for did, or false if unknown.
func (t *Table) Get(did string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.records[did]
	if !ok {
		return Record{}, false
	}
	return *p, true
}

// Remove deletes the record for did.
func (t *Table) Remove(did string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, did)
}

// Len returns the number of known peers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// MarkFailure increments a peer's failure counter and flags it Failed once
// the gossip circuit-breaker threshold (spec.md §4.8) is reached.
func (t *Table) MarkFailure(did string, threshold int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[did]
	if !ok {
		return
	}
	r.FailureCount++
	if r.FailureCount >= threshold {
		r.Failed = true
	}
}

// MarkSuccess resets a peer's failure counter and clears Failed.
func (t *Table) MarkSuccess(did string, seen time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[did]
	if !ok {
		return
	}
	r.FailureCount = 0
	r.Failed = false
	r.LastSeen = seen
}

// All returns a snapshot of every known peer record.
func (t *Table) All() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	return out
}

// TopByLatency returns the n non-failed peers with the lowest latency.
func (t *Table) TopByLatency(n int) []Record {
	t.mu.RLock()
	candidates := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		if !r.Failed {
			candidates = append(candidates, *r)
		}
	}
	t.mu.RUnlock()

	sortByLatencyAscending(candidates)
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// StalePeers returns peers whose LastSeen is older than cutoff.
func (t *Table) StalePeers(cutoff time.Time) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Record
	for _, r := range t.records {
		if r.LastSeen.Before(cutoff) {
			out = append(out, *r)
		}
	}
	return out
}

// sortByLatencyAscending is an insertion sort, adequate for the small
// (≤ a few hundred) peer counts this table holds.
func sortByLatencyAscending(rs []Record) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j].Latency < rs[j-1].Latency; j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}
