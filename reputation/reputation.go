// Package reputation scores peers by validation history, task outcomes,
// and dispute record. It is grounded on staking/reward.go's
// proportional-share accounting idiom and staking/state.go's
// hash-derived-slot idiom, reimplemented over a plain in-memory map
// guarded by sync.RWMutex (no EVM StateDB here) with periodic snapshot
// persistence to the shared store's reputation_cache bucket, the same
// store.Store abstraction tokencache.Cache writes through.
package reputation

import (
	"math/big"
	"sync"
	"time"

	"github.com/tos-network/cascade/canon"
	"github.com/tos-network/cascade/log"
	"github.com/tos-network/cascade/params"
	"github.com/tos-network/cascade/store"
)

var recordPrefix = []byte("reputation_cache/")

func recordKey(did string) []byte {
	return append(append([]byte{}, recordPrefix...), []byte(did)...)
}

// persistedRecord is record's wire form: big.Int has no native CBOR
// mapping, so TotalEarned round-trips as a decimal string.
type persistedRecord struct {
	Overall     float64       `cbor:"overall"`
	Successes   int64         `cbor:"successes"`
	Failures    int64         `cbor:"failures"`
	AvgTaskTime time.Duration `cbor:"avg_task_time"`
	TotalEarned string        `cbor:"total_earned"`
	PeerTrust   float64       `cbor:"peer_trust"`
}

// Factors is the set of reported reputation dimensions for one peer.
type Factors struct {
	Overall     float64
	SuccessRate float64
	AvgTaskTime time.Duration
	TotalEarned *big.Int
	PeerTrust   float64
}

// Ranking is one row of a TopAgents result.
type Ranking struct {
	DID   string
	Score float64
	Rank  int
}

type record struct {
	overall      float64
	successes    int64
	failures     int64
	avgTaskTime  time.Duration
	totalEarned  *big.Int
	peerTrust    float64
}

// Engine is the peer reputation ledger.
type Engine struct {
	mu      sync.RWMutex
	records map[string]*record
	seen    map[string]struct{} // EventID dedup, per spec.md §4.6 idempotence
	db      *store.Store
}

// New opens a reputation Engine backed by db, reloading any reputation_cache
// rows already persisted there (spec.md §3: "reputation state persist[s]
// across restarts"). A nil db keeps the Engine in-memory only, for tests.
func New(db *store.Store) (*Engine, error) {
	e := &Engine{
		records: make(map[string]*record),
		seen:    make(map[string]struct{}),
		db:      db,
	}
	if db == nil {
		return e, nil
	}
	it := db.NewIteratorWithPrefix(recordPrefix)
	defer it.Release()
	for it.Next() {
		did := string(it.Key()[len(recordPrefix):])
		var pr persistedRecord
		if err := canon.Unmarshal(it.Value(), &pr); err != nil {
			continue
		}
		earned := new(big.Int)
		earned.SetString(pr.TotalEarned, 10)
		e.records[did] = &record{
			overall:     pr.Overall,
			successes:   pr.Successes,
			failures:    pr.Failures,
			avgTaskTime: pr.AvgTaskTime,
			totalEarned: earned,
			peerTrust:   pr.PeerTrust,
		}
	}
	return e, nil
}

// Snapshot persists every peer's current record into the reputation_cache
// bucket. Run periodically (see core.Run's reputation-decay schedule)
// rather than on every mutation, since reputation events fire far more
// often than a crash-recovery window needs.
func (e *Engine) Snapshot() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.db == nil {
		return nil
	}
	batch := e.db.NewBatch()
	for did, r := range e.records {
		pr := persistedRecord{
			Overall:     r.overall,
			Successes:   r.successes,
			Failures:    r.failures,
			AvgTaskTime: r.avgTaskTime,
			TotalEarned: r.totalEarned.String(),
			PeerTrust:   r.peerTrust,
		}
		enc, err := canon.Marshal(pr)
		if err != nil {
			return err
		}
		batch.Put(recordKey(did), enc)
	}
	return e.db.Write(batch)
}

func (e *Engine) getOrCreate(did string) *record {
	r, ok := e.records[did]
	if !ok {
		r = &record{overall: params.ReputationStartScore, totalEarned: new(big.Int)}
		e.records[did] = r
	}
	return r
}

func (e *Engine) dedup(eventID string) bool {
	if eventID == "" {
		return false
	}
	if _, ok := e.seen[eventID]; ok {
		return true
	}
	e.seen[eventID] = struct{}{}
	return false
}

// TokenValidated raises issuer's reputation for a successfully validated token.
func (e *Engine) TokenValidated(eventID, issuer string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dedup(eventID) {
		return
	}
	r := e.getOrCreate(issuer)
	r.overall = ema(r.overall, 100, params.ReputationEMAAlpha)
	r.successes++
}

// TokenRejected lowers source's reputation for an admitted-but-rejected token.
func (e *Engine) TokenRejected(eventID, source string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dedup(eventID) {
		return
	}
	r := e.getOrCreate(source)
	r.overall = ema(r.overall, 0, params.ReputationEMAAlpha)
	r.failures++
}

// DisputeLost applies the flat dispute penalty.
func (e *Engine) DisputeLost(eventID, issuer string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dedup(eventID) {
		return
	}
	r := e.getOrCreate(issuer)
	r.overall += params.ReputationDisputePenalty
	log.Info("reputation: dispute lost", "did", issuer, "overall", r.overall)
}

// PenaliseDispute is the consensus-facing port wrapping DisputeLost.
func (e *Engine) PenaliseDispute(eventID, did string) {
	e.DisputeLost(eventID, did)
}

// TaskCompleted folds a successful task's duration and earnings into the
// peer's running averages.
func (e *Engine) TaskCompleted(eventID, peerDID string, duration time.Duration, earned *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dedup(eventID) {
		return
	}
	r := e.getOrCreate(peerDID)
	if r.avgTaskTime == 0 {
		r.avgTaskTime = duration
	} else {
		r.avgTaskTime = time.Duration(ema(float64(r.avgTaskTime), float64(duration), params.ReputationEMAAlpha))
	}
	if earned != nil {
		r.totalEarned.Add(r.totalEarned, earned)
	}
	r.successes++
	r.overall = ema(r.overall, 100, params.ReputationEMAAlpha)
}

// TaskFailed records a failed task attempt against the peer.
func (e *Engine) TaskFailed(eventID, peerDID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dedup(eventID) {
		return
	}
	r := e.getOrCreate(peerDID)
	r.failures++
	r.overall = ema(r.overall, 0, params.ReputationEMAAlpha)
}

// Score returns the current Factors for did.
func (e *Engine) Score(did string) Factors {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.records[did]
	if !ok {
		return Factors{Overall: params.ReputationStartScore, TotalEarned: new(big.Int)}
	}
	total := r.successes + r.failures
	successRate := 0.0
	if total > 0 {
		successRate = float64(r.successes) / float64(total)
	}
	return Factors{
		Overall:     r.overall,
		SuccessRate: successRate,
		AvgTaskTime: r.avgTaskTime,
		TotalEarned: new(big.Int).Set(r.totalEarned),
		PeerTrust:   r.peerTrust,
	}
}

// DecayAll multiplies every peer's Overall score by the daily decay
// factor, run once per params.ReputationDecayInterval.
func (e *Engine) DecayAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.records {
		r.overall *= params.ReputationDecayFactor
	}
}

// TopAgents returns the top n peers by Overall score, reusing the
// insertion-sort-for-small-result-sets idiom of agent/registry.go
// (repurposed in peer.Table.TopByLatency for the same reason).
func (e *Engine) TopAgents(n int) []Ranking {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Ranking, 0, len(e.records))
	for did, r := range e.records {
		out = append(out, Ranking{DID: did, Score: r.overall})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Score > out[j-1].Score; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func ema(prev, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*prev
}
